package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store"
	"loyaltyLedgerAPI/internal/treasury"
	"loyaltyLedgerAPI/services"
)

// JobRunner triggers a scheduled job out of band.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// AdminHandler serves the operator routes under /internal.
type AdminHandler struct {
	members  *services.MemberService
	scans    *services.ScanService
	wallet   *services.WalletService
	comps    *services.CompPoolService
	payouts  *services.PayoutService
	treasury *services.TreasuryService
	jobs     JobRunner
	log      *logrus.Entry
}

func NewAdminHandler(
	members *services.MemberService,
	scans *services.ScanService,
	wallet *services.WalletService,
	comps *services.CompPoolService,
	payouts *services.PayoutService,
	vault *services.TreasuryService,
	jobs JobRunner,
	log *logrus.Entry,
) *AdminHandler {
	return &AdminHandler{
		members:  members,
		scans:    scans,
		wallet:   wallet,
		comps:    comps,
		payouts:  payouts,
		treasury: vault,
		jobs:     jobs,
		log:      log.WithField("handler", "admin"),
	}
}

type registerMemberRequest struct {
	ClerkID      string `json:"clerk_id"`
	ReferralCode string `json:"referral_code"`
}

type inflowResponse struct {
	Reference string                        `json:"reference"`
	Shares    map[pool.Type]decimal.Decimal `json:"shares"`
}

type scanResponse struct {
	Event *scan.Event `json:"event"`
	Chip  *chip.Chip  `json:"chip,omitempty"`
}

func (h *AdminHandler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req registerMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	m, created, err := h.members.Register(ctx, req.ClerkID, req.ReferralCode)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	respondWithJSON(w, code, m)
}

func (h *AdminHandler) EnrollAffiliate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req services.EnrollAffiliateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	a, err := h.members.EnrollAffiliate(ctx, req)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, a)
}

func (h *AdminHandler) RecordScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req scan.RecordScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MemberID == uuid.Nil {
		respondWithError(w, http.StatusBadRequest, "member_id is required")
		return
	}
	ev, c, err := h.scans.Record(ctx, req)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, scanResponse{Event: ev, Chip: c})
}

func (h *AdminHandler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req services.CreditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tx, err := h.wallet.Credit(ctx, req)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, tx)
}

func (h *AdminHandler) AllocateInflow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req pool.InflowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	shares, err := h.comps.AllocateInflow(ctx, req)
	if errors.Is(err, store.ErrConflict) {
		respondWithJSON(w, http.StatusOK, map[string]string{"reference": req.Reference, "status": "already_applied"})
		return
	}
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, inflowResponse{Reference: req.Reference, Shares: shares})
}

func (h *AdminHandler) AwardComp(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req pool.AwardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := pool.ParseType(string(req.PoolType)); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.comps.Award(ctx, req)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, a)
}

func (h *AdminHandler) GetPools(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pools, err := h.comps.PoolStatus(ctx, mux.Vars(r)["period"])
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	if pools == nil {
		pools = []pool.Pool{}
	}
	respondWithJSON(w, http.StatusOK, pools)
}

func (h *AdminHandler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}
	p, err := h.payouts.Retry(ctx, id)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *AdminHandler) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}
	snaps, err := h.treasury.History(ctx, since)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	if snaps == nil {
		snaps = []treasury.Snapshot{}
	}
	respondWithJSON(w, http.StatusOK, snaps)
}

func (h *AdminHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.jobs.RunNow(r.Context(), name); err != nil {
		if code := statusFor(err); code != http.StatusInternalServerError {
			respondWithError(w, code, err.Error())
			return
		}
		// The job ran and failed; the scheduler already logged the detail.
		respondWithJSON(w, http.StatusOK, map[string]string{"job": name, "status": "failed", "error": err.Error()})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"job": name, "status": "succeeded"})
}
