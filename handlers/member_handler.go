package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/tier"
	"loyaltyLedgerAPI/middleware"
	"loyaltyLedgerAPI/services"
)

// MemberHandler serves the authenticated member-facing routes.
type MemberHandler struct {
	members     *services.MemberService
	tiers       *services.TierService
	chips       *services.ChipService
	wallet      *services.WalletService
	leaderboard *services.LeaderboardService
	sunset      *services.SunsetService
	log         *logrus.Entry
}

func NewMemberHandler(
	members *services.MemberService,
	tiers *services.TierService,
	chips *services.ChipService,
	wallet *services.WalletService,
	leaderboard *services.LeaderboardService,
	sunset *services.SunsetService,
	log *logrus.Entry,
) *MemberHandler {
	return &MemberHandler{
		members:     members,
		tiers:       tiers,
		chips:       chips,
		wallet:      wallet,
		leaderboard: leaderboard,
		sunset:      sunset,
		log:         log.WithField("handler", "member"),
	}
}

type tierResponse struct {
	Assignment         *tier.Assignment `json:"assignment"`
	PartnerDiscountPct string           `json:"partner_discount_pct"`
	Benefits           map[string]bool  `json:"benefits"`
}

type vaultRequest struct {
	ChipIDs []string `json:"chip_ids"`
}

type walletResponse struct {
	Balances     ledger.Balances      `json:"balances"`
	Transactions []ledger.Transaction `json:"transactions"`
}

// member resolves the Clerk subject to a member, writing the error response
// itself when that fails.
func (h *MemberHandler) member(ctx context.Context, w http.ResponseWriter) (*scan.Member, bool) {
	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return nil, false
	}
	m, err := h.members.ByClerkID(ctx, clerkID)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return nil, false
	}
	return m, true
}

func (h *MemberHandler) tierView(a *tier.Assignment) tierResponse {
	resp := tierResponse{Assignment: a, PartnerDiscountPct: "0", Benefits: map[string]bool{}}
	if def, ok := tier.Lookup(h.tiers.Definitions(), a.TierName); ok {
		resp.PartnerDiscountPct = def.PartnerDiscountPct.String()
		for k, on := range def.Benefits {
			if on {
				resp.Benefits[k] = true
			}
		}
	}
	return resp
}

func (h *MemberHandler) GetTier(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, ok := h.member(ctx, w)
	if !ok {
		return
	}
	a, err := h.tiers.Current(ctx, m.ID)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.tierView(a))
}

func (h *MemberHandler) RefreshTier(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, ok := h.member(ctx, w)
	if !ok {
		return
	}
	a, _, err := h.tiers.Refresh(ctx, m.ID)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.tierView(a))
}

func (h *MemberHandler) GetChips(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, ok := h.member(ctx, w)
	if !ok {
		return
	}
	aff, err := h.chips.AffiliateForMember(ctx, m.ID)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}

	state := chip.State(r.URL.Query().Get("state"))
	switch state {
	case "", chip.StateIssued, chip.StateVaulted, chip.StateExpired:
	default:
		respondWithError(w, http.StatusBadRequest, "state must be one of issued, vaulted, expired")
		return
	}
	chips, err := h.chips.List(ctx, aff.ID, state)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	if chips == nil {
		chips = []chip.Chip{}
	}
	respondWithJSON(w, http.StatusOK, chips)
}

func (h *MemberHandler) VaultChips(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, ok := h.member(ctx, w)
	if !ok {
		return
	}

	var req vaultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.ChipIDs) == 0 {
		respondWithError(w, http.StatusBadRequest, "chip_ids is required")
		return
	}

	aff, err := h.chips.AffiliateForMember(ctx, m.ID)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.chips.Vault(ctx, aff.ID, req.ChipIDs))
}

func (h *MemberHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, ok := h.member(ctx, w)
	if !ok {
		return
	}
	txs, err := h.wallet.Transactions(ctx, m.ID)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, walletResponse{Balances: ledger.Derive(txs), Transactions: txs})
}

func (h *MemberHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, ok := h.member(ctx, w)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	board, err := h.leaderboard.Top(ctx, h.leaderboard.CurrentPeriod(), limit, &m.ID)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, board)
}

func (h *MemberHandler) GetSunset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, ok := middleware.GetClerkID(ctx); !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}
	st, err := h.sunset.Status(ctx)
	if err != nil {
		respondWithDomainError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}
