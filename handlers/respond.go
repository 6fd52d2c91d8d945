package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/payout"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store"
	"loyaltyLedgerAPI/internal/workers"
	"loyaltyLedgerAPI/services"
)

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithDomainError maps engine errors onto HTTP statuses. Anything
// unrecognised is logged and reported as a 500 without detail.
func respondWithDomainError(w http.ResponseWriter, log *logrus.Entry, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		respondWithError(w, code, "Internal server error")
		return
	}
	respondWithError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, period.ErrInvalidPeriod),
		errors.Is(err, pool.ErrPoolNotFound):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, chip.ErrAffiliateNotFound),
		errors.Is(err, chip.ErrChipNotFound),
		errors.Is(err, payout.ErrPayoutNotFound),
		errors.Is(err, workers.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, scan.ErrCodeAlreadyRedeemed),
		errors.Is(err, chip.ErrChipAlreadyVaulted),
		errors.Is(err, chip.ErrChipExpired),
		errors.Is(err, pool.ErrAlreadyAwarded),
		errors.Is(err, pool.ErrPoolExhausted),
		errors.Is(err, payout.ErrInFlight),
		errors.Is(err, payout.ErrNotRetryable),
		errors.Is(err, payout.ErrPeriodOpen),
		errors.Is(err, workers.ErrJobRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
