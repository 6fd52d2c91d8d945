package chip

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestChipTransitions(t *testing.T) {
	issuedAt := time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)
	c := Issue(uuid.New(), uuid.New(), uuid.New(), issuedAt, 14*24*time.Hour)

	assert.Equal(t, StateIssued, c.State())
	assert.NoError(t, c.CanVault(issuedAt.Add(13*24*time.Hour+23*time.Hour)))
	assert.ErrorIs(t, c.CanVault(issuedAt.Add(14*24*time.Hour)), ErrChipExpired)
	assert.False(t, c.Expirable(issuedAt.Add(time.Hour)))
	assert.True(t, c.Expirable(issuedAt.Add(15*24*time.Hour)))

	c.IsVaulted = true
	assert.Equal(t, StateVaulted, c.State())
	assert.False(t, c.Expirable(issuedAt.Add(15*24*time.Hour)))
	assert.ErrorIs(t, c.CanVault(issuedAt), ErrChipAlreadyVaulted)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "not_found", FailureReason(fmt.Errorf("vault: %w", ErrChipNotFound)))
	assert.Equal(t, "already_vaulted", FailureReason(ErrChipAlreadyVaulted))
	assert.Equal(t, "expired", FailureReason(ErrChipExpired))
	assert.Equal(t, "error", FailureReason(fmt.Errorf("boom")))
}
