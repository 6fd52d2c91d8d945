package notification

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	id := uuid.MustParse("6f1c1d2e-8a1b-4a57-9a3c-2d0c4f1b7e11")
	assert.Equal(t, "member-6f1c1d2e-8a1b-4a57-9a3c-2d0c4f1b7e11", Topic(id))
}

func TestMessages(t *testing.T) {
	id := uuid.New()

	up := TierUpgraded(id, "VIP", "2026-Q1")
	assert.Equal(t, KindTierUpgrade, up.Kind)
	assert.Contains(t, up.Body, "VIP")
	assert.Equal(t, "2026-Q1", up.Data["period"])

	frozen := SunsetFrozen(id, "Whale")
	assert.Equal(t, KindSunsetFrozen, frozen.Kind)
	assert.Equal(t, "Whale", frozen.Data["tier"])

	paid := PayoutPaid(id, "25.00", "2026-W06")
	assert.Contains(t, paid.Body, "$25.00")
}

func TestLogSender(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := LogSender{Log: logrus.NewEntry(logger)}

	require.NoError(t, s.Send(context.Background(), CompAwarded(uuid.New(), "crypto_100", "50.00")))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, KindCompAwarded, hook.LastEntry().Data["kind"])
}

func TestNewFCMSenderRejectsBadCredentials(t *testing.T) {
	_, err := NewFCMSender(context.Background(), "%%%not-base64", "", nil)
	assert.ErrorContains(t, err, "decode base64")

	_, err = NewFCMSender(context.Background(), "", "/nonexistent/key.json", nil)
	assert.ErrorContains(t, err, "local firebase file not found")
}
