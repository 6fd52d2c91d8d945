package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/notification"
)

// ErrInvalidRequest marks caller input the engine refuses before touching state.
var ErrInvalidRequest = errors.New("invalid request")

// Clock returns the current time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

func componentLog(log *logrus.Entry, component string) *logrus.Entry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return log.WithField("component", component)
}

// notify delivers msg best effort. Domain changes are already committed when
// this runs and stay committed if delivery fails.
func notify(ctx context.Context, sender notification.Sender, log *logrus.Entry, msg notification.Message) {
	if sender == nil {
		return
	}
	if err := sender.Send(ctx, msg); err != nil {
		metrics.ExternalErrors.WithLabelValues("push").Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"member_id": msg.MemberID,
			"kind":      msg.Kind,
		}).Warn("failed to send notification")
	}
}
