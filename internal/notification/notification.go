package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindTierUpgrade  Kind = "tier_upgrade"
	KindSunsetFrozen Kind = "sunset_frozen"
	KindPayoutPaid   Kind = "payout_paid"
	KindCompAwarded  Kind = "comp_awarded"
)

// Message is a push notification addressed to one member.
type Message struct {
	MemberID uuid.UUID         `json:"member_id"`
	Kind     Kind              `json:"kind"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

// Sender delivers messages. Delivery is best effort; callers log failures
// and never roll back domain changes because of them.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Topic is the FCM topic a member's devices subscribe to.
func Topic(memberID uuid.UUID) string {
	return "member-" + memberID.String()
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Log *logrus.Entry
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	log := s.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"member_id": msg.MemberID,
		"kind":      msg.Kind,
	}).Infof("notification: %s", msg.Title)
	return nil
}

// TierUpgraded builds the message sent when a member reaches a higher tier.
func TierUpgraded(memberID uuid.UUID, tierName, period string) Message {
	return Message{
		MemberID: memberID,
		Kind:     KindTierUpgrade,
		Title:    "Tier upgraded",
		Body:     fmt.Sprintf("You reached %s for %s.", tierName, period),
		Data:     map[string]string{"tier": tierName, "period": period},
	}
}

// SunsetFrozen tells an affiliate their tier label is now permanent.
func SunsetFrozen(memberID uuid.UUID, tierName string) Message {
	return Message{
		MemberID: memberID,
		Kind:     KindSunsetFrozen,
		Title:    "Your tier is locked in",
		Body:     fmt.Sprintf("The program has reached its sunset threshold. %s is now your permanent tier.", tierName),
		Data:     map[string]string{"tier": tierName},
	}
}

func PayoutPaid(memberID uuid.UUID, amount, period string) Message {
	return Message{
		MemberID: memberID,
		Kind:     KindPayoutPaid,
		Title:    "Payout sent",
		Body:     fmt.Sprintf("$%s for %s has been added to your wallet.", amount, period),
		Data:     map[string]string{"amount": amount, "period": period},
	}
}

func CompAwarded(memberID uuid.UUID, benefit, amount string) Message {
	return Message{
		MemberID: memberID,
		Kind:     KindCompAwarded,
		Title:    "You won a comp",
		Body:     fmt.Sprintf("$%s has been added to your comp balance.", amount),
		Data:     map[string]string{"benefit": benefit, "amount": amount},
	}
}
