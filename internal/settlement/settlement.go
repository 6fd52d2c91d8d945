// Package settlement moves approved affiliate payouts to their destination.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/payout"
	"loyaltyLedgerAPI/internal/retry"
)

// ErrRejected is returned when the settlement provider refuses a payout outright.
var ErrRejected = errors.New("settlement rejected")

// Settler pays out one payout and returns the provider's reference.
// Implementations must be idempotent per payout ID.
type Settler interface {
	Settle(ctx context.Context, p payout.Payout) (string, error)
}

// HTTPSettler posts payouts to an external settlement API.
type HTTPSettler struct {
	client *resty.Client
	policy retry.Policy
	log    *logrus.Entry
}

var _ Settler = (*HTTPSettler)(nil)

type settleRequest struct {
	PayoutID    string `json:"payout_id"`
	AffiliateID string `json:"affiliate_id"`
	Period      string `json:"period"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

type settleResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHTTPSettler(baseURL, token string, policy retry.Policy, log *logrus.Entry) *HTTPSettler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")
	return &HTTPSettler{client: client, policy: policy, log: log.WithField("component", "settlement")}
}

func (s *HTTPSettler) Settle(ctx context.Context, p payout.Payout) (string, error) {
	log := s.log.WithField("payout_id", p.ID)
	return retry.Do(ctx, s.policy, log, func(ctx context.Context) (string, error) {
		var (
			body    settleResponse
			problem errorResponse
		)
		res, err := s.client.R().
			SetContext(ctx).
			SetHeader("Idempotency-Key", p.ID.String()).
			SetBody(settleRequest{
				PayoutID:    p.ID.String(),
				AffiliateID: p.AffiliateID.String(),
				Period:      p.Period,
				Type:        string(p.Type),
				Amount:      p.Amount.StringFixed(2),
				Currency:    "USD",
			}).
			SetResult(&body).
			SetError(&problem).
			Post("/payouts")
		if err != nil {
			return "", fmt.Errorf("failed to reach settlement provider: %w", err)
		}

		code := res.StatusCode()
		switch {
		case code == http.StatusOK || code == http.StatusCreated || code == http.StatusAccepted:
			if strings.TrimSpace(body.Reference) == "" {
				return "", retry.Permanent(fmt.Errorf("%w: response without reference", ErrRejected))
			}
			return body.Reference, nil
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			return "", fmt.Errorf("settlement provider returned %d", code)
		default:
			reason := problem.Error
			if reason == "" {
				reason = http.StatusText(code)
			}
			return "", retry.Permanent(fmt.Errorf("%w (%d): %s", ErrRejected, code, reason))
		}
	})
}

// LedgerSettler settles into the internal wallet only. The credit itself is
// written when the payout is finalized, so settling just mints a reference.
type LedgerSettler struct{}

var _ Settler = LedgerSettler{}

func (LedgerSettler) Settle(ctx context.Context, p payout.Payout) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "ledger:" + p.ID.String(), nil
}
