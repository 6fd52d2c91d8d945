package balance

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/treasury"
)

// Teller reads bank account balances from the Teller API. Each pool type is
// backed by one account.
type Teller struct {
	client   *resty.Client
	accounts map[pool.Type]string
}

var _ Source = (*Teller)(nil)

type tellerBalance struct {
	AccountID string `json:"account_id"`
	Available string `json:"available"`
	Ledger    string `json:"ledger"`
}

func NewTeller(client *resty.Client, baseURL, accessToken string, accounts map[pool.Type]string) *Teller {
	// Teller authenticates with the access token as the basic auth username.
	client.SetBaseURL(baseURL).SetBasicAuth(accessToken, "")
	return &Teller{client: client, accounts: accounts}
}

func (t *Teller) Name() string { return treasury.SourceBank }

func (t *Teller) Balances(ctx context.Context) (treasury.Balances, error) {
	out := make(treasury.Balances, len(t.accounts))
	for typ, account := range t.accounts {
		var body tellerBalance
		res, err := t.client.R().
			SetContext(ctx).
			SetPathParam("account", account).
			SetResult(&body).
			ForceContentType("application/json").
			Get("/accounts/{account}/balances")
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s bank balance: %w", typ, err)
		}
		if res.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("teller returned %d for %s account", res.StatusCode(), typ)
		}
		available, err := decimal.NewFromString(body.Available)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s bank balance %q: %w", typ, body.Available, err)
		}
		out[typ] = available
	}
	return out, nil
}
