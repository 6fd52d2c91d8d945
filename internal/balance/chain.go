package balance

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/treasury"
)

// balanceOf(address) selector.
const balanceOfSelector = "70a08231"

// Chain reads token balances of the treasury wallets through an EVM JSON-RPC
// endpoint.
type Chain struct {
	client   *resty.Client
	token    string
	decimals int32
	wallets  map[pool.Type]string
	nextID   atomic.Int64
}

var _ Source = (*Chain)(nil)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64     `json:"id"`
	Result string    `json:"result"`
	Error  *rpcError `json:"error"`
}

func NewChain(client *resty.Client, rpcURL, token string, decimals int32, wallets map[pool.Type]string) *Chain {
	client.SetBaseURL(rpcURL).SetHeader("Content-Type", "application/json")
	return &Chain{client: client, token: token, decimals: decimals, wallets: wallets}
}

func (c *Chain) Name() string { return treasury.SourceChain }

func (c *Chain) Balances(ctx context.Context) (treasury.Balances, error) {
	out := make(treasury.Balances, len(c.wallets))
	for typ, wallet := range c.wallets {
		v, err := c.balanceOf(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s wallet balance: %w", typ, err)
		}
		out[typ] = v
	}
	return out, nil
}

func (c *Chain) balanceOf(ctx context.Context, wallet string) (decimal.Decimal, error) {
	addr := strings.TrimPrefix(strings.ToLower(wallet), "0x")
	if len(addr) != 40 {
		return decimal.Zero, fmt.Errorf("malformed wallet address %q", wallet)
	}
	call := map[string]string{
		"to":   c.token,
		"data": "0x" + balanceOfSelector + strings.Repeat("0", 24) + addr,
	}

	var body rpcResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: "eth_call", Params: []interface{}{call, "latest"}}).
		SetResult(&body).
		ForceContentType("application/json").
		Post("")
	if err != nil {
		return decimal.Zero, err
	}
	if res.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rpc returned %d", res.StatusCode())
	}
	if body.Error != nil {
		return decimal.Zero, fmt.Errorf("rpc error %d: %s", body.Error.Code, body.Error.Message)
	}

	// A token contract always answers balanceOf with a word; "0x" means the
	// call hit an address without code.
	raw := strings.TrimPrefix(body.Result, "0x")
	if raw == "" {
		return decimal.Zero, fmt.Errorf("rpc returned no balance for %s", wallet)
	}
	units, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("malformed balance %q", body.Result)
	}
	return decimal.NewFromBigInt(units, -c.decimals), nil
}
