package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"loyaltyLedgerAPI/middleware"
)

type Middleware = func(http.Handler) http.Handler

// Routes bundles the handlers and the middleware guarding each surface.
type Routes struct {
	Member  *MemberHandler
	Admin   *AdminHandler
	Webhook *WebhookHandler
	Health  *HealthHandler
	Metrics http.Handler

	MemberAuth  Middleware
	AdminAuth   Middleware
	MetricsAuth Middleware
	RateLimit   Middleware
}

func NewRouter(rt Routes) *mux.Router {
	r := mux.NewRouter()

	standard := r.PathPrefix("/").Subrouter()
	if rt.RateLimit != nil {
		standard.Use(rt.RateLimit)
	}
	standard.Use(middleware.MonitorMiddleware)

	if rt.Metrics != nil {
		standard.Handle("/metrics", rt.MetricsAuth(rt.Metrics)).Methods(http.MethodGet)
	}
	standard.HandleFunc("/health", rt.Health.Health).Methods(http.MethodGet)
	if rt.Webhook != nil {
		standard.HandleFunc("/webhooks/clerk", rt.Webhook.HandleClerkWebhook).Methods(http.MethodPost)
	}

	api := standard.PathPrefix("/api/v1").Subrouter()
	api.Use(rt.MemberAuth)
	api.HandleFunc("/tier", rt.Member.GetTier).Methods(http.MethodGet)
	api.HandleFunc("/tier/refresh", rt.Member.RefreshTier).Methods(http.MethodPost)
	api.HandleFunc("/chips", rt.Member.GetChips).Methods(http.MethodGet)
	api.HandleFunc("/chips/vault", rt.Member.VaultChips).Methods(http.MethodPost)
	api.HandleFunc("/wallet", rt.Member.GetWallet).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", rt.Member.GetLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/sunset", rt.Member.GetSunset).Methods(http.MethodGet)

	internal := standard.PathPrefix("/internal").Subrouter()
	internal.Use(rt.AdminAuth)
	internal.HandleFunc("/members", rt.Admin.RegisterMember).Methods(http.MethodPost)
	internal.HandleFunc("/affiliates", rt.Admin.EnrollAffiliate).Methods(http.MethodPost)
	internal.HandleFunc("/scans", rt.Admin.RecordScan).Methods(http.MethodPost)
	internal.HandleFunc("/wallet/credit", rt.Admin.CreditWallet).Methods(http.MethodPost)
	internal.HandleFunc("/pools/inflow", rt.Admin.AllocateInflow).Methods(http.MethodPost)
	internal.HandleFunc("/pools/award", rt.Admin.AwardComp).Methods(http.MethodPost)
	internal.HandleFunc("/pools/{period}", rt.Admin.GetPools).Methods(http.MethodGet)
	internal.HandleFunc("/treasury/snapshots", rt.Admin.GetSnapshots).Methods(http.MethodGet)
	internal.HandleFunc("/payouts/{id}/retry", rt.Admin.RetryPayout).Methods(http.MethodPost)
	internal.HandleFunc("/jobs/{name}/run", rt.Admin.RunJob).Methods(http.MethodPost)

	return r
}
