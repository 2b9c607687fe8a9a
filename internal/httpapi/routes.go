package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// newRouter registers every endpoint in §6's HTTP surface table, plus the
// supplemented /trader/ctid and /oauth/logout routes, modeled on
// routes.Register's shape (r.Use(middleware.Logger) then one
// HandleFunc(...).Methods(...) per route).
func newRouter(h *Handlers, logger *logrus.Entry, internalAPIKey string) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(logger))

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// protected carries internalAuth for every route but /health, which
	// liveness probes must reach unauthenticated.
	protected := r.NewRoute().Subrouter()
	protected.Use(internalAuth(internalAPIKey))

	protected.HandleFunc("/oauth/exchange", h.OAuthExchange).Methods(http.MethodPost)
	protected.HandleFunc("/oauth/refresh", h.OAuthRefresh).Methods(http.MethodPost)
	protected.HandleFunc("/oauth/logout", h.OAuthLogout).Methods(http.MethodPost)

	protected.HandleFunc("/accounts", h.ListAccounts).Methods(http.MethodGet)
	protected.HandleFunc("/auth/account", h.AuthorizeAccount).Methods(http.MethodPost)

	protected.HandleFunc("/symbols", h.ListSymbols).Methods(http.MethodGet)
	protected.HandleFunc("/quote", h.GetQuote).Methods(http.MethodGet)
	protected.HandleFunc("/account", h.GetAccountInfo).Methods(http.MethodGet)
	protected.HandleFunc("/trade", h.PlaceTrade).Methods(http.MethodPost)

	protected.HandleFunc("/trader/ctid", h.GetCtidProfile).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, badRequest("no such route"))
	})

	return r
}
