package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/gateway"
	"github.com/orbital-markets/ctrader-gateway/internal/oauthclient"
	"github.com/orbital-markets/ctrader-gateway/internal/session"
)

// Handlers holds everything the route functions need: the orchestration
// layer for upstream operations, the session store for OAuth-only
// operations that don't touch the upstream channel, and the OAuth client.
type Handlers struct {
	gw       *gateway.Gateway
	oauth    *oauthclient.Client
	sessions *session.Store
	logger   *logrus.Entry
}

// NewHandlers builds a Handlers value. logger defaults to the standard
// logrus logger if nil.
func NewHandlers(gw *gateway.Gateway, oauth *oauthclient.Client, sessions *session.Store, logger *logrus.Entry) *Handlers {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handlers{gw: gw, oauth: oauth, sessions: sessions, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError normalizes err to an HTTPError and writes the §6 error body
// shape ({error, details, requestId}). The triggering request body is
// never included: bodies may carry OAuth codes or access tokens.
func writeError(w http.ResponseWriter, err error) {
	httpErr := classify(err)
	var details interface{}
	if httpErr.Details != "" {
		details = httpErr.Details
	}
	writeJSON(w, httpErr.Status, map[string]interface{}{
		"error":     httpErr.Message,
		"details":   details,
		"requestId": w.Header().Get(requestIDHeader),
	})
}

func (h *Handlers) logError(r *http.Request, err error) {
	httpErr := classify(err)
	entry := h.logger.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": httpErr.Status,
	})
	if httpErr.Status >= 500 {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Warn("request rejected")
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logError(r, err)
	writeError(w, err)
}

// Health reports process liveness; it does not probe the upstream channel
// since a disconnected-but-reconnecting channel is a normal operating
// state, not a failure.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type oauthExchangeRequest struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

// OAuthExchange trades an authorization code for a token pair and stores
// it against userId. userId arrives in the body here (not x-user-id)
// since the caller may not have a session yet.
func (h *Handlers) OAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req oauthExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, badRequest("invalid request body"))
		return
	}
	if req.UserID == "" || req.Code == "" {
		h.fail(w, r, badRequest("userId and code are required"))
		return
	}

	tok, err := h.oauth.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		h.fail(w, r, newHTTPError(http.StatusBadGateway, "token exchange failed", err))
		return
	}

	sess, err := h.sessions.SaveTokens(r.Context(), req.UserID, tok)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type oauthRefreshRequest struct {
	UserID string `json:"userId"`
}

// OAuthRefresh refreshes userId's stored refresh token and persists the
// new pair.
func (h *Handlers) OAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req oauthRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, badRequest("invalid request body"))
		return
	}
	if req.UserID == "" {
		h.fail(w, r, badRequest("userId is required"))
		return
	}

	refreshToken, err := h.sessions.RefreshToken(r.Context(), req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	tok, err := h.oauth.RefreshToken(r.Context(), refreshToken)
	if err != nil {
		h.fail(w, r, newHTTPError(http.StatusBadGateway, "token refresh failed", err))
		return
	}

	sess, err := h.sessions.SaveTokens(r.Context(), req.UserID, tok)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// OAuthLogout clears the caller's session tokens and active account.
// Supplemental route, not in §6's table.
func (h *Handlers) OAuthLogout(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.gw.Logout(r.Context(), rc.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) envOverride(rc requestContext) *domain.Environment {
	return rc.Env
}

// ListAccounts lists the cTrader accounts reachable with the caller's
// access token.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	count, items, err := h.gw.ListAccounts(r.Context(), rc.UserID, h.envOverride(rc), rc.TokenOverride)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": count, "items": items})
}

type authorizeAccountRequest struct {
	AccountID int64               `json:"accountId"`
	Env       *domain.Environment `json:"env,omitempty"`
}

// AuthorizeAccount authorizes an account on the upstream channel and
// persists it as the caller's active account.
func (h *Handlers) AuthorizeAccount(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req authorizeAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, badRequest("invalid request body"))
		return
	}
	if req.AccountID <= 0 {
		h.fail(w, r, badRequest("accountId is required"))
		return
	}

	envOverride := req.Env
	if envOverride == nil {
		envOverride = rc.Env
	}

	sess, res, err := h.gw.AuthorizeAccount(r.Context(), rc.UserID, req.AccountID, envOverride, rc.TokenOverride)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authorized":      true,
		"activeAccountId": sess.ActiveAccountID,
		"response":        res.Decoded,
	})
}

// ListSymbols searches the caller's symbol catalog, refreshing it first if
// empty.
func (h *Handlers) ListSymbols(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := r.URL.Query().Get("q")
	const (
		minLimit     = 1
		maxLimit     = 2000
		defaultLimit = 200
	)
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minLimit || n > maxLimit {
			h.fail(w, r, badRequest(fmt.Sprintf("limit must be an integer between %d and %d", minLimit, maxLimit)))
			return
		}
		limit = n
	}

	accountID, count, results, err := h.gw.ListSymbols(r.Context(), rc.UserID, q, limit, h.envOverride(rc), rc.TokenOverride)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeAccountId": accountID,
		"count":           count,
		"items":           results,
	})
}

// GetQuote returns the last-known or next spot price for a symbol.
func (h *Handlers) GetQuote(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		h.fail(w, r, badRequest("symbol query parameter is required"))
		return
	}
	waitSeconds := 0
	if raw := r.URL.Query().Get("wait"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			waitSeconds = n
		}
	}

	quote, err := h.gw.GetQuote(r.Context(), rc.UserID, symbol, waitSeconds, h.envOverride(rc), rc.TokenOverride)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetAccountInfo returns trader details for the caller's active account.
func (h *Handlers) GetAccountInfo(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	info, err := h.gw.GetAccountInfo(r.Context(), rc.UserID, h.envOverride(rc), rc.TokenOverride)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetCtidProfile returns the ctid profile bound to the caller's access
// token. Supplemental route, not in §6's table.
func (h *Handlers) GetCtidProfile(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	profile, err := h.gw.GetCtidProfile(r.Context(), rc.UserID, h.envOverride(rc), rc.TokenOverride)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type placeTradeRequest struct {
	Symbol      string              `json:"symbol"`
	Side        string              `json:"side"`
	OrderType   string              `json:"orderType"`
	VolumeUnits float64             `json:"volumeUnits"`
	LimitPrice  *float64            `json:"limitPrice,omitempty"`
	StopPrice   *float64            `json:"stopPrice,omitempty"`

	StopLoss           *float64 `json:"stopLoss,omitempty"`
	TakeProfit         *float64 `json:"takeProfit,omitempty"`
	RelativeStopLoss   *float64 `json:"relativeStopLoss,omitempty"`
	RelativeTakeProfit *float64 `json:"relativeTakeProfit,omitempty"`

	Comment *string             `json:"comment,omitempty"`
	Label   *string             `json:"label,omitempty"`
	Env     *domain.Environment `json:"env,omitempty"`
}

// PlaceTrade submits a new order for the caller's active account.
func (h *Handlers) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	rc, err := extractContext(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req placeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, badRequest("invalid request body"))
		return
	}

	envOverride := req.Env
	if envOverride == nil {
		envOverride = rc.Env
	}

	result, err := h.gw.PlaceTrade(r.Context(), rc.UserID, gateway.PlaceTradeRequest{
		Symbol:              req.Symbol,
		Side:                req.Side,
		OrderType:           req.OrderType,
		VolumeUnits:         req.VolumeUnits,
		LimitPrice:          req.LimitPrice,
		StopPrice:           req.StopPrice,
		StopLoss:            req.StopLoss,
		TakeProfit:          req.TakeProfit,
		RelativeStopLoss:    req.RelativeStopLoss,
		RelativeTakeProfit:  req.RelativeTakeProfit,
		Comment:             req.Comment,
		Label:               req.Label,
		Env:                 envOverride,
		AccessTokenOverride: rc.TokenOverride,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":  req,
		"response": result,
	})
}
