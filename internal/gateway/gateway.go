// Package gateway orchestrates resolution (env/account/token/symbol) and
// upstream calls per §4.8. It owns no upstream state itself: it holds
// references to the single connection, both stores, and a logger, and
// reaches the quote bus through the connection's Quotes().
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/session"
	"github.com/orbital-markets/ctrader-gateway/internal/symbols"
	"github.com/orbital-markets/ctrader-gateway/internal/upstream"
)

// Errors returned by gateway operations; httpapi maps these to status
// codes per §7.
var (
	ErrNoActiveAccount    = errors.New("gateway: no active account; authorize one first")
	ErrNoAccessToken      = errors.New("gateway: no access token on file; exchange or refresh first")
	ErrSymbolNotFound     = errors.New("gateway: symbol not found")
	ErrInvalidSide        = errors.New("gateway: side must be BUY or SELL")
	ErrInvalidVolume      = errors.New("gateway: volume must be positive")
	ErrInvalidOrderParams = errors.New("gateway: invalid order parameters")
	ErrNoQuoteYet         = errors.New("gateway: no quote received yet")
)

const (
	payloadAccountAuthReq  = "PROTO_OA_ACCOUNT_AUTH_REQ"
	payloadAccountListReq  = "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ"
	payloadSubscribeSpots  = "PROTO_OA_SUBSCRIBE_SPOTS_REQ"
	payloadTraderReq       = "PROTO_OA_TRADER_REQ"
	payloadNewOrderReq     = "PROTO_OA_NEW_ORDER_REQ"
	payloadSymbolsListReq  = "PROTO_OA_SYMBOLS_LIST_REQ"
	payloadErrorRes        = "PROTO_OA_ERROR_RES"
	payloadCtidProfileReq  = "PROTO_OA_GET_CTID_PROFILE_BY_TOKEN_REQ"

	defaultSendTimeout  = 10 * time.Second
	placeTradeTimeout   = 15 * time.Second
	accountAuthTimeout  = 10 * time.Second
)

// OrderType and TradeSide mirror the upstream enum names callers pass in.
const (
	OrderTypeMarket     = "MARKET"
	OrderTypeLimit      = "LIMIT"
	OrderTypeStop       = "STOP"
	OrderTypeStopLimit  = "STOP_LIMIT"

	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Gateway ties the upstream connection (and, through it, the quote bus)
// and the symbol/session stores together into the public operations §4.8
// names.
type Gateway struct {
	conn     *upstream.Connection
	sessions *session.Store
	symbolsS *symbols.Store
	logger   *logrus.Entry
}

// New constructs a Gateway. logger defaults to the standard logrus logger
// if nil.
func New(conn *upstream.Connection, sessions *session.Store, symbolsS *symbols.Store, logger *logrus.Entry) *Gateway {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{conn: conn, sessions: sessions, symbolsS: symbolsS, logger: logger}
}

// resolveEnv returns override if set, else the session's stored env, else
// demo.
func (g *Gateway) resolveEnv(ctx context.Context, userID string, override *domain.Environment) (domain.Environment, error) {
	if override != nil && override.Valid() {
		return *override, nil
	}
	sess, err := g.sessions.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.Env != nil {
		return *sess.Env, nil
	}
	return domain.EnvDemo, nil
}

// resolveAccessToken returns override if the caller supplied one via
// x-ctrader-access-token, else decrypts and returns the session's stored
// access token.
func (g *Gateway) resolveAccessToken(ctx context.Context, userID, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	token, err := g.sessions.AccessToken(ctx, userID)
	if errors.Is(err, session.ErrTokenMissing) {
		return "", ErrNoAccessToken
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// resolveAccountID returns override if positive, else the session's active
// account, else ErrNoActiveAccount.
func (g *Gateway) resolveAccountID(ctx context.Context, userID string, override *int64) (int64, error) {
	if override != nil && *override > 0 {
		return *override, nil
	}
	sess, err := g.sessions.Load(ctx, userID)
	if err != nil {
		return 0, err
	}
	if sess.ActiveAccountID != nil && *sess.ActiveAccountID > 0 {
		return *sess.ActiveAccountID, nil
	}
	return 0, ErrNoActiveAccount
}

// ensureAccountAuthorized authorizes accountID on the channel. The
// upstream tolerates re-authorizing an already-authorized account on the
// same connection, so an error whose description contains "already
// authorized" (case-insensitive) is treated as success.
func (g *Gateway) ensureAccountAuthorized(ctx context.Context, env domain.Environment, accountID int64, accessToken string) error {
	res, err := g.conn.Send(ctx, payloadAccountAuthReq, map[string]interface{}{
		"ctidTraderAccountId": accountID,
		"accessToken":         accessToken,
	}, accountAuthTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return err
	}
	if res.PayloadName == payloadErrorRes {
		desc := describeError(res.Decoded)
		if strings.Contains(strings.ToLower(desc), "already authorized") {
			g.logger.WithField("accountId", accountID).Debug("gateway: account already authorized on channel")
			return nil
		}
		return fmt.Errorf("gateway: account auth failed: %s", desc)
	}
	return nil
}

func describeError(decoded map[string]interface{}) string {
	if decoded == nil {
		return "unknown error"
	}
	if s, ok := decoded["description"].(string); ok && s != "" {
		return s
	}
	if s, ok := decoded["errorCode"].(string); ok && s != "" {
		return s
	}
	return "unknown error"
}

// AccountSummary is one row of listAccounts' items.
type AccountSummary struct {
	AccountID int64                  `json:"accountId"`
	Raw       map[string]interface{} `json:"raw"`
}

// ListAccounts returns the cTrader accounts reachable with userID's access
// token.
func (g *Gateway) ListAccounts(ctx context.Context, userID string, envOverride *domain.Environment, accessTokenOverride string) (int, []AccountSummary, error) {
	env, err := g.resolveEnv(ctx, userID, envOverride)
	if err != nil {
		return 0, nil, err
	}
	accessToken, err := g.resolveAccessToken(ctx, userID, accessTokenOverride)
	if err != nil {
		return 0, nil, err
	}

	res, err := g.conn.Send(ctx, payloadAccountListReq, map[string]interface{}{
		"accessToken": accessToken,
	}, defaultSendTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return 0, nil, err
	}
	if res.PayloadName == payloadErrorRes {
		return 0, nil, fmt.Errorf("gateway: list accounts failed: %s", describeError(res.Decoded))
	}

	items := decodeAccountList(res.Decoded)
	return len(items), items, nil
}

func decodeAccountList(decoded map[string]interface{}) []AccountSummary {
	raw, ok := decoded["ctidTraderAccount"].([]interface{})
	if !ok {
		return nil
	}
	items := make([]AccountSummary, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := asInt64(m["ctidTraderAccountId"])
		items = append(items, AccountSummary{AccountID: id, Raw: m})
	}
	return items
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AuthorizeAccount authorizes accountID and persists it as the user's
// active account along with the resolved environment.
func (g *Gateway) AuthorizeAccount(ctx context.Context, userID string, accountID int64, envOverride *domain.Environment, accessTokenOverride string) (domain.Session, upstream.Result, error) {
	env, err := g.resolveEnv(ctx, userID, envOverride)
	if err != nil {
		return domain.Session{}, upstream.Result{}, err
	}
	accessToken, err := g.resolveAccessToken(ctx, userID, accessTokenOverride)
	if err != nil {
		return domain.Session{}, upstream.Result{}, err
	}

	res, err := g.conn.Send(ctx, payloadAccountAuthReq, map[string]interface{}{
		"ctidTraderAccountId": accountID,
		"accessToken":         accessToken,
	}, accountAuthTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return domain.Session{}, upstream.Result{}, err
	}
	if res.PayloadName == payloadErrorRes && !strings.Contains(strings.ToLower(describeError(res.Decoded)), "already authorized") {
		return domain.Session{}, upstream.Result{}, fmt.Errorf("gateway: authorize account failed: %s", describeError(res.Decoded))
	}

	sess, err := g.sessions.PatchSession(ctx, userID, session.Patch{ActiveAccountID: &accountID, Env: &env}, 0)
	if err != nil {
		return domain.Session{}, upstream.Result{}, err
	}
	return sess, res, nil
}

// ListSymbols ensures the user's symbol catalog is populated (refreshing
// it on first use) then searches it.
func (g *Gateway) ListSymbols(ctx context.Context, userID, q string, limit int, envOverride *domain.Environment, accessTokenOverride string) (int64, int, []domain.SymbolEntry, error) {
	env, err := g.resolveEnv(ctx, userID, envOverride)
	if err != nil {
		return 0, 0, nil, err
	}
	accountID, err := g.resolveAccountID(ctx, userID, nil)
	if err != nil {
		return 0, 0, nil, err
	}
	accessToken, err := g.resolveAccessToken(ctx, userID, accessTokenOverride)
	if err != nil {
		return 0, 0, nil, err
	}
	if err := g.ensureAccountAuthorized(ctx, env, accountID, accessToken); err != nil {
		return 0, 0, nil, err
	}

	count, err := g.symbolsS.Count(ctx, userID, env, accountID)
	if err != nil {
		return 0, 0, nil, err
	}
	if count == 0 {
		if err := g.refreshSymbols(ctx, userID, env, accountID); err != nil {
			return 0, 0, nil, err
		}
	}

	results, err := g.symbolsS.Search(ctx, userID, env, accountID, q, limit)
	if err != nil {
		return 0, 0, nil, err
	}
	return accountID, len(results), results, nil
}

// GetQuote subscribes to spot updates for symbol and returns either the
// last-known value (waitSeconds <= 0) or blocks for the next tick.
func (g *Gateway) GetQuote(ctx context.Context, userID, symbolName string, waitSeconds int, envOverride *domain.Environment, accessTokenOverride string) (domain.Quote, error) {
	env, err := g.resolveEnv(ctx, userID, envOverride)
	if err != nil {
		return domain.Quote{}, err
	}
	accountID, err := g.resolveAccountID(ctx, userID, nil)
	if err != nil {
		return domain.Quote{}, err
	}
	accessToken, err := g.resolveAccessToken(ctx, userID, accessTokenOverride)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := g.ensureAccountAuthorized(ctx, env, accountID, accessToken); err != nil {
		return domain.Quote{}, err
	}

	symbolID, err := g.ensureSymbolID(ctx, userID, env, accountID, symbolName)
	if err != nil {
		return domain.Quote{}, err
	}

	key := domain.QuoteKey{UserID: userID, Env: env, AccountID: accountID, SymbolID: symbolID}
	g.conn.RegisterSpotSubscription(key)

	_, err = g.conn.Send(ctx, payloadSubscribeSpots, map[string]interface{}{
		"ctidTraderAccountId":        accountID,
		"symbolId":                   []interface{}{symbolID},
		"subscribeToSpotTimestamp":   true,
	}, defaultSendTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return domain.Quote{}, err
	}

	if waitSeconds <= 0 {
		if q, ok := g.conn.Quotes().GetLast(key); ok {
			return q, nil
		}
		return domain.Quote{}, ErrNoQuoteYet
	}

	q, err := g.conn.Quotes().WaitForNext(key, time.Duration(waitSeconds)*time.Second)
	if err != nil {
		return domain.Quote{}, err
	}
	return q, nil
}

// GetAccountInfo fetches trader details for the user's active account.
func (g *Gateway) GetAccountInfo(ctx context.Context, userID string, envOverride *domain.Environment, accessTokenOverride string) (map[string]interface{}, error) {
	env, err := g.resolveEnv(ctx, userID, envOverride)
	if err != nil {
		return nil, err
	}
	accountID, err := g.resolveAccountID(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	accessToken, err := g.resolveAccessToken(ctx, userID, accessTokenOverride)
	if err != nil {
		return nil, err
	}
	if err := g.ensureAccountAuthorized(ctx, env, accountID, accessToken); err != nil {
		return nil, err
	}

	res, err := g.conn.Send(ctx, payloadTraderReq, map[string]interface{}{
		"ctidTraderAccountId": accountID,
	}, defaultSendTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return nil, err
	}
	if res.PayloadName == payloadErrorRes {
		return nil, fmt.Errorf("gateway: account info failed: %s", describeError(res.Decoded))
	}
	return res.Decoded, nil
}

// PlaceTradeRequest is the caller-supplied trade order.
type PlaceTradeRequest struct {
	Symbol      string
	Side        string
	OrderType   string
	VolumeUnits float64
	LimitPrice  *float64
	StopPrice   *float64

	// StopLoss/TakeProfit are absolute prices; RelativeStopLoss/
	// RelativeTakeProfit are distances. MARKET orders forbid the former
	// and permit only the latter per §4.8.
	StopLoss           *float64
	TakeProfit         *float64
	RelativeStopLoss   *float64
	RelativeTakeProfit *float64

	Comment *string
	Label   *string
	Env     *domain.Environment

	// AccessTokenOverride, when non-empty, is used instead of the
	// session's stored access token (x-ctrader-access-token).
	AccessTokenOverride string
}

// PlaceTrade validates req per §4.8 and submits a new order.
func (g *Gateway) PlaceTrade(ctx context.Context, userID string, req PlaceTradeRequest) (map[string]interface{}, error) {
	env, err := g.resolveEnv(ctx, userID, req.Env)
	if err != nil {
		return nil, err
	}
	accountID, err := g.resolveAccountID(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	accessToken, err := g.resolveAccessToken(ctx, userID, req.AccessTokenOverride)
	if err != nil {
		return nil, err
	}
	if err := g.ensureAccountAuthorized(ctx, env, accountID, accessToken); err != nil {
		return nil, err
	}

	symbolID, err := g.ensureSymbolID(ctx, userID, env, accountID, req.Symbol)
	if err != nil {
		return nil, err
	}

	side := strings.ToUpper(req.Side)
	if side != SideBuy && side != SideSell {
		return nil, ErrInvalidSide
	}

	volume := int64(math.Round(req.VolumeUnits * 100))
	if volume <= 0 {
		return nil, ErrInvalidVolume
	}

	switch req.OrderType {
	case OrderTypeLimit:
		if req.LimitPrice == nil {
			return nil, fmt.Errorf("%w: %s order requires limitPrice", ErrInvalidOrderParams, OrderTypeLimit)
		}
	case OrderTypeStop, OrderTypeStopLimit:
		if req.StopPrice == nil {
			return nil, fmt.Errorf("%w: %s order requires stopPrice", ErrInvalidOrderParams, req.OrderType)
		}
	case OrderTypeMarket:
		// Market orders may only carry relative (distance) stop/take
		// profit, never absolute prices.
		if req.StopLoss != nil || req.TakeProfit != nil {
			return nil, fmt.Errorf("%w: %s order forbids absolute stopLoss/takeProfit", ErrInvalidOrderParams, OrderTypeMarket)
		}
	default:
		return nil, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrderParams, req.OrderType)
	}

	obj := map[string]interface{}{
		"ctidTraderAccountId": accountID,
		"symbolId":            symbolID,
		"orderType":           req.OrderType,
		"tradeSide":           side,
		"volume":              volume,
	}
	if req.LimitPrice != nil {
		obj["limitPrice"] = *req.LimitPrice
	}
	if req.StopPrice != nil {
		obj["stopPrice"] = *req.StopPrice
	}
	if req.StopLoss != nil {
		obj["stopLoss"] = *req.StopLoss
	}
	if req.TakeProfit != nil {
		obj["takeProfit"] = *req.TakeProfit
	}
	if req.RelativeStopLoss != nil {
		obj["relativeStopLoss"] = *req.RelativeStopLoss
	}
	if req.RelativeTakeProfit != nil {
		obj["relativeTakeProfit"] = *req.RelativeTakeProfit
	}
	if req.Comment != nil {
		obj["comment"] = *req.Comment
	}
	if req.Label != nil {
		obj["label"] = *req.Label
	}

	res, err := g.conn.Send(ctx, payloadNewOrderReq, obj, placeTradeTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return nil, err
	}
	if res.PayloadName == payloadErrorRes {
		desc := describeError(res.Decoded)
		g.logger.WithFields(logrus.Fields{"accountId": accountID, "symbolId": symbolID}).Warn("gateway: order rejected: " + desc)
		return nil, fmt.Errorf("gateway: place trade failed: %s", desc)
	}
	return res.Decoded, nil
}

// refreshSymbols pulls the full symbol list for accountID and replaces the
// local catalog in full via ReplaceAll.
func (g *Gateway) refreshSymbols(ctx context.Context, userID string, env domain.Environment, accountID int64) error {
	res, err := g.conn.Send(ctx, payloadSymbolsListReq, map[string]interface{}{
		"ctidTraderAccountId":   accountID,
		"includeArchivedSymbols": false,
	}, defaultSendTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return err
	}
	if res.PayloadName == payloadErrorRes {
		return fmt.Errorf("gateway: refresh symbols failed: %s", describeError(res.Decoded))
	}

	raw, _ := res.Decoded["symbol"].([]interface{})
	catalog := make(map[string]int64, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["symbolName"].(string)
		id, ok := asInt64(m["symbolId"])
		if name == "" || !ok || id <= 0 {
			continue
		}
		catalog[strings.ToUpper(name)] = id
	}
	return g.symbolsS.ReplaceAll(ctx, userID, env, accountID, catalog)
}

// ensureSymbolID looks up symbolName, refreshing the catalog once on a
// miss before giving up.
func (g *Gateway) ensureSymbolID(ctx context.Context, userID string, env domain.Environment, accountID int64, symbolName string) (int64, error) {
	id, ok, err := g.symbolsS.GetSymbolID(ctx, userID, env, accountID, symbolName)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	if err := g.refreshSymbols(ctx, userID, env, accountID); err != nil {
		return 0, err
	}

	id, ok, err = g.symbolsS.GetSymbolID(ctx, userID, env, accountID, symbolName)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrSymbolNotFound
	}
	return id, nil
}

// GetCtidProfile resolves the ctid profile bound to userID's access token.
// Supplemental operation (not in the distilled spec's §4.8), wrapping
// PROTO_OA_GET_CTID_PROFILE_BY_TOKEN_REQ for callers that need to display
// the trader's profile without an account context.
func (g *Gateway) GetCtidProfile(ctx context.Context, userID string, envOverride *domain.Environment, accessTokenOverride string) (map[string]interface{}, error) {
	env, err := g.resolveEnv(ctx, userID, envOverride)
	if err != nil {
		return nil, err
	}
	accessToken, err := g.resolveAccessToken(ctx, userID, accessTokenOverride)
	if err != nil {
		return nil, err
	}

	res, err := g.conn.Send(ctx, payloadCtidProfileReq, map[string]interface{}{
		"accessToken": accessToken,
	}, defaultSendTimeout, upstream.SendMeta{Env: env})
	if err != nil {
		return nil, err
	}
	if res.PayloadName == payloadErrorRes {
		return nil, fmt.Errorf("gateway: ctid profile failed: %s", describeError(res.Decoded))
	}
	return res.Decoded, nil
}

// Logout clears the user's stored tokens and active account.
func (g *Gateway) Logout(ctx context.Context, userID string) (domain.Session, error) {
	return g.sessions.Logout(ctx, userID)
}
