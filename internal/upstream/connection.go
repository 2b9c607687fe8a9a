// Package upstream owns the single persistent TLS channel to the cTrader
// OpenAPI endpoint: dialing, framing, request/response correlation,
// readiness, reconnection with backoff, heartbeating, and routing of
// unsolicited spot events into the quote bus. Its shape follows
// broker.go's connection model: one promisedReq/promisedResp-style pending
// map (pending.go), a write mutex serializing socket writes (in place of
// handleReqs' single writer goroutine), and a connect/backoff state machine.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/frame"
	"github.com/orbital-markets/ctrader-gateway/internal/protoreg"
	"github.com/orbital-markets/ctrader-gateway/internal/quotebus"
)

type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReady
)

const (
	payloadApplicationAuthReq = "PROTO_OA_APPLICATION_AUTH_REQ"
	payloadApplicationAuthRes = "PROTO_OA_APPLICATION_AUTH_RES"
	payloadErrorRes           = "PROTO_OA_ERROR_RES"
	payloadAccountAuthRes     = "PROTO_OA_ACCOUNT_AUTH_RES"
	payloadHeartbeatEvent     = "PROTO_HEARTBEAT_EVENT"
	payloadSpotEvent          = "PROTO_OA_SPOT_EVENT"
)

// ErrDisconnected is used to reject every pending request on socket loss,
// env switch, or explicit Stop. The gates are reset on socket loss and
// rejected with ErrShuttingDown on Stop.
var ErrDisconnected = errors.New("upstream: disconnected")

// ErrShuttingDown is returned to callers awaiting readiness during Stop.
var ErrShuttingDown = errors.New("upstream: shutting down")

// Config configures a Connection. Host/port select the cTrader OpenAPI
// wire endpoint per environment; the remaining fields tune the §4.6
// timing constants.
type Config struct {
	DemoHost string
	LiveHost string
	Port     int

	ClientID     string
	ClientSecret string

	DialTimeout       time.Duration
	AppAuthTimeout    time.Duration
	HeartbeatInterval time.Duration

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	Logger *logrus.Entry

	// DialFunc overrides how the socket is established; nil means a real
	// TLS dial to hostFor(env):Port. Tests plug in an in-memory pipe here,
	// mirroring broker.go's cfg.dialFn seam.
	DialFunc func(ctx context.Context, addr, serverName string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AppAuthTimeout == 0 {
		c.AppAuthTimeout = 12 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 9 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 1.8
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

func (c Config) hostFor(env domain.Environment) string {
	if env == domain.EnvLive {
		return c.LiveHost
	}
	return c.DemoHost
}

// SendMeta carries the per-call context Send needs beyond the payload
// itself.
type SendMeta struct {
	Env domain.Environment
}

type spotKey struct {
	AccountID int64
	SymbolID  int64
}

// Connection is the process-wide singleton owning the socket, the pending
// map, the ready gate, the reconnect timer, and the heartbeat timer, per
// §3's ownership rule.
type Connection struct {
	cfg      Config
	registry *protoreg.Registry
	quotes   *quotebus.Bus

	state atomic.Int32

	connMu sync.Mutex
	conn   net.Conn

	currentEnvMu sync.Mutex
	currentEnv   domain.Environment

	connectInFlight atomic.Bool
	shuttingDown    atomic.Bool
	appAuthed       atomic.Bool

	reconnectMu sync.Mutex
	reconnectTimer *time.Timer
	backoff        time.Duration

	connectedGate *gate
	readyGate     *gate

	pending *pendingMap

	writeMu sync.Mutex // serializes socket writes; the single "writer"

	heartbeatMu   sync.Mutex
	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup

	subMu sync.Mutex
	subs  map[spotKey][]domain.QuoteKey

	stopOnce sync.Once
}

// New constructs a Connection. registry must already be loaded (Start does
// not parse schema files itself, unlike the source's start(), since the
// registry is a shared, already-initialized dependency here).
func New(cfg Config, registry *protoreg.Registry, quotes *quotebus.Bus) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		cfg:           cfg,
		registry:      registry,
		quotes:        quotes,
		connectedGate: newGate(),
		readyGate:     newGate(),
		pending:       newPendingMap(),
		backoff:       cfg.InitialBackoff,
		subs:          make(map[spotKey][]domain.QuoteKey),
	}
}

// Start kicks off an initial connection attempt to defaultEnv without
// blocking the caller on readiness.
func (c *Connection) Start(defaultEnv domain.Environment) {
	c.currentEnvMu.Lock()
	c.currentEnv = defaultEnv
	c.currentEnvMu.Unlock()

	go c.connect(defaultEnv)
}

// Stop tears the connection down permanently: it stops the heartbeat,
// clears the reconnect timer, closes the socket, and rejects every
// pending request and the ready gate.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.shuttingDown.Store(true)

		c.reconnectMu.Lock()
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
		}
		c.reconnectMu.Unlock()

		c.stopHeartbeat()
		c.closeConn()

		c.state.Store(int32(stateDisconnected))
		c.pending.drainAll(ErrDisconnected)
		c.connectedGate.reject(ErrShuttingDown)
		c.readyGate.reject(ErrShuttingDown)
	})
}

func (c *Connection) env() domain.Environment {
	c.currentEnvMu.Lock()
	defer c.currentEnvMu.Unlock()
	return c.currentEnv
}

// Quotes exposes the quote bus so callers can read last-known values or
// wait for the next tick after subscribing.
func (c *Connection) Quotes() *quotebus.Bus {
	return c.quotes
}

// EnsureReady waits for the channel to be connected and app-authorized
// against targetEnv, forcing a reconnect first if the channel is
// currently pointed at a different environment.
func (c *Connection) EnsureReady(ctx context.Context, targetEnv domain.Environment) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if targetEnv != c.env() {
		c.forceReconnect(targetEnv)
	}
	return c.readyGate.wait(ctx)
}

// RegisterSpotSubscription records that key's user wants spot updates for
// the account/symbol pair, so a later inbound PROTO_OA_SPOT_EVENT can be
// routed to it. Call this before issuing PROTO_OA_SUBSCRIBE_SPOTS_REQ.
func (c *Connection) RegisterSpotSubscription(key domain.QuoteKey) {
	sk := spotKey{AccountID: key.AccountID, SymbolID: key.SymbolID}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, existing := range c.subs[sk] {
		if existing == key {
			return
		}
	}
	c.subs[sk] = append(c.subs[sk], key)
}

// Send encodes, frames, and writes a request, returning once the
// correlated response arrives, the request times out, or ctx is
// cancelled.
func (c *Connection) Send(ctx context.Context, payloadKey string, obj map[string]interface{}, timeout time.Duration, meta SendMeta) (Result, error) {
	if payloadKey != payloadApplicationAuthReq {
		if err := c.EnsureReady(ctx, meta.Env); err != nil {
			return Result{}, err
		}
	} else if c.connState() < stateConnected {
		if err := c.connectedGate.wait(ctx); err != nil {
			return Result{}, err
		}
	}

	framed, clientMsgID, err := c.buildFrame(payloadKey, obj, true)
	if err != nil {
		return Result{}, err
	}

	resolveCh, rejectCh := c.pending.register(clientMsgID, payloadKey, timeout)

	if err := c.writeFrame(framed); err != nil {
		c.pending.remove(clientMsgID)
		return Result{}, err
	}

	select {
	case r := <-resolveCh:
		return r, nil
	case err := <-rejectCh:
		return Result{}, err
	case <-ctx.Done():
		c.pending.remove(clientMsgID)
		return Result{}, ctx.Err()
	}
}

// sendOneWay frames and writes a payload with no clientMsgId and no
// pending-request registration, for fire-and-forget sends like the
// heartbeat.
func (c *Connection) sendOneWay(payloadKey string, obj map[string]interface{}) error {
	framed, _, err := c.buildFrame(payloadKey, obj, false)
	if err != nil {
		return err
	}
	return c.writeFrame(framed)
}

func (c *Connection) buildFrame(payloadKey string, obj map[string]interface{}, correlated bool) ([]byte, string, error) {
	typeName := protoreg.MessageTypeFromPayloadName(payloadKey)

	var clientMsgID string
	if correlated {
		clientMsgID = c.pending.nextClientMsgID()
		if c.registry.HasField(typeName, "clientMsgId") {
			obj["clientMsgId"] = clientMsgID
		}
	}

	payloadBytes, err := c.registry.EncodeMessage(typeName, obj)
	if err != nil {
		return nil, "", fmt.Errorf("upstream: encode %s: %w", typeName, err)
	}
	payloadTypeID, err := c.registry.PayloadTypeID(payloadKey)
	if err != nil {
		return nil, "", err
	}

	var idPtr *string
	if correlated {
		idPtr = &clientMsgID
	}
	wrapped, err := c.registry.EncodeProtoMessage(payloadTypeID, payloadBytes, idPtr)
	if err != nil {
		return nil, "", fmt.Errorf("upstream: wrap %s: %w", typeName, err)
	}
	return frame.Frame(wrapped), clientMsgID, nil
}

func (c *Connection) writeFrame(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(data)
	return err
}

func (c *Connection) connState() connState {
	return connState(c.state.Load())
}

// connect dials targetEnv, performs AppAuth, and on success marks the
// channel Ready. Only one connect may be in flight; callers that lose the
// CAS race return immediately.
func (c *Connection) connect(targetEnv domain.Environment) {
	if !c.connectInFlight.CompareAndSwap(false, true) {
		return
	}
	defer c.connectInFlight.Store(false)

	if c.shuttingDown.Load() {
		return
	}

	c.state.Store(int32(stateConnecting))
	c.cfg.Logger.WithField("env", targetEnv).Info("upstream: connecting")

	addr := net.JoinHostPort(c.cfg.hostFor(targetEnv), fmt.Sprintf("%d", c.cfg.Port))
	serverName := c.cfg.hostFor(targetEnv)

	dial := c.cfg.DialFunc
	if dial == nil {
		dial = c.defaultDial
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := dial(ctx, addr, serverName)
	cancel()
	if err != nil {
		c.cfg.Logger.WithError(err).Warn("upstream: dial failed")
		c.onDisconnect(err)
		return
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.state.Store(int32(stateConnected))
	c.connectedGate.complete()
	c.resetBackoff()

	go c.readLoop(conn)

	if err := c.appAuth(); err != nil {
		c.cfg.Logger.WithError(err).Error("upstream: app auth failed")
		c.onDisconnect(err)
		return
	}

	c.state.Store(int32(stateReady))
	c.appAuthed.Store(true)
	c.readyGate.complete()
	c.startHeartbeat()
	c.cfg.Logger.WithField("env", targetEnv).Info("upstream: ready")
}

func (c *Connection) defaultDial(ctx context.Context, addr, serverName string) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout},
		Config:    &tls.Config{ServerName: serverName},
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (c *Connection) appAuth() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AppAuthTimeout)
	defer cancel()

	res, err := c.Send(ctx, payloadApplicationAuthReq, map[string]interface{}{
		"clientId":     c.cfg.ClientID,
		"clientSecret": c.cfg.ClientSecret,
	}, c.cfg.AppAuthTimeout, SendMeta{})
	if err != nil {
		return err
	}
	if res.PayloadName == payloadErrorRes {
		return fmt.Errorf("upstream: app auth rejected: %v", res.Decoded)
	}
	if res.Decoded == nil {
		return errors.New("upstream: app auth response decoded to nothing")
	}
	return nil
}

// forceReconnect rejects every pending request, tears the socket down,
// switches currentEnv, and reconnects — the env-switch path of the state
// machine.
func (c *Connection) forceReconnect(targetEnv domain.Environment) {
	c.currentEnvMu.Lock()
	c.currentEnv = targetEnv
	c.currentEnvMu.Unlock()

	c.pending.drainAll(ErrDisconnected)
	c.closeConn()
	c.stopHeartbeat()
	c.appAuthed.Store(false)
	c.state.Store(int32(stateDisconnected))
	c.connectedGate.reset()
	c.readyGate.reset()

	go c.connect(targetEnv)
}

func (c *Connection) onDisconnect(cause error) {
	c.closeConn()
	c.stopHeartbeat()
	c.appAuthed.Store(false)
	c.state.Store(int32(stateDisconnected))
	c.connectedGate.reset()
	c.readyGate.reset()
	c.pending.drainAll(fmt.Errorf("%w: %v", ErrDisconnected, cause))

	if c.shuttingDown.Load() {
		return
	}
	c.scheduleReconnect()
}

func (c *Connection) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Connection) resetBackoff() {
	c.reconnectMu.Lock()
	c.backoff = c.cfg.InitialBackoff
	c.reconnectMu.Unlock()
}

func (c *Connection) scheduleReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	delay := c.backoff
	c.backoff = time.Duration(float64(c.backoff) * c.cfg.BackoffMultiplier)
	if c.backoff > c.cfg.MaxBackoff {
		c.backoff = c.cfg.MaxBackoff
	}

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	targetEnv := c.env()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if c.connectInFlight.Load() {
			// A connect is still running; reschedule rather than pile on.
			c.scheduleReconnect()
			return
		}
		c.connect(targetEnv)
	})
}

// readLoop is the single reader for the socket: it accumulates bytes,
// deframes complete messages, and dispatches each to onFrame.
func (c *Connection) readLoop(conn net.Conn) {
	var tail []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			tail = append(tail, buf[:n]...)
			for {
				frames, rest, deframeErr := frame.Deframe(tail)
				tail = rest
				for _, f := range frames {
					c.onFrame(f)
				}
				if deframeErr == nil {
					break
				}
				// Drop the zero-length frame's 4-byte prefix and keep
				// parsing past it.
				c.cfg.Logger.WithError(deframeErr).Warn("upstream: malformed frame, resyncing")
				tail = tail[4:]
			}
		}
		if err != nil {
			c.connMu.Lock()
			stillCurrent := c.conn == conn
			c.connMu.Unlock()
			if stillCurrent {
				c.onDisconnect(err)
			}
			return
		}
	}
}

func (c *Connection) onFrame(raw []byte) {
	wf, err := c.registry.DecodeProtoMessage(raw)
	if err != nil {
		c.cfg.Logger.WithError(err).Warn("upstream: malformed wrapper frame")
		return
	}

	payloadName, ok := c.registry.PayloadTypeName(wf.PayloadType)
	if !ok {
		c.cfg.Logger.WithField("payloadType", wf.PayloadType).Debug("upstream: unknown payload type, dropping")
		return
	}

	typeName := protoreg.MessageTypeFromPayloadName(payloadName)
	decoded, err := c.registry.DecodeMessage(typeName, wf.Payload)
	if err != nil {
		c.cfg.Logger.WithError(err).WithField("payloadName", payloadName).Warn("upstream: decode failed")
		return
	}

	id := wf.ClientMsgID
	if id == nil {
		if s, ok := decoded["clientMsgId"].(string); ok {
			id = &s
		}
	}

	if id != nil {
		if entry := c.pending.remove(*id); entry != nil {
			entry.resolveWith(Result{PayloadName: payloadName, TypeName: typeName, Decoded: decoded})
			return
		}
	}

	if isSystemFallbackPayload(payloadName) {
		if entry := c.pending.removeOldest(); entry != nil {
			entry.resolveWith(Result{PayloadName: payloadName, TypeName: typeName, Decoded: decoded})
			return
		}
		c.cfg.Logger.WithField("payloadName", payloadName).Warn("upstream: uncorrelated system frame with no pending request")
		return
	}

	c.handleEvent(payloadName, decoded)
}

func isSystemFallbackPayload(payloadName string) bool {
	switch payloadName {
	case payloadApplicationAuthRes, payloadErrorRes, payloadAccountAuthRes:
		return true
	default:
		return false
	}
}

// handleEvent routes unsolicited inbound frames. Only spot events are
// wired into the quote bus per the resolved open question in §9; every
// other event is logged and dropped rather than guessed at.
func (c *Connection) handleEvent(payloadName string, decoded map[string]interface{}) {
	if payloadName != payloadSpotEvent {
		c.cfg.Logger.WithField("payloadName", payloadName).Debug("upstream: unrouted event, dropping")
		return
	}

	accountID, ok := asInt64(decoded["ctidTraderAccountId"])
	if !ok {
		return
	}
	symbolID, ok := asInt64(decoded["symbolId"])
	if !ok {
		return
	}

	sk := spotKey{AccountID: accountID, SymbolID: symbolID}
	c.subMu.Lock()
	subscribers := append([]domain.QuoteKey(nil), c.subs[sk]...)
	c.subMu.Unlock()
	if len(subscribers) == 0 {
		return
	}

	bid, hasBid := asPriceFloat(decoded["bid"])
	ask, hasAsk := asPriceFloat(decoded["ask"])
	var ts *int64
	if v, ok := asInt64(decoded["timestamp"]); ok {
		ts = &v
	}

	env := c.env()
	for _, key := range subscribers {
		q := domain.Quote{UserID: key.UserID, Env: env, AccountID: accountID, SymbolID: symbolID, Timestamp: ts}
		if hasBid {
			q.Bid = &bid
		}
		if hasAsk {
			q.Ask = &ask
		}
		c.quotes.Upsert(q)
	}
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
	default:
		return 0, false
	}
}

// asPriceFloat converts the upstream's fixed-point relative price
// encoding (an integer in hundred-thousandths) to a float. cTrader spot
// prices arrive as scaled int64s; dividing by 1e5 matches the venue's
// documented relative-price scale.
func asPriceFloat(v interface{}) (float64, bool) {
	n, ok := asInt64(v)
	if !ok {
		return 0, false
	}
	return float64(n) / 100000.0, true
}

// gate is a resettable one-shot completion signal, matching §3's
// ConnectionState.readyGate: callers can wait on it, it completes once per
// connect attempt, and it is reset at the start of the next attempt.
type gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	err  error
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	err := g.err
	g.mu.Unlock()

	select {
	case <-ch:
		g.mu.Lock()
		err = g.err
		g.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already completed/rejected this round
	default:
		g.err = nil
		close(g.ch)
	}
}

func (g *gate) reject(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		g.err = err
		close(g.ch)
	}
}

func (g *gate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ch = make(chan struct{})
	g.err = nil
}
