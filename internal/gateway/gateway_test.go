package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/frame"
	"github.com/orbital-markets/ctrader-gateway/internal/kv"
	"github.com/orbital-markets/ctrader-gateway/internal/protoreg"
	"github.com/orbital-markets/ctrader-gateway/internal/quotebus"
	"github.com/orbital-markets/ctrader-gateway/internal/session"
	"github.com/orbital-markets/ctrader-gateway/internal/symbols"
	"github.com/orbital-markets/ctrader-gateway/internal/tokencrypto"
	"github.com/orbital-markets/ctrader-gateway/internal/upstream"
)

func testRegistry(t *testing.T) *protoreg.Registry {
	t.Helper()
	reg, err := protoreg.Load("testdata", []string{"fixture.proto"})
	require.NoError(t, err)
	return reg
}

// fakeUpstream answers the handful of request types the gateway's
// operations need, so gateway logic can be exercised end to end without a
// real cTrader endpoint.
func fakeUpstream(t *testing.T, conn net.Conn, reg *protoreg.Registry) {
	t.Helper()
	go func() {
		var tail []byte
		buf := make([]byte, 8192)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				tail = append(tail, buf[:n]...)
				var frames [][]byte
				frames, tail, _ = frame.Deframe(tail)
				for _, f := range frames {
					handleFakeFrame(conn, reg, f)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

func handleFakeFrame(conn net.Conn, reg *protoreg.Registry, raw []byte) {
	wf, err := reg.DecodeProtoMessage(raw)
	if err != nil {
		return
	}
	name, ok := reg.PayloadTypeName(wf.PayloadType)
	if !ok {
		return
	}

	switch name {
	case "PROTO_OA_APPLICATION_AUTH_REQ":
		respond(conn, reg, "PROTO_OA_APPLICATION_AUTH_RES", "ProtoOAApplicationAuthRes", nil, wf.ClientMsgID)
	case "PROTO_OA_ACCOUNT_AUTH_REQ":
		decoded, _ := reg.DecodeMessage("ProtoOAAccountAuthReq", wf.Payload)
		respond(conn, reg, "PROTO_OA_ACCOUNT_AUTH_RES", "ProtoOAAccountAuthRes", map[string]interface{}{
			"ctidTraderAccountId": decoded["ctidTraderAccountId"],
		}, wf.ClientMsgID)
	case "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ":
		respond(conn, reg, "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_RES", "ProtoOAGetAccountListByAccessTokenRes", map[string]interface{}{
			"ctidTraderAccount": []interface{}{
				map[string]interface{}{"ctidTraderAccountId": int64(1), "isLive": false},
				map[string]interface{}{"ctidTraderAccountId": int64(2), "isLive": false},
			},
		}, wf.ClientMsgID)
	case "PROTO_OA_SYMBOLS_LIST_REQ":
		respond(conn, reg, "PROTO_OA_SYMBOLS_LIST_RES", "ProtoOASymbolsListRes", map[string]interface{}{
			"symbol": []interface{}{
				map[string]interface{}{"symbolId": int64(1), "symbolName": "EURUSD"},
				map[string]interface{}{"symbolId": int64(2), "symbolName": "EURGBP"},
			},
		}, wf.ClientMsgID)
	case "PROTO_OA_SUBSCRIBE_SPOTS_REQ":
		respond(conn, reg, "PROTO_OA_SUBSCRIBE_SPOTS_RES", "ProtoOASubscribeSpotsRes", nil, wf.ClientMsgID)
	case "PROTO_OA_TRADER_REQ":
		decoded, _ := reg.DecodeMessage("ProtoOATraderReq", wf.Payload)
		respond(conn, reg, "PROTO_OA_TRADER_RES", "ProtoOATraderRes", map[string]interface{}{
			"ctidTraderAccountId": decoded["ctidTraderAccountId"],
			"balance":             int64(100000),
		}, wf.ClientMsgID)
	case "PROTO_OA_NEW_ORDER_REQ":
		decoded, _ := reg.DecodeMessage("ProtoOANewOrderReq", wf.Payload)
		respond(conn, reg, "PROTO_OA_EXECUTION_EVENT", "ProtoOAExecutionEvent", map[string]interface{}{
			"ctidTraderAccountId": decoded["ctidTraderAccountId"],
		}, wf.ClientMsgID)
	}
}

func respond(conn net.Conn, reg *protoreg.Registry, payloadName, typeName string, fields map[string]interface{}, clientMsgID *string) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	payload, err := reg.EncodeMessage(typeName, fields)
	if err != nil {
		return
	}
	id, err := reg.PayloadTypeID(payloadName)
	if err != nil {
		return
	}
	wrapped, err := reg.EncodeProtoMessage(id, payload, clientMsgID)
	if err != nil {
		return
	}
	_, _ = conn.Write(frame.Frame(wrapped))
}

type testHarness struct {
	gw       *Gateway
	sessions *session.Store
	symbolsS *symbols.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	reg := testRegistry(t)
	bus := quotebus.New()

	dial := func(ctx context.Context, addr, serverName string) (net.Conn, error) {
		client, server := net.Pipe()
		fakeUpstream(t, server, reg)
		return client, nil
	}

	logger := logrus.NewEntry(logrus.New())
	conn := upstream.New(upstream.Config{
		DemoHost:          "demo.example.test",
		Port:              5035,
		ClientID:          "client-1",
		ClientSecret:      "secret",
		AppAuthTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		Logger:            logger,
		DialFunc:          dial,
	}, reg, bus)
	conn.Start(domain.EnvDemo)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.EnsureReady(ctx, domain.EnvDemo))

	box, err := tokencrypto.New([]byte("01234567890123456789012345678901"))
	require.NoError(t, err)
	mem := kv.NewMemoryStore()
	sessions := session.New(mem, box)
	symbolsS := symbols.New(mem, time.Hour)

	gw := New(conn, sessions, symbolsS, logger)

	t.Cleanup(conn.Stop)

	return &testHarness{gw: gw, sessions: sessions, symbolsS: symbolsS}
}

func seedSession(t *testing.T, h *testHarness, userID string, accountID int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.sessions.SaveTokens(ctx, userID, domain.TokenPair{AccessToken: "access-1", ExpiresIn: 3600})
	require.NoError(t, err)
	_, err = h.sessions.SetActiveAccountID(ctx, userID, accountID)
	require.NoError(t, err)
	env := domain.EnvDemo
	_, err = h.sessions.SetEnv(ctx, userID, env)
	require.NoError(t, err)
}

func TestListAccounts(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)

	count, items, err := h.gw.ListAccounts(context.Background(), "u1", nil, "")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Len(t, items, 2)
}

func TestListAccountsFailsWithoutAccessToken(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.gw.ListAccounts(context.Background(), "nobody", nil, "")
	require.ErrorIs(t, err, ErrNoAccessToken)
}

func TestListSymbolsRefreshesWhenEmpty(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)

	accountID, count, results, err := h.gw.ListSymbols(context.Background(), "u1", "EUR", 10, nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), accountID)
	require.Equal(t, 2, count)
	require.Len(t, results, 2)
}

func TestGetAccountInfo(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)

	info, err := h.gw.GetAccountInfo(context.Background(), "u1", nil, "")
	require.NoError(t, err)
	require.EqualValues(t, 100000, info["balance"])
}

func TestPlaceTradeRejectsInvalidSide(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)
	h.symbolsS.ReplaceAll(context.Background(), "u1", domain.EnvDemo, 1, map[string]int64{"EURUSD": 1})

	_, err := h.gw.PlaceTrade(context.Background(), "u1", PlaceTradeRequest{
		Symbol: "EURUSD", Side: "SIDEWAYS", OrderType: OrderTypeMarket, VolumeUnits: 1000,
	})
	require.ErrorIs(t, err, ErrInvalidSide)
}

func TestPlaceTradeRejectsZeroVolume(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)
	h.symbolsS.ReplaceAll(context.Background(), "u1", domain.EnvDemo, 1, map[string]int64{"EURUSD": 1})

	_, err := h.gw.PlaceTrade(context.Background(), "u1", PlaceTradeRequest{
		Symbol: "EURUSD", Side: SideBuy, OrderType: OrderTypeMarket, VolumeUnits: 0,
	})
	require.ErrorIs(t, err, ErrInvalidVolume)
}

func TestPlaceTradeMarketForbidsAbsoluteStopLoss(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)
	h.symbolsS.ReplaceAll(context.Background(), "u1", domain.EnvDemo, 1, map[string]int64{"EURUSD": 1})

	price := 1.0
	_, err := h.gw.PlaceTrade(context.Background(), "u1", PlaceTradeRequest{
		Symbol: "EURUSD", Side: SideBuy, OrderType: OrderTypeMarket, VolumeUnits: 1000, StopLoss: &price,
	})
	require.Error(t, err)
}

func TestPlaceTradeMarketAllowsRelativeStopLoss(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)
	h.symbolsS.ReplaceAll(context.Background(), "u1", domain.EnvDemo, 1, map[string]int64{"EURUSD": 1})

	distance := 50.0
	_, err := h.gw.PlaceTrade(context.Background(), "u1", PlaceTradeRequest{
		Symbol: "EURUSD", Side: SideBuy, OrderType: OrderTypeMarket, VolumeUnits: 1000, RelativeStopLoss: &distance,
	})
	require.NoError(t, err)
}

func TestPlaceTradeLowercaseSideAccepted(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)
	h.symbolsS.ReplaceAll(context.Background(), "u1", domain.EnvDemo, 1, map[string]int64{"EURUSD": 1})

	_, err := h.gw.PlaceTrade(context.Background(), "u1", PlaceTradeRequest{
		Symbol: "EURUSD", Side: "buy", OrderType: OrderTypeMarket, VolumeUnits: 1000,
	})
	require.NoError(t, err)
}

func TestPlaceTradeLimitRequiresLimitPrice(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)
	h.symbolsS.ReplaceAll(context.Background(), "u1", domain.EnvDemo, 1, map[string]int64{"EURUSD": 1})

	_, err := h.gw.PlaceTrade(context.Background(), "u1", PlaceTradeRequest{
		Symbol: "EURUSD", Side: SideBuy, OrderType: OrderTypeLimit, VolumeUnits: 1000,
	})
	require.Error(t, err)
}

func TestPlaceTradeSucceeds(t *testing.T) {
	h := newHarness(t)
	seedSession(t, h, "u1", 1)
	h.symbolsS.ReplaceAll(context.Background(), "u1", domain.EnvDemo, 1, map[string]int64{"EURUSD": 1})

	res, err := h.gw.PlaceTrade(context.Background(), "u1", PlaceTradeRequest{
		Symbol: "EURUSD", Side: SideBuy, OrderType: OrderTypeMarket, VolumeUnits: 1000,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res["ctidTraderAccountId"])
}
