package protoreg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T) *Registry {
	t.Helper()
	reg, err := Load("testdata", []string{"fixture.proto"})
	require.NoError(t, err)
	return reg
}

func TestPayloadTypeIDAndName(t *testing.T) {
	reg := loadFixture(t)

	id, err := reg.PayloadTypeID("PROTO_OA_NEW_ORDER_REQ")
	require.NoError(t, err)
	require.EqualValues(t, 2106, id)

	name, ok := reg.PayloadTypeName(2101)
	require.True(t, ok)
	require.Equal(t, "PROTO_OA_APPLICATION_AUTH_RES", name)
}

func TestPayloadTypeIDUnknownSuggestsAlternatives(t *testing.T) {
	reg := loadFixture(t)

	_, err := reg.PayloadTypeID("PROTO_OA_NEW_ORDER_RE")
	require.Error(t, err)
	var nf *ErrNotFound
	require.ErrorAs(t, err, &nf)
	require.Contains(t, nf.Suggestions, "PROTO_OA_NEW_ORDER_REQ")
}

func TestMessageTypeFromPayloadName(t *testing.T) {
	require.Equal(t, "ProtoOANewOrderReq", MessageTypeFromPayloadName("PROTO_OA_NEW_ORDER_REQ"))
	require.Equal(t, "ProtoOAApplicationAuthReq", MessageTypeFromPayloadName("PROTO_OA_APPLICATION_AUTH_REQ"))
}

func TestHasField(t *testing.T) {
	reg := loadFixture(t)
	require.True(t, reg.HasField("ProtoOANewOrderReq", "symbolId"))
	require.False(t, reg.HasField("ProtoOANewOrderReq", "nonexistentField"))
}

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	reg := loadFixture(t)

	data, err := reg.EncodeMessage("ProtoOAApplicationAuthReq", map[string]interface{}{
		"clientId":     "abc",
		"clientSecret": "shh",
	})
	require.NoError(t, err)

	decoded, err := reg.DecodeMessage("ProtoOAApplicationAuthReq", data)
	require.NoError(t, err)
	require.Equal(t, "abc", decoded["clientId"])
	require.Equal(t, "shh", decoded["clientSecret"])
}

func TestEncodeMessageCoercesScalarEnum(t *testing.T) {
	reg := loadFixture(t)

	data, err := reg.EncodeMessage("ProtoOANewOrderReq", map[string]interface{}{
		"ctidTraderAccountId": int64(1),
		"symbolId":            int64(100),
		"tradeSide":           "BUY",
		"orderType":           "MARKET",
		"volume":              int64(1000),
	})
	require.NoError(t, err)

	decoded, err := reg.DecodeMessage("ProtoOANewOrderReq", data)
	require.NoError(t, err)
	require.EqualValues(t, 1, decoded["tradeSide"])
	require.EqualValues(t, 1, decoded["orderType"])
}

func TestEncodeMessageCoercesRepeatedEnum(t *testing.T) {
	reg := loadFixture(t)

	data, err := reg.EncodeMessage("ProtoOANewOrderReq", map[string]interface{}{
		"ctidTraderAccountId": int64(1),
		"symbolId":            int64(100),
		"tradeSide":           "SELL",
		"orderType":           "LIMIT",
		"volume":              int64(500),
		"relatedSides":        []interface{}{"BUY", "SELL"},
	})
	require.NoError(t, err)

	decoded, err := reg.DecodeMessage("ProtoOANewOrderReq", data)
	require.NoError(t, err)

	sides, ok := decoded["relatedSides"].([]interface{})
	require.True(t, ok)
	require.Len(t, sides, 2)
	require.EqualValues(t, 1, sides[0])
	require.EqualValues(t, 2, sides[1])
}

func TestEncodeMessageRejectsUnknownEnumValue(t *testing.T) {
	reg := loadFixture(t)

	_, err := reg.EncodeMessage("ProtoOANewOrderReq", map[string]interface{}{
		"tradeSide": "SIDEWAYS",
	})
	require.Error(t, err)
}

func TestWrapperEncodeDecodeRoundTrip(t *testing.T) {
	reg := loadFixture(t)

	payload, err := reg.EncodeMessage("ProtoOAApplicationAuthReq", map[string]interface{}{
		"clientId":     "abc",
		"clientSecret": "shh",
	})
	require.NoError(t, err)

	payloadTypeID, err := reg.PayloadTypeID("PROTO_OA_APPLICATION_AUTH_REQ")
	require.NoError(t, err)

	clientMsgID := "req-1"
	wrapped, err := reg.EncodeProtoMessage(payloadTypeID, payload, &clientMsgID)
	require.NoError(t, err)

	wf, err := reg.DecodeProtoMessage(wrapped)
	require.NoError(t, err)
	require.Equal(t, payloadTypeID, wf.PayloadType)
	require.Equal(t, payload, wf.Payload)
	require.NotNil(t, wf.ClientMsgID)
	require.Equal(t, clientMsgID, *wf.ClientMsgID)
}

func TestWrapperEncodeDecodeWithoutClientMsgID(t *testing.T) {
	reg := loadFixture(t)

	wrapped, err := reg.EncodeProtoMessage(2101, []byte("x"), nil)
	require.NoError(t, err)

	wf, err := reg.DecodeProtoMessage(wrapped)
	require.NoError(t, err)
	require.Nil(t, wf.ClientMsgID)
}

func TestDecodeMessageFlattensNestedRepeatedMessages(t *testing.T) {
	reg := loadFixture(t)

	data, err := reg.EncodeMessage("ProtoOAGetAccountListByAccessTokenRes", map[string]interface{}{
		"ctidTraderAccount": []interface{}{
			map[string]interface{}{"ctidTraderAccountId": int64(1), "isLive": false},
			map[string]interface{}{"ctidTraderAccountId": int64(2), "isLive": true},
		},
	})
	require.NoError(t, err)

	decoded, err := reg.DecodeMessage("ProtoOAGetAccountListByAccessTokenRes", data)
	require.NoError(t, err)

	want := map[string]interface{}{
		"ctidTraderAccount": []interface{}{
			map[string]interface{}{"ctidTraderAccountId": int64(1), "isLive": false},
			map[string]interface{}{"ctidTraderAccountId": int64(2), "isLive": true},
		},
	}
	if diff := cmp.Diff(want, decoded); diff != "" {
		t.Fatalf("decoded nested message mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageTypeLookupUsesAliasTable(t *testing.T) {
	reg := loadFixture(t)
	opts := WithAliases(nil, map[string]string{
		"ProtoOALegacyAuthReq": "ProtoOAApplicationAuthReq",
	})
	reg2, err := Load("testdata", []string{"fixture.proto"}, opts)
	require.NoError(t, err)

	require.True(t, reg2.HasField("ProtoOALegacyAuthReq", "clientId"))
	require.True(t, reg.HasField("ProtoOAApplicationAuthReq", "clientId"))
}
