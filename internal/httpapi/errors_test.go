package httpapi

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbital-markets/ctrader-gateway/internal/gateway"
	"github.com/orbital-markets/ctrader-gateway/internal/quotebus"
)

func TestClassifyMapsSentinelErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{gateway.ErrNoAccessToken, http.StatusBadRequest},
		{gateway.ErrNoActiveAccount, http.StatusBadRequest},
		{gateway.ErrSymbolNotFound, http.StatusNotFound},
		{gateway.ErrInvalidSide, http.StatusBadRequest},
		{gateway.ErrInvalidVolume, http.StatusBadRequest},
		{gateway.ErrInvalidOrderParams, http.StatusBadRequest},
		{gateway.ErrNoQuoteYet, http.StatusGatewayTimeout},
		{quotebus.ErrTimeout, http.StatusGatewayTimeout},
		{quotebus.ErrWaiterQueueFull, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		got := classify(tc.err)
		require.Equal(t, tc.status, got.Status, tc.err.Error())
	}
}

func TestClassifyWrapsUnknownErrorsAsInternal(t *testing.T) {
	got := classify(errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, got.Status)
}

func TestClassifyPassesThroughExistingHTTPError(t *testing.T) {
	original := badRequest("already classified")
	got := classify(original)
	require.Same(t, original, got)
}
