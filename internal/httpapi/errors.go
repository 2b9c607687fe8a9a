package httpapi

import (
	"errors"
	"net/http"

	"github.com/orbital-markets/ctrader-gateway/internal/gateway"
	"github.com/orbital-markets/ctrader-gateway/internal/quotebus"
	"github.com/orbital-markets/ctrader-gateway/internal/session"
	"github.com/orbital-markets/ctrader-gateway/internal/upstream"
)

// HTTPError is the shape every handler error is normalized to before the
// error middleware writes a response, per §7.
type HTTPError struct {
	Status  int
	Message string
	Details string
	Cause   error
}

func (e *HTTPError) Error() string {
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Cause
}

// newHTTPError wraps err as status/message, preserving err as Cause for
// errors.Is/As chains and logging.
func newHTTPError(status int, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Message: message, Cause: err}
}

func badRequest(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Message: message}
}

// classify maps a gateway/quotebus/session/upstream error to the right
// HTTPError per §7's table, matching sentinel errors with errors.Is/As.
func classify(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	switch {
	case errors.Is(err, gateway.ErrNoAccessToken):
		return newHTTPError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, gateway.ErrNoActiveAccount):
		return newHTTPError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, gateway.ErrSymbolNotFound):
		return newHTTPError(http.StatusNotFound, err.Error(), err)
	case errors.Is(err, gateway.ErrInvalidSide), errors.Is(err, gateway.ErrInvalidVolume), errors.Is(err, gateway.ErrInvalidOrderParams):
		return newHTTPError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, gateway.ErrNoQuoteYet):
		return newHTTPError(http.StatusGatewayTimeout, err.Error(), err)
	case errors.Is(err, quotebus.ErrTimeout):
		return newHTTPError(http.StatusGatewayTimeout, err.Error(), err)
	case errors.Is(err, quotebus.ErrWaiterQueueFull):
		return newHTTPError(http.StatusServiceUnavailable, err.Error(), err)
	case errors.Is(err, session.ErrTokenMissing):
		return newHTTPError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, upstream.ErrShuttingDown), errors.Is(err, upstream.ErrDisconnected):
		return newHTTPError(http.StatusServiceUnavailable, "upstream channel unavailable", err)
	default:
		return newHTTPError(http.StatusInternalServerError, "internal error", err)
	}
}
