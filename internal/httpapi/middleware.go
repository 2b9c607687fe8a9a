package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "x-request-id"
const internalKeyHeader = "x-internal-key"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestLogger follows middleware.Logger's shape (wrap ServeHTTP, log
// method/path/duration via logrus) generalized to stamp every request
// with an id and to never log bodies, which may carry OAuth codes or
// access tokens.
func requestLogger(logger *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"requestId": requestID,
				"method":    r.Method,
				"path":      r.URL.Path,
				"status":    rec.status,
				"duration":  time.Since(start).String(),
				"userId":    r.Header.Get("x-user-id"),
				"env":       r.Header.Get("x-ctrader-env"),
			}).Info("http request")
		})
	}
}

// internalAuth rejects requests whose x-internal-key header doesn't match
// key. A blank key (INTERNAL_API_KEY unset) disables the check entirely.
func internalAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(internalKeyHeader) != key {
				writeError(w, newHTTPError(http.StatusUnauthorized, "internal key mismatch", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
