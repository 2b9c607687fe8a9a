package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Server wraps an http.Server bound to the router built from Handlers.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Entry
}

// NewServer builds a Server listening on addr (e.g. ":8088"). internalAPIKey,
// when non-empty, requires every request except GET /health to carry a
// matching x-internal-key header.
func NewServer(addr string, h *Handlers, logger *logrus.Entry, internalAPIKey string) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	router := newRouter(h, logger, internalAPIKey)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start runs ListenAndServe in a background goroutine and returns at once.
// The returned channel receives the server's error, or nil once it has
// been shut down.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("httpapi: listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
