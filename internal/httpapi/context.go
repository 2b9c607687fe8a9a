package httpapi

import (
	"fmt"
	"net/http"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
)

// requestContext is the per-call identity/override bundle extracted from
// headers, per §4.9 and §6.
type requestContext struct {
	UserID        string
	Env           *domain.Environment
	TokenOverride string
}

// extractContext reads x-user-id, x-ctrader-env, and x-ctrader-access-token
// off r.
func extractContext(r *http.Request) (requestContext, error) {
	rc := requestContext{
		UserID:        r.Header.Get("x-user-id"),
		TokenOverride: r.Header.Get("x-ctrader-access-token"),
	}
	if rc.UserID == "" {
		return rc, badRequest("x-user-id header is required")
	}
	if envHeader := r.Header.Get("x-ctrader-env"); envHeader != "" {
		env := domain.Environment(envHeader)
		if !env.Valid() {
			return rc, badRequest(fmt.Sprintf("x-ctrader-env must be %q or %q", domain.EnvDemo, domain.EnvLive))
		}
		rc.Env = &env
	}
	return rc, nil
}

