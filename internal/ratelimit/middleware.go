package ratelimit

import (
	"encoding/json"
	"net/http"

	"github.com/resume-agent/runtime/internal/apierror"
)

// TenantHeader is the header carrying the calling tenant's identity,
// per spec.md §6. Requests without it fall back to DefaultTenant so a
// single-tenant local deployment needs no client changes.
const TenantHeader = "X-Tenant-ID"

// DefaultTenant is used when TenantHeader is absent.
const DefaultTenant = "local-dev"

// TenantFromRequest extracts the tenant identity, defaulting per
// spec.md §6.
func TenantFromRequest(r *http.Request) string {
	if t := r.Header.Get(TenantHeader); t != "" {
		return t
	}
	return DefaultTenant
}

// Middleware wraps next with per-tenant throttling. A denied request gets
// the uniform RATE_LIMITED envelope rather than a bare 429, so clients
// parse it the same way as every other runtime error.
func Middleware(limiter Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		limiter = Noop{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := TenantFromRequest(r)
		ok, err := limiter.Allow(r.Context(), tenant)
		if err != nil {
			// A coordination failure (e.g. Redis unreachable) must not take
			// the whole API down; fail open and let the request through.
			ok = true
		}
		if !ok {
			writeEnvelope(w, apierror.New(apierror.CodeRateLimited, "too many requests for tenant "+tenant))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeEnvelope(w http.ResponseWriter, err error) {
	env := apierror.ToEnvelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierror.Status(err))
	_ = json.NewEncoder(w).Encode(env)
}
