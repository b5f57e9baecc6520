package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/ratelimit"
)

func TestLocal_AllowsWithinBurst(t *testing.T) {
	lim := ratelimit.NewLocal(1, 2)
	ctx := context.Background()

	ok, err := lim.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lim.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lim.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, ok, "third request within the same instant should exceed burst")
}

func TestLocal_TracksTenantsIndependently(t *testing.T) {
	lim := ratelimit.NewLocal(1, 1)
	ctx := context.Background()

	ok, err := lim.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lim.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = lim.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	require.True(t, ok, "a separate tenant must have its own bucket")
}

func TestLocal_ZeroRateDisablesLimiting(t *testing.T) {
	lim := ratelimit.NewLocal(0, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := lim.Allow(ctx, "tenant-a")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func TestMiddleware_DeniedRequestGetsRateLimitedEnvelope(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run when the limiter denies the request")
	})

	handler := ratelimit.Middleware(denyingLimiter{}, next)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set(ratelimit.TenantHeader, "tenant-a")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), string(apierror.CodeRateLimited))
}

func TestMiddleware_AllowedRequestReachesNext(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ratelimit.Middleware(ratelimit.Noop{}, next)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantFromRequest_DefaultsWhenHeaderAbsent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	require.Equal(t, ratelimit.DefaultTenant, ratelimit.TenantFromRequest(req))

	req.Header.Set(ratelimit.TenantHeader, "acme-corp")
	require.Equal(t, "acme-corp", ratelimit.TenantFromRequest(req))
}
