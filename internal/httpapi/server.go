// Package httpapi is the HTTP transport (spec.md §6): a hand-written
// gorilla/mux router exposing the runtime's external interface over the
// core components (store, scheduler, approval coordinator, stream
// fan-out, cleanup worker). It owns no business logic beyond request
// parsing, validation, and response shaping — every decision named in
// spec.md §4 is delegated to the component that owns it.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"goa.design/clue/health"

	"github.com/resume-agent/runtime/internal/approvalcoord"
	"github.com/resume-agent/runtime/internal/cleanup"
	"github.com/resume-agent/runtime/internal/config"
	"github.com/resume-agent/runtime/internal/ratelimit"
	"github.com/resume-agent/runtime/internal/scheduler"
	"github.com/resume-agent/runtime/internal/store"
	"github.com/resume-agent/runtime/internal/stream"
	"github.com/resume-agent/runtime/internal/telemetry"
	"github.com/resume-agent/runtime/internal/workspace"
)

// Server bundles every dependency a handler may need. Handlers are methods
// on *Server so they share this without a global.
type Server struct {
	Store       store.Store
	Scheduler   *scheduler.Scheduler
	Approvals   *approvalcoord.Coordinator
	Workspace   workspace.WorkspaceProvider
	Artifacts   workspace.ArtifactStorageProvider // nil when unconfigured
	Notifier    *stream.Notifier
	Cleanup     *cleanup.Worker
	Config      config.Config
	Log         telemetry.Logger
	Metrics     telemetry.Metrics
	RateLimiter ratelimit.Limiter

	schemas       schemas
	healthChecker http.Handler
}

// New constructs a Server, compiling the request-body schemas once.
func New(deps Server) (*Server, error) {
	s := deps
	if s.Log == nil {
		s.Log = telemetry.NewNoopLogger()
	}
	if s.Metrics == nil {
		s.Metrics = telemetry.NewNoopMetrics()
	}
	if s.RateLimiter == nil {
		s.RateLimiter = ratelimit.Noop{}
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s.schemas = compiled
	s.healthChecker = health.NewChecker(storePinger{store: s.Store})
	return &s, nil
}

// Router builds the full gorilla/mux route tree under /api/v1, per
// spec.md §6, plus the ambient /healthz added in SPEC_FULL.md §C.
func (s *Server) Router() *mux.Router {
	root := mux.NewRouter()
	root.Handle("/healthz", s.healthChecker).Methods(http.MethodGet)

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestLogMiddleware)
	api.Use(func(next http.Handler) http.Handler {
		return ratelimit.Middleware(s.RateLimiter, next)
	})

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/auto-approve", s.handleSetAutoApprove).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/resume", s.handleUploadResume).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/jd", s.handleSetJD).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/export", s.handleExport).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/messages", s.handlePostMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/runs/{rid}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/runs/{rid}/interrupt", s.handleInterruptRun).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/runs/{rid}/stream", s.handleStreamRun).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/approvals", s.handleListApprovals).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/approvals/{aid}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/approvals/{aid}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/files", s.handleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/files/{path:.*}", s.handleGetFile).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/usage", s.handleUsage).Methods(http.MethodGet)
	api.HandleFunc("/settings/provider-policy", s.handleProviderPolicy).Methods(http.MethodGet)
	api.HandleFunc("/settings/cleanup", s.handleTriggerCleanup).Methods(http.MethodPost)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)

	return root
}

// requestLogMiddleware logs one line per request at Debug, mirroring the
// teacher's apiMetricsMiddleware idiom but through the structured logger
// instead of a bare counter.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Log.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func tenantID(r *http.Request) string {
	return ratelimit.TenantFromRequest(r)
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
