package httpapi

import (
	"net/http"

	"github.com/resume-agent/runtime/internal/apierror"
)

// handleProviderPolicy implements GET /settings/provider-policy, per
// spec.md §6 and SPEC_FULL.md §C: a read-only echo of the configured
// retry/fallback policy, since the provider adapters themselves are out
// of scope (spec.md §1).
func (s *Server) handleProviderPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_attempts":      s.Config.Retry.MaxAttempts,
		"base_delay_seconds": s.Config.Retry.BaseDelaySeconds,
		"max_delay_seconds": s.Config.Retry.MaxDelaySeconds,
		"fallback_chain":    s.Config.FallbackChain,
	})
}

// handleTriggerCleanup implements POST /settings/cleanup: runs one
// cleanup pass synchronously and reports what it removed, independent of
// the worker's TTL-gated Enabled() check — an operator-triggered sweep
// runs regardless of whether the background ticker is active.
func (s *Server) handleTriggerCleanup(w http.ResponseWriter, r *http.Request) {
	if s.Cleanup == nil {
		writeError(w, apierror.New(apierror.CodeServerMisconfigured, "cleanup worker not configured"))
		return
	}
	report, err := s.Cleanup.RunOnce(r.Context())
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeInternal, "cleanup cycle failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed_sessions":        report.RemovedSessions,
		"removed_workspace_files": report.RemovedWorkspaceFiles,
		"removed_artifact_files":  report.RemovedArtifactFiles,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Cleanup == nil {
		writeError(w, apierror.New(apierror.CodeServerMisconfigured, "metrics surface not configured"))
		return
	}
	m, depth, err := s.Cleanup.Snapshot(r.Context())
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeInternal, "read metrics", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":                  m.Total,
		"active":                 m.Active,
		"completed":              m.Completed,
		"failed":                 m.Failed,
		"interrupted":            m.Interrupted,
		"error_rate":             m.ErrorRate,
		"avg_latency_ms":         m.AvgLatencyMS,
		"p95_latency_ms":         m.P95LatencyMS,
		"total_usage_tokens":     m.TotalUsageTokens,
		"total_estimated_cost_usd": m.TotalEstimatedCost,
		"queue_depth":            depth,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.Cleanup == nil {
		writeError(w, apierror.New(apierror.CodeServerMisconfigured, "alerts surface not configured"))
		return
	}
	alerts, err := s.Cleanup.Alerts(r.Context())
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeInternal, "evaluate alerts", err))
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}
