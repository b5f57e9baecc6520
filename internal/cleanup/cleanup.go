// Package cleanup is the Cleanup Worker (component I): a periodic
// TTL-based reaper for idle sessions and expired artifacts, plus the
// runtime metrics and alert-threshold surface served at GET /metrics and
// GET /alerts, per spec.md §4.I.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/resume-agent/runtime/internal/scheduler"
	"github.com/resume-agent/runtime/internal/store"
	"github.com/resume-agent/runtime/internal/telemetry"
	"github.com/resume-agent/runtime/internal/workspace"
)

// Thresholds are the alert-evaluation limits, config-driven per spec.md §6.
type Thresholds struct {
	MaxErrorRate     float64
	MaxP95LatencyMS  float64
	MaxTotalCostUSD  float64
	MaxQueueDepth    int
}

// Alert is one threshold comparison, per spec.md §4.I.
type Alert struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"` // "ok" or "alert"
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message,omitempty"`
}

// Worker runs the cleanup sweep on a fixed interval. It only launches (per
// spec.md §4.I) when at least one of SessionTTL/ArtifactTTL is positive.
type Worker struct {
	Store      store.Store
	Workspace  workspace.WorkspaceProvider
	Artifacts  workspace.ArtifactStorageProvider
	Scheduler  *scheduler.Scheduler
	Log        telemetry.Logger
	Metrics    telemetry.Metrics
	Thresholds Thresholds

	SessionTTL  time.Duration
	ArtifactTTL time.Duration
	Interval    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Enabled reports whether the worker should run at all.
func (w *Worker) Enabled() bool {
	return w.SessionTTL > 0 || w.ArtifactTTL > 0
}

// Start launches the sleep loop in the background. Callers must not call
// Start more than once.
func (w *Worker) Start(ctx context.Context) {
	if !w.Enabled() {
		return
	}
	if w.Log == nil {
		w.Log = telemetry.NewNoopLogger()
	}
	if w.Metrics == nil {
		w.Metrics = telemetry.NewNoopMetrics()
	}
	w.stop = make(chan struct{})
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				report, err := w.RunOnce(ctx)
				if err != nil {
					w.Log.Error(ctx, "cleanup cycle failed", "error", err)
					continue
				}
				w.Log.Info(ctx, "cleanup cycle complete",
					"removed_sessions", report.RemovedSessions,
					"removed_workspace_files", report.RemovedWorkspaceFiles,
					"removed_artifact_files", report.RemovedArtifactFiles,
				)
			}
		}
	}()
}

// Stop ends the sleep loop and waits for it to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.stop != nil {
			close(w.stop)
		}
	})
	w.wg.Wait()
}

// RunOnce performs one cleanup cycle: idle-session cascade-delete, then
// artifact-provider expiry, per spec.md §4.I.
func (w *Worker) RunOnce(ctx context.Context) (store.CleanupReport, error) {
	var report store.CleanupReport

	if w.SessionTTL > 0 {
		idle, err := w.Store.IdleSessionsOlderThan(ctx, w.SessionTTL)
		if err != nil {
			return report, err
		}
		for _, sess := range idle {
			if w.Workspace != nil {
				if n, err := w.Workspace.DeleteWorkspace(ctx, sess.SessionID); err == nil {
					report.RemovedWorkspaceFiles += n
				} else {
					w.Log.Warn(ctx, "cleanup: workspace delete failed", "session_id", sess.SessionID, "error", err)
				}
			}
			if err := w.Store.DeleteSessionAndData(ctx, sess.SessionID); err != nil {
				w.Log.Warn(ctx, "cleanup: session delete failed", "session_id", sess.SessionID, "error", err)
				continue
			}
			report.RemovedSessions++
		}
	}

	if w.ArtifactTTL > 0 && w.Artifacts != nil {
		n, err := w.Artifacts.CleanupExpired(ctx, w.ArtifactTTL)
		if err != nil {
			return report, err
		}
		report.RemovedArtifactFiles = n
	}

	w.Metrics.IncCounter("cleanup.sessions_removed", float64(report.RemovedSessions))
	w.Metrics.IncCounter("cleanup.artifact_files_removed", float64(report.RemovedArtifactFiles))
	return report, nil
}

// Snapshot returns the current runtime metrics from the store, enriched
// with the live scheduler queue depth.
func (w *Worker) Snapshot(ctx context.Context) (store.RunMetrics, int, error) {
	m, err := w.Store.Metrics(ctx)
	if err != nil {
		return store.RunMetrics{}, 0, err
	}
	depth := 0
	if w.Scheduler != nil {
		depth = w.Scheduler.QueueDepth()
	}
	return m, depth, nil
}

// Alerts evaluates the configured thresholds against current metrics, per
// spec.md §4.I.
func (w *Worker) Alerts(ctx context.Context) ([]Alert, error) {
	m, depth, err := w.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return []Alert{
		evaluate("error_rate", m.ErrorRate, w.Thresholds.MaxErrorRate, "error rate above threshold"),
		evaluate("p95_latency_ms", m.P95LatencyMS, w.Thresholds.MaxP95LatencyMS, "p95 latency above threshold"),
		evaluate("total_estimated_cost_usd", m.TotalEstimatedCost, w.Thresholds.MaxTotalCostUSD, "total estimated cost above threshold"),
		evaluate("queue_depth", float64(depth), float64(w.Thresholds.MaxQueueDepth), "queue depth above threshold"),
	}, nil
}

func evaluate(name string, value, threshold float64, message string) Alert {
	a := Alert{Name: name, Value: value, Threshold: threshold, Status: "ok"}
	if threshold > 0 && value > threshold {
		a.Status = "alert"
		a.Message = message
	}
	return a
}
