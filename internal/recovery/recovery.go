// Package recovery is the Recovery Normalizer (component H): a one-time
// startup pass that reconciles the durable store with the assumption that
// any run still active when the process last stopped was abandoned
// mid-execution by a crashed worker, per spec.md §4.H.
package recovery

import (
	"context"
	"time"

	"github.com/resume-agent/runtime/internal/store"
	"github.com/resume-agent/runtime/internal/telemetry"
)

// Run executes the recovery sweep once, logging a summary of what it
// normalized. The scheduler must not accept work until this returns, so
// that no worker races the sweep for a run it is about to interrupt.
func Run(ctx context.Context, st store.Store, log telemetry.Logger) (store.RecoveryReport, error) {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	start := time.Now()
	report, err := st.RecoverCrashed(ctx)
	if err != nil {
		log.Error(ctx, "recovery sweep failed", "error", err)
		return store.RecoveryReport{}, err
	}
	log.Info(ctx, "recovery sweep complete",
		"runs_interrupted", report.RunsInterrupted,
		"approvals_rejected", report.ApprovalsRejected,
		"sessions_deactivated", report.SessionsDeactivated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}
