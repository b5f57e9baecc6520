// Package ids generates the opaque entity identifiers used throughout the
// runtime: session, run, approval IDs are random and prefixed by kind; event
// IDs are deterministic, derived from a run ID and a monotonic sequence
// number per spec.md's "evt_<run_id>_<seq:04>" format.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// Prefixes for each entity kind, matching spec.md's "sess_…", "run_…",
// "appr_…" identity scheme.
const (
	SessionPrefix  = "sess"
	RunPrefix      = "run"
	ApprovalPrefix = "appr"
)

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string { return newID(SessionPrefix) }

// NewRunID returns a fresh opaque run identifier.
func NewRunID() string { return newID(RunPrefix) }

// NewApprovalID returns a fresh opaque approval identifier.
func NewApprovalID() string { return newID(ApprovalPrefix) }

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// Event formats an event ID from its owning run and sequence number. seq is
// zero-padded to 4 digits per spec.md §3; sequences beyond 9999 still widen
// correctly since Go's %04d does not truncate.
func Event(runID string, seq int64) string {
	return fmt.Sprintf("evt_%s_%04d", runID, seq)
}
