// Package mongo is the production-grade implementation of store.Store
// (component A), backed by MongoDB. It follows the same per-collection,
// document-struct shape as features/{session,run,runlog}/mongo, but unlike
// those three separate stores it must keep composite invariants atomic
// across collections — a run's active_run_id bookkeeping on its owning
// session, an approval decision's effect on both the approval and the run,
// the crash-recovery sweep across runs/approvals/sessions — so every
// operation that touches more than one collection runs inside a MongoDB
// multi-document transaction via the client's session.
package mongo
