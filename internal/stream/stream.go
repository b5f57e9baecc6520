package stream

import (
	"context"

	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/store"
)

// Sink receives one event frame at a time; an HTTP handler implements this
// over an SSE response writer, flushing after each Send.
type Sink interface {
	Send(ctx context.Context, event runlog.Event) error
}

const pageSize = 256

// Replay implements the resumable protocol of spec.md §4.G: it emits
// every journal entry with seq greater than the one named by
// lastEventID (or from the start if empty), then follows new appends via
// notifier until the run reaches a terminal state, after which it emits
// any remaining events and returns.
func Replay(ctx context.Context, st store.Store, notifier *Notifier, tenantID, sessionID, runID, lastEventID string, sink Sink) error {
	cursor := lastEventID
	for {
		wake := notifier.Chan(runID)

		for {
			page, err := st.ListEvents(ctx, runID, cursor, pageSize)
			if err != nil {
				return err
			}
			for _, ev := range page.Events {
				if err := sink.Send(ctx, ev); err != nil {
					return err
				}
				cursor = ev.EventID
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}

		r, err := st.GetRun(ctx, tenantID, sessionID, runID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			page, err := st.ListEvents(ctx, runID, cursor, 0)
			if err != nil {
				return err
			}
			for _, ev := range page.Events {
				if err := sink.Send(ctx, ev); err != nil {
					return err
				}
			}
			return nil
		}

		select {
		case <-wake:
			// A new event (or the run's terminal transition) arrived;
			// loop around and drain it.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// terminalEventType maps a terminal run status to the event type that
// must be its journal's last entry (§8 invariant 1).
func terminalEventType(s run.Status) runlog.Type {
	switch s {
	case run.StatusCompleted:
		return runlog.TypeRunCompleted
	case run.StatusFailed:
		return runlog.TypeRunFailed
	case run.StatusInterrupted:
		return runlog.TypeRunInterrupted
	default:
		return ""
	}
}
