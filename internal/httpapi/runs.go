package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/scheduler"
	"github.com/resume-agent/runtime/internal/stream"
)

type postMessageRequest struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key"`
}

// handlePostMessage implements POST /sessions/{sid}/messages, per spec.md
// §4.D steps 1-4: the store enforces idempotency/quota/active-run checks
// atomically, and a freshly created (non-reused) run is handed to the
// scheduler.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	tid := tenantID(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.CodeBadRequest, "read request body", err))
		return
	}
	if err := s.schemas.validateBody("post_message", body); err != nil {
		writeError(w, err)
		return
	}
	var req postMessageRequest
	if err := decodeJSONBytes(body, &req); err != nil {
		writeError(w, err)
		return
	}

	r2, reused, err := s.Store.CreateRun(r.Context(), tid, sid, req.Message, req.IdempotencyKey, s.Config.MaxRunsPerSession)
	if err != nil {
		writeError(w, err)
		return
	}
	if !reused {
		s.Scheduler.Enqueue(scheduler.Item{TenantID: tid, SessionID: sid, RunID: r2.RunID})
	}
	writeJSON(w, http.StatusOK, toRunDTO(r2, reused))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Store.GetRun(r.Context(), tenantID(r), pathVar(r, "sid"), pathVar(r, "rid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run, false))
}

// handleInterruptRun implements POST /sessions/{sid}/runs/{rid}/interrupt,
// idempotent on terminal runs per spec.md §4.D.
func (s *Server) handleInterruptRun(w http.ResponseWriter, r *http.Request) {
	updated, err := s.Approvals.Interrupt(r.Context(), tenantID(r), pathVar(r, "sid"), pathVar(r, "rid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(updated, false))
}

// sseSink adapts an http.ResponseWriter into a stream.Sink, flushing after
// every frame so subscribers see events as they are appended rather than
// buffered until the response closes.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (sink sseSink) Send(_ context.Context, event runlog.Event) error {
	if _, err := fmt.Fprintf(sink.w, "id: %s\nevent: %s\ndata: %s\n\n", event.EventID, event.Type, event.Payload); err != nil {
		return err
	}
	if sink.flusher != nil {
		sink.flusher.Flush()
	}
	return nil
}

// handleStreamRun implements GET /sessions/{sid}/runs/{rid}/stream, per
// spec.md §4.G: honors Last-Event-ID for resumable delivery and streams
// until the run reaches a terminal state or the client disconnects.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	sid := pathVar(r, "sid")
	rid := pathVar(r, "rid")
	tid := tenantID(r)

	if _, err := s.Store.GetRun(r.Context(), tid, sid, rid); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sink := sseSink{w: w, flusher: flusher}

	lastEventID := r.Header.Get("Last-Event-ID")
	if err := stream.Replay(r.Context(), s.Store, s.Notifier, tid, sid, rid, lastEventID, sink); err != nil {
		s.Log.Warn(r.Context(), "stream replay ended with error", "run_id", rid, "error", err)
	}
}
