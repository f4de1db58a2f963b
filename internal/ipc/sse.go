package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/recorder"
	"github.com/taskrelay/taskrelay/internal/tasks"
)

// sseWriter writes text/event-stream frames.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) event(id, typ string, data []byte) error {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", typ)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) record(rec domain.LedgerRecord) error {
	return s.event(strconv.FormatInt(rec.Seq, 10), string(rec.Type), rec.Payload)
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// resumeCursor returns the last sequence the client saw, from ?after= or the
// Last-Event-ID header.
func resumeCursor(r *http.Request) (int64, error) {
	if r.URL.Query().Get("after") != "" {
		return queryInt(r, "after")
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, domain.NewEngineError(domain.ErrInvalidParams, "Last-Event-ID must be a sequence number")
		}
		return n, nil
	}
	return 0, nil
}

// StreamTask handles GET /tasks/{id}/stream[?after=N].
func (h *Handler) StreamTask(w http.ResponseWriter, r *http.Request) {
	after, err := resumeCursor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.streamTask(w, r, r.PathValue("id"), after)
}

// streamTask replays the task's recorded events after the cursor and then
// follows live delivery. Each sequence number is sent exactly once and in
// order; the stream ends after the terminal event.
func (h *Handler) streamTask(w http.ResponseWriter, r *http.Request, taskID string, after int64) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if _, err := h.Tasks.Get(ctx, taskID); err != nil {
		h.writeError(w, err)
		return
	}

	// Subscribe before replaying so nothing recorded in between is missed.
	live := make(chan domain.LedgerRecord, 64)
	sub, err := h.Bus.Subscribe(bus.TaskStream(taskID), func(ev domain.Event) {
		var rec domain.LedgerRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			return
		}
		select {
		case live <- rec:
		case <-ctx.Done():
		}
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer h.Bus.Unsubscribe(sub)

	sse, ok := startSSE(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: -32603, Kind: domain.KindInternal, Message: "streaming not supported"})
		return
	}

	key := recorder.TaskKey(taskID)
	last := after
	// replay sends everything recorded after last and reports whether the
	// terminal event was among it.
	replay := func() (bool, error) {
		for rec, err := range h.Tasks.Recorder.ReadFrom(ctx, key, last) {
			if err != nil {
				return false, err
			}
			if err := sse.record(rec); err != nil {
				return false, err
			}
			last = rec.Seq
			if rec.Type.Terminal() {
				return true, nil
			}
		}
		return false, nil
	}

	done, err := replay()
	if err == nil && !done {
		done, err = h.settled(ctx, taskID, key, last)
	}
	if err != nil || done {
		h.logStreamEnd(taskID, err)
		return
	}

	// stalled is set when a tick found the task terminal with its terminal
	// record still missing.
	var stalled bool
	ticker := time.NewTicker(h.keepAlive())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			// Catch up on anything live delivery lost.
			done, err = replay()
			if err == nil && !done {
				done, err = h.settled(ctx, taskID, key, last)
			}
			if err == nil && !done {
				var t *domain.Task
				if t, err = h.Tasks.Get(ctx, taskID); err == nil && t.Status.Terminal() {
					done, stalled = stalled, true
				}
			}
			if err != nil || done {
				h.logStreamEnd(taskID, err)
				return
			}
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case rec := <-live:
			switch {
			case rec.Seq <= last:
				continue
			case rec.Seq == last+1:
				if err := sse.record(rec); err != nil {
					return
				}
				last = rec.Seq
				done = rec.Type.Terminal()
			default:
				// Live delivery skipped ahead (dropped or reordered); fill the
				// gap from the recorder.
				done, err = replay()
			}
			if err != nil || done {
				h.logStreamEnd(taskID, err)
				return
			}
		}
	}
}

// settled reports whether a task stream positioned at last has nothing left
// to send: the task is terminal and its terminal record is at or before last.
func (h *Handler) settled(ctx context.Context, taskID, key string, last int64) (bool, error) {
	t, err := h.Tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !t.Status.Terminal() {
		return false, nil
	}
	tail, ok, err := h.Tasks.Recorder.Tail(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return tail.Type.Terminal() && tail.Seq <= last, nil
}

func (h *Handler) logStreamEnd(taskID string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger().Warn("task stream ended", "task_id", taskID, "err", err)
	}
}

// StreamAgent handles GET /agents/{name}/stream: messages addressed to the
// agent and its lifecycle events.
func (h *Handler) StreamAgent(w http.ResponseWriter, r *http.Request) {
	h.streamAgent(w, r, r.PathValue("name"))
}

func (h *Handler) streamAgent(w http.ResponseWriter, r *http.Request, name string) {
	if _, err := h.Directory.Get(name); err != nil {
		h.writeError(w, err)
		return
	}
	inbox := bus.MessageTo(name)
	h.pipe(w, r, []string{inbox, bus.AgentEvent(name, bus.Wildcard)}, func(ev domain.Event) (string, bool) {
		if ev.Topic == inbox {
			return "message", true
		}
		return ev.Topic[strings.LastIndexByte(ev.Topic, '.')+1:], true
	})
}

// StreamEvents handles GET /events?topic=<pattern>, a live firehose of bus
// events whose topic matches the pattern.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("topic")
	if err := bus.ValidatePattern(pattern); err != nil {
		h.writeError(w, err)
		return
	}
	h.pipe(w, r, []string{pattern}, func(ev domain.Event) (string, bool) { return ev.Topic, true })
}

// StreamCodebase handles GET /codebases/{id}/stream: status changes of every
// task in the codebase.
func (h *Handler) StreamCodebase(w http.ResponseWriter, r *http.Request) {
	codebaseID := r.PathValue("id")
	if _, err := h.Router.Get(r.Context(), codebaseID); err != nil {
		h.writeError(w, err)
		return
	}
	h.pipe(w, r, []string{bus.TopicTaskStatus}, func(ev domain.Event) (string, bool) {
		var se tasks.StatusEvent
		if err := json.Unmarshal(ev.Payload, &se); err != nil || se.CodebaseID != codebaseID {
			return "", false
		}
		return string(domain.StreamStatus), true
	})
}

// pipe forwards live bus events matching patterns to an SSE stream until the
// client goes away. classify names the SSE event type or rejects the event.
func (h *Handler) pipe(w http.ResponseWriter, r *http.Request, patterns []string, classify func(domain.Event) (string, bool)) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan domain.Event, 64)
	for _, p := range patterns {
		sub, err := h.Bus.Subscribe(p, func(ev domain.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		defer h.Bus.Unsubscribe(sub)
		// End the stream when the bus shuts down.
		go func() {
			select {
			case <-sub.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	sse, ok := startSSE(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: -32603, Kind: domain.KindInternal, Message: "streaming not supported"})
		return
	}

	ticker := time.NewTicker(h.keepAlive())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.comment("keep-alive"); err != nil {
				return
			}
		case ev := <-events:
			typ, ok := classify(ev)
			if !ok {
				continue
			}
			if err := sse.event(ev.ID, typ, ev.Payload); err != nil {
				return
			}
		}
	}
}
