package ipc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/recorder"
)

// StatusRequest is the body for PUT /tasks/{id}/status.
type StatusRequest struct {
	WorkerID string            `json:"worker_id"`
	Status   domain.TaskStatus `json:"status"`
	Result   *string           `json:"result,omitempty"`
	Error    *domain.TaskError `json:"error,omitempty"`
}

// OutputChunk is one worker-produced stream event.
type OutputChunk struct {
	Type    domain.StreamEventType `json:"type"`
	Payload json.RawMessage        `json:"payload"`
}

// OutputRequest is the body for POST /tasks/{id}/output. Either a single
// chunk (Type, Payload) or a batch in Chunks.
type OutputRequest struct {
	WorkerID string                 `json:"worker_id"`
	Type     domain.StreamEventType `json:"type"`
	Payload  json.RawMessage        `json:"payload"`
	Chunks   []OutputChunk          `json:"chunks,omitempty"`
}

// OutputAck reports the sequence numbers assigned to appended chunks.
type OutputAck struct {
	Seqs []int64 `json:"seqs"`
}

// OutputError is the error body of a batch that failed part way. Chunks are
// committed in order, so Seqs lists those accepted before the failure and a
// retry should resend only the rest.
type OutputError struct {
	APIError
	Seqs []int64 `json:"seqs"`
}

// ClaimRequest is the body for POST /tasks/claim.
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ListTasks handles GET /tasks?status=&worker_id=&codebase_id=&after=&limit=.
// status=pending together with worker_id lists the tasks that worker may
// claim; otherwise worker_id filters by claimant.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt(r, "after")
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := domain.TaskStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		h.writeError(w, domain.Errorf(domain.ErrInvalidParams, "unknown status %q", status))
		return
	}
	workerID := q.Get("worker_id")

	filter := domain.TaskFilter{Status: status}
	if status == domain.TaskPending && workerID != "" {
		if err := h.checkRate(workerID); err != nil {
			h.writeError(w, err)
			return
		}
		if filter, err = h.Tasks.PendingFilter(r.Context(), workerID); err != nil {
			h.writeError(w, err)
			return
		}
	} else {
		filter.ClaimedBy = workerID
	}
	if cb := q.Get("codebase_id"); cb != "" {
		filter.CodebaseIDs = intersect(filter.CodebaseIDs, cb)
	}

	page, err := h.Tasks.ListPage(r.Context(), filter, after, int(limit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := page.Tasks
	if out == nil {
		out = []*domain.Task{}
	}
	if len(page.Tasks) > 0 {
		w.Header().Set("X-Next-Cursor", strconv.FormatInt(page.Cursor, 10))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateTask handles POST /tasks.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var spec domain.TaskSpec
	if err := decodeJSON(w, r, &spec, false); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.Tasks.Create(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask handles GET /tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTask handles DELETE /tasks/{id}.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Prune(r.Context(), r.PathValue("id"), "api"); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClaimNext handles POST /tasks/claim. It answers 204 when nothing is
// claimable.
func (h *Handler) ClaimNext(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	if req.WorkerID == "" {
		h.writeError(w, domain.NewEngineError(domain.ErrInvalidParams, "worker_id is required"))
		return
	}
	if err := h.checkRate(req.WorkerID); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.Tasks.ClaimNext(r.Context(), req.WorkerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTaskStatus handles PUT /tasks/{id}/status. Status running claims the
// task; completed, failed and cancelled report its outcome.
func (h *Handler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	if req.WorkerID == "" {
		h.writeError(w, domain.NewEngineError(domain.ErrInvalidParams, "worker_id is required"))
		return
	}

	var (
		t   *domain.Task
		err error
	)
	if req.Status == domain.TaskRunning {
		t, err = h.Tasks.ClaimTask(r.Context(), r.PathValue("id"), req.WorkerID)
	} else {
		t, err = h.Tasks.ReportStatus(r.Context(), r.PathValue("id"), req.WorkerID, req.Status, req.Result, req.Error)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles POST /tasks/{id}/cancel.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Cancel(r.Context(), r.PathValue("id"), "api")
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AppendOutput handles POST /tasks/{id}/output.
func (h *Handler) AppendOutput(w http.ResponseWriter, r *http.Request) {
	var req OutputRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	chunks := req.Chunks
	if len(chunks) == 0 {
		chunks = []OutputChunk{{Type: req.Type, Payload: req.Payload}}
	}

	ack := OutputAck{Seqs: make([]int64, 0, len(chunks))}
	for _, c := range chunks {
		if c.Type == "" {
			c.Type = domain.StreamOutput
		}
		rec, err := h.Tasks.AppendOutput(r.Context(), r.PathValue("id"), req.WorkerID, c.Type, c.Payload)
		if err != nil {
			status, apiErr := toAPIError(h.logger(), err)
			writeJSON(w, status, OutputError{APIError: apiErr, Seqs: ack.Seqs})
			return
		}
		ack.Seqs = append(ack.Seqs, rec.Seq)
	}
	writeJSON(w, http.StatusOK, ack)
}

// TaskAudit handles GET /tasks/{id}/audit.
func (h *Handler) TaskAudit(w http.ResponseWriter, r *http.Request) {
	records, err := h.Tasks.AuditTrail(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ExportTask handles GET /tasks/{id}/export[?compress=zstd].
func (h *Handler) ExportTask(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Tasks.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeExport(w, r, exp)
}

func (h *Handler) writeExport(w http.ResponseWriter, r *http.Request, exp *recorder.Export) {
	compress := false
	switch r.URL.Query().Get("compress") {
	case "":
	case "zstd":
		compress = true
	default:
		h.writeError(w, domain.NewEngineError(domain.ErrInvalidParams, "compress must be zstd"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Blake3", exp.Digest)
	w.Header().Set("X-Record-Count", strconv.Itoa(exp.Records))
	if compress {
		w.Header().Set("Content-Encoding", "zstd")
	}
	w.WriteHeader(http.StatusOK)
	if err := exp.WriteBody(w, compress); err != nil {
		h.logger().Warn("write export", "key", exp.Key, "err", err)
	}
}

func (h *Handler) checkRate(workerID string) error {
	if h.Guard == nil {
		return nil
	}
	return h.Guard.CheckRateLimit(workerID)
}

// intersect narrows ids to id. A nil ids means "any codebase".
func intersect(ids []string, id string) []string {
	if ids == nil {
		return []string{id}
	}
	for _, v := range ids {
		if v == id {
			return []string{id}
		}
	}
	return []string{}
}
