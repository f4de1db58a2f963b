// Package ipc is the protocol gateway: the worker REST surface, JSON-RPC and
// Server-Sent Event streams.
package ipc

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/taskrelay/taskrelay/internal/affinity"
	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/guard"
	"github.com/taskrelay/taskrelay/internal/tasks"
	"github.com/taskrelay/taskrelay/internal/team"
)

const defaultKeepAlive = 15 * time.Second

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Tasks     *tasks.Service
	Router    *affinity.Router
	Workers   *team.WorkerManager
	Directory *team.Directory
	Bus       *bus.Bus
	Guard     *guard.Guard
	Logger    *slog.Logger
	Version   string
	// KeepAlive is the interval between SSE keep-alive comments.
	KeepAlive time.Duration
}

// HealthStatus is the response for GET /health.
type HealthStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Subscribers int    `json:"subscribers"`
	Agents      int    `json:"agents"`
}

// HeartbeatRequest is the body for POST /workers/{id}/heartbeat.
type HeartbeatRequest struct {
	RunningTaskIDs []string `json:"running_task_ids"`
}

// AgentRequest is the body for POST /agents/register.
type AgentRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Address      string   `json:"address,omitempty"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) keepAlive() time.Duration {
	if h.KeepAlive <= 0 {
		return defaultKeepAlive
	}
	return h.KeepAlive
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:      "ok",
		Version:     h.Version,
		Subscribers: h.Bus.SubscriberCount(),
		Agents:      len(h.Directory.List()),
	})
}

// RegisterWorker handles POST /workers/register.
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req team.Registration
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	worker, err := h.Workers.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

// UnregisterWorker handles POST /workers/{id}/unregister.
func (h *Handler) UnregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.Workers.Unregister(r.Context(), r.PathValue("id"), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WorkerHeartbeat handles POST /workers/{id}/heartbeat.
func (h *Handler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.Workers.Heartbeat(r.Context(), r.PathValue("id"), req.RunningTaskIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListWorkers handles GET /workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.Workers.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// GetWorker handles GET /workers/{id}.
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Workers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// RegisterCodebase handles POST /codebases.
func (h *Handler) RegisterCodebase(w http.ResponseWriter, r *http.Request) {
	var req affinity.CodebaseSpec
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	cb, err := h.Router.RegisterCodebase(r.Context(), req, "api")
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cb)
}

// ListCodebases handles GET /codebases.
func (h *Handler) ListCodebases(w http.ResponseWriter, r *http.Request) {
	cbs, err := h.Router.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cbs)
}

// GetCodebase handles GET /codebases/{id}.
func (h *Handler) GetCodebase(w http.ResponseWriter, r *http.Request) {
	cb, err := h.Router.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cb)
}

// DeleteCodebase handles DELETE /codebases/{id}.
func (h *Handler) DeleteCodebase(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.UnregisterCodebase(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterAgent handles POST /agents/register.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	agent, err := h.Directory.Register(domain.Agent{
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Address:      req.Address,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// AgentHeartbeat handles POST /agents/{name}/heartbeat.
func (h *Handler) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Directory.Heartbeat(r.PathValue("name")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnregisterAgent handles DELETE /agents/{name}.
func (h *Handler) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Directory.Unregister(r.PathValue("name")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Directory.List())
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.Errorf(domain.ErrInvalidParams, "%s must be a non-negative integer", name)
	}
	return n, nil
}
