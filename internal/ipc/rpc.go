package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
)

const jsonrpcVersion = "2.0"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    rpcErrorData `json:"data"`
}

type rpcErrorData struct {
	Kind domain.ErrorKind `json:"kind"`
}

// SendResult is the result of tasks/send.
type SendResult struct {
	TaskID    string            `json:"task_id"`
	SessionID string            `json:"session_id"`
	Status    domain.TaskStatus `json:"status"`
}

// TaskRef selects a task in tasks/get and tasks/cancel.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// ListParams are the params of tasks/list.
type ListParams struct {
	Status     domain.TaskStatus `json:"status,omitempty"`
	CodebaseID string            `json:"codebase_id,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	After      int64             `json:"after,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// ListResult is the result of tasks/list.
type ListResult struct {
	Tasks      []*domain.Task `json:"tasks"`
	NextCursor int64          `json:"next_cursor"`
}

// MessageParams are the params of message/send.
type MessageParams struct {
	To        string          `json:"to"`
	From      string          `json:"from"`
	Content   string          `json:"content"`
	SessionID string          `json:"session_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AgentMessage is what the recipient of message/send receives on its inbox.
type AgentMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Content   string          `json:"content"`
	SessionID string          `json:"session_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// MessageResult is the result of message/send.
type MessageResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// StreamParams are the params of message/stream: a task stream (with an
// optional resume cursor) or an agent inbox.
type StreamParams struct {
	TaskID string `json:"task_id,omitempty"`
	After  int64  `json:"after,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

type rpcMethod func(ctx context.Context, params json.RawMessage) (any, error)

func (h *Handler) rpcMethods() map[string]rpcMethod {
	return map[string]rpcMethod{
		"tasks/send":   h.rpcTasksSend,
		"tasks/get":    h.rpcTasksGet,
		"tasks/cancel": h.rpcTasksCancel,
		"tasks/list":   h.rpcTasksList,
		"message/send": h.rpcMessageSend,
		"agents/list":  h.rpcAgentsList,
	}
}

// RPC handles POST /rpc. Errors carry the engine error code and kind, and
// the HTTP status follows the kind. Batches are not supported. message/stream
// answers with an event stream instead of a JSON body.
func (h *Handler) RPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeRPCError(w, nil, domain.NewEngineError(domain.ErrParse, "could not read request body"))
		return
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		h.writeRPCError(w, nil, domain.NewEngineError(domain.ErrInvalidRequest, "batch requests are not supported"))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeRPCError(w, nil, domain.NewEngineError(domain.ErrParse, "request is not valid JSON"))
		return
	}
	if req.JSONRPC != jsonrpcVersion || strings.TrimSpace(req.Method) == "" {
		h.writeRPCError(w, req.ID, domain.NewEngineError(domain.ErrInvalidRequest, `expected jsonrpc "2.0" and a method`))
		return
	}

	if req.Method == "message/stream" {
		h.rpcMessageStream(w, r, req)
		return
	}

	method, ok := h.rpcMethods()[req.Method]
	if !ok {
		h.writeRPCError(w, req.ID, domain.Errorf(domain.ErrMethodNotFound, "method %q not found", req.Method))
		return
	}
	result, err := method(r.Context(), req.Params)
	if err != nil {
		h.writeRPCError(w, req.ID, err)
		return
	}
	if len(req.ID) == 0 {
		// Notification.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result})
}

func (h *Handler) writeRPCError(w http.ResponseWriter, id json.RawMessage, err error) {
	status, apiErr := toAPIError(h.logger(), err)
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, status, rpcResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &rpcError{Code: apiErr.Code, Message: apiErr.Message, Data: rpcErrorData{Kind: apiErr.Kind}},
	})
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return domain.NewEngineError(domain.ErrInvalidParams, "params are required")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Errorf(domain.ErrInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func (h *Handler) rpcTasksSend(ctx context.Context, params json.RawMessage) (any, error) {
	var spec domain.TaskSpec
	if err := decodeParams(params, &spec); err != nil {
		return nil, err
	}
	t, err := h.Tasks.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	return SendResult{TaskID: t.ID, SessionID: t.SessionID, Status: t.Status}, nil
}

func (h *Handler) rpcTasksGet(ctx context.Context, params json.RawMessage) (any, error) {
	var ref TaskRef
	if err := decodeParams(params, &ref); err != nil {
		return nil, err
	}
	return h.Tasks.Get(ctx, ref.TaskID)
}

func (h *Handler) rpcTasksCancel(ctx context.Context, params json.RawMessage) (any, error) {
	var ref TaskRef
	if err := decodeParams(params, &ref); err != nil {
		return nil, err
	}
	return h.Tasks.Cancel(ctx, ref.TaskID, "rpc")
}

func (h *Handler) rpcTasksList(ctx context.Context, params json.RawMessage) (any, error) {
	var p ListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, domain.Errorf(domain.ErrInvalidParams, "unknown status %q", p.Status)
	}
	filter := domain.TaskFilter{Status: p.Status, ClaimedBy: p.WorkerID}
	if p.CodebaseID != "" {
		filter.CodebaseIDs = []string{p.CodebaseID}
	}
	page, err := h.Tasks.ListPage(ctx, filter, p.After, p.Limit)
	if err != nil {
		return nil, err
	}
	out := page.Tasks
	if out == nil {
		out = []*domain.Task{}
	}
	return ListResult{Tasks: out, NextCursor: page.Cursor}, nil
}

func (h *Handler) rpcMessageSend(ctx context.Context, params json.RawMessage) (any, error) {
	var p MessageParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.To == "" || strings.TrimSpace(p.Content) == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidParams, "to and content are required")
	}
	if _, err := h.Directory.Get(p.To); err != nil {
		return nil, err
	}

	if p.SessionID != "" {
		_, err := h.Tasks.AppendMessage(ctx, p.SessionID, domain.Message{
			Role: domain.RoleAgent, From: p.From, TaskID: p.TaskID, Content: p.Content,
		})
		if err != nil {
			return nil, err
		}
	}

	msg := AgentMessage{
		ID:        ulid.Make().String(),
		From:      p.From,
		To:        p.To,
		Content:   p.Content,
		SessionID: p.SessionID,
		TaskID:    p.TaskID,
		Data:      p.Data,
		SentAt:    time.Now().UTC(),
	}
	if err := h.Bus.Publish(bus.MessageTo(p.To), msg); err != nil {
		return nil, err
	}
	return MessageResult{MessageID: msg.ID, SentAt: msg.SentAt}, nil
}

func (h *Handler) rpcAgentsList(ctx context.Context, params json.RawMessage) (any, error) {
	return h.Directory.List(), nil
}

func (h *Handler) rpcMessageStream(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var p StreamParams
	if err := decodeParams(req.Params, &p); err != nil {
		h.writeRPCError(w, req.ID, err)
		return
	}
	switch {
	case p.TaskID != "" && p.Agent == "":
		if p.After < 0 {
			h.writeRPCError(w, req.ID, domain.NewEngineError(domain.ErrInvalidParams, "after must be non-negative"))
			return
		}
		if _, err := h.Tasks.Get(r.Context(), p.TaskID); err != nil {
			h.writeRPCError(w, req.ID, err)
			return
		}
		h.streamTask(w, r, p.TaskID, p.After)
	case p.Agent != "" && p.TaskID == "":
		if _, err := h.Directory.Get(p.Agent); err != nil {
			h.writeRPCError(w, req.ID, err)
			return
		}
		h.streamAgent(w, r, p.Agent)
	default:
		h.writeRPCError(w, req.ID, domain.NewEngineError(domain.ErrInvalidParams, "exactly one of task_id or agent is required"))
	}
}
