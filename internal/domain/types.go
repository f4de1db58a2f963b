// Package domain defines the core types shared by the task relay.
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Agent is any named participant known to the directory.
type Agent struct {
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	Address       string    `json:"address,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Worker is a remote execution daemon. CodebaseIDs is derived from the
// codebases it currently owns.
type Worker struct {
	WorkerID      string    `json:"worker_id"`
	Name          string    `json:"name"`
	Hostname      string    `json:"hostname"`
	Capabilities  []string  `json:"capabilities"`
	CodebaseIDs   []string  `json:"codebase_ids"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

// Codebase is a registered execution target. WorkerID is empty when the
// codebase is unpinned.
type Codebase struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Pinned reports whether the codebase has an owning worker.
func (c Codebase) Pinned() bool { return c.WorkerID != "" }

// TaskError is the structured failure stored on a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Task is a unit of requested work.
type Task struct {
	ID              string            `json:"id"`
	CodebaseID      string            `json:"codebase_id"`
	SessionID       string            `json:"session_id"`
	Title           string            `json:"title"`
	Prompt          string            `json:"prompt"`
	AgentType       string            `json:"agent_type"`
	Priority        int               `json:"priority"`
	Status          TaskStatus        `json:"status"`
	ClaimedBy       string            `json:"claimed_by,omitempty"`
	RetryCount      int               `json:"retry_count"`
	Result          *string           `json:"result,omitempty"`
	Error           *TaskError        `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ResumeSessionID string            `json:"resume_session_id,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TaskSpec is the input to task creation.
type TaskSpec struct {
	CodebaseID      string            `json:"codebase_id"`
	Title           string            `json:"title"`
	Prompt          string            `json:"prompt"`
	AgentType       string            `json:"agent_type"`
	Priority        int               `json:"priority"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ResumeSessionID string            `json:"resume_session_id,omitempty"`
}

// TaskFilter narrows a task listing. Empty fields match everything.
// A non-nil, empty CodebaseIDs matches nothing.
type TaskFilter struct {
	Status      TaskStatus
	CodebaseIDs []string
	ClaimedBy   string
}

// Session is a resumable conversation thread tied to a codebase.
type Session struct {
	ID         string    `json:"id"`
	CodebaseID string    `json:"codebase_id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Messages   []Message `json:"messages,omitempty"`
}

// MessageRole labels a conversation turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleAgent     MessageRole = "agent"
)

// Message is one conversation turn. Seq orders turns within a session;
// CreatedAt is informational only.
type Message struct {
	Seq       int64       `json:"seq"`
	Role      MessageRole `json:"role"`
	From      string      `json:"from,omitempty"`
	TaskID    string      `json:"task_id,omitempty"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Event is an immutable fact published on the bus.
type Event struct {
	ID          string          `json:"id" cbor:"1,keyasint"`
	Topic       string          `json:"topic" cbor:"2,keyasint"`
	Payload     json.RawMessage `json:"payload" cbor:"3,keyasint"`
	PublishedAt time.Time       `json:"published_at" cbor:"4,keyasint"`
}

// StreamEventType is the type of an SSE event in a task stream.
type StreamEventType string

const (
	StreamStatus     StreamEventType = "status"
	StreamOutput     StreamEventType = "output"
	StreamToolUse    StreamEventType = "tool_use"
	StreamFileChange StreamEventType = "file_change"
	StreamComplete   StreamEventType = "complete"
	StreamError      StreamEventType = "error"
	StreamMessage    StreamEventType = "message"
)

// Terminal reports whether the stream closes after an event of this type.
func (t StreamEventType) Terminal() bool {
	return t == StreamComplete || t == StreamError
}

// WorkerChunk reports whether workers may append events of this type.
func (t StreamEventType) WorkerChunk() bool {
	return t == StreamOutput || t == StreamToolUse || t == StreamFileChange
}

// LedgerRecord is one sequenced entry in the recorder.
type LedgerRecord struct {
	Key       string          `json:"key"`
	Seq       int64           `json:"seq"`
	Type      StreamEventType `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditRecord logs administrative and recovery actions.
type AuditRecord struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Category    string    `json:"category"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	DetailJSON  string    `json:"detail_json"`
	Severity    string    `json:"severity"`
	CreatedAt   time.Time `json:"created_at"`
}
