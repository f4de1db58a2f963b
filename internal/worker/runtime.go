package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/taskrelay/taskrelay/internal/domain"
)

const (
	chunkChannelBuffer = 64
	maxLineBytes       = 1 << 20
	stderrTailBytes    = 4 << 10
)

// Chunk is one parsed line of agent runtime output.
type Chunk struct {
	Type    domain.StreamEventType
	Payload json.RawMessage
}

// Process is a running agent invocation for one task.
type Process interface {
	// Chunks yields worker-visible output. It is closed when stdout ends.
	Chunks() <-chan Chunk
	// Wait blocks until the process exits and returns its final result text.
	Wait() (string, error)
	// Stop kills the process. It is safe to call more than once.
	Stop() error
}

// Runtime starts agent processes.
type Runtime interface {
	Start(ctx context.Context, task *domain.Task, dir string) (Process, error)
}

// ExecRuntime runs an external command per task. The prompt is written to
// the command's stdin and JSON lines are read from its stdout.
type ExecRuntime struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Start launches the command in dir.
func (r *ExecRuntime) Start(ctx context.Context, task *domain.Task, dir string) (Process, error) {
	if r.Command == "" {
		return nil, domain.NewEngineError(domain.ErrUpstreamUnavailable, "no agent runtime command configured")
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"TASKRELAY_TASK_ID="+task.ID,
		"TASKRELAY_SESSION_ID="+task.SessionID,
		"TASKRELAY_CODEBASE_ID="+task.CodebaseID,
	)
	cmd.Stdin = strings.NewReader(task.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "stdout pipe: %v", err)
	}
	p := &execProcess{
		cmd:    cmd,
		stdout: stdout,
		chunks: make(chan Chunk, chunkChannelBuffer),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, domain.Errorf(domain.ErrUpstreamUnavailable, "start %s: %v", r.Command, err)
	}
	go p.run()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr tailBuffer
	chunks chan Chunk
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	result string
	err    error
}

func (p *execProcess) Chunks() <-chan Chunk { return p.chunks }

func (p *execProcess) Wait() (string, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

func (p *execProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	p.once.Do(func() { close(p.stop) })
	err := p.cmd.Process.Kill()
	<-p.done
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// run reads stdout until EOF, then reaps the process.
func (p *execProcess) run() {
	defer close(p.done)

	var result string
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		chunk, text, ok := parseLine(scanner.Bytes())
		if text != "" {
			result = text
		}
		if !ok {
			continue
		}
		select {
		case p.chunks <- chunk:
		case <-p.stop:
		}
	}
	close(p.chunks)
	// Drain whatever the scanner left so Wait can return.
	io.Copy(io.Discard, p.stdout)

	err := p.cmd.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = result
	if err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		p.err = err
	}
}

// parseLine converts one stdout line. Lines of type output, tool_use and
// file_change become chunks; a "result" line carries the final text in its
// "text" field. Non-JSON lines are forwarded as plain output.
func parseLine(line []byte) (Chunk, string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Chunk{}, "", false
	}

	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		payload, _ := json.Marshal(map[string]string{"text": string(line)})
		return Chunk{Type: domain.StreamOutput, Payload: payload}, "", true
	}
	if head.Type == "result" {
		return Chunk{}, head.Text, false
	}
	typ := domain.StreamEventType(head.Type)
	if !typ.WorkerChunk() {
		return Chunk{}, "", false
	}
	return Chunk{Type: typ, Payload: append(json.RawMessage(nil), line...)}, "", true
}

// tailBuffer keeps the last stderrTailBytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - stderrTailBytes; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
