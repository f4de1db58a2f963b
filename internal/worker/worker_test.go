package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/affinity"
	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/guard"
	"github.com/taskrelay/taskrelay/internal/ipc"
	"github.com/taskrelay/taskrelay/internal/recorder"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/tasks"
	"github.com/taskrelay/taskrelay/internal/team"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		ok     bool
		typ    domain.StreamEventType
		result string
	}{
		{"output", `{"type":"output","text":"hi"}`, true, domain.StreamOutput, ""},
		{"tool use", `{"type":"tool_use","name":"grep"}`, true, domain.StreamToolUse, ""},
		{"file change", `{"type":"file_change","path":"a.go"}`, true, domain.StreamFileChange, ""},
		{"plain text", `compiling...`, true, domain.StreamOutput, ""},
		{"result", `{"type":"result","text":"all done"}`, false, "", "all done"},
		{"status is reserved", `{"type":"status"}`, false, "", ""},
		{"blank", `   `, false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunk, result, ok := parseLine([]byte(tc.line))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.result, result)
			if tc.ok {
				assert.Equal(t, tc.typ, chunk.Type)
				assert.True(t, json.Valid(chunk.Payload))
			}
		})
	}
}

func TestExecRuntime(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rt := &ExecRuntime{
		Command: "sh",
		Args: []string{"-c", `p=$(cat)
echo "{\"type\":\"output\",\"text\":\"$p\"}"
echo plain
echo "{\"type\":\"result\",\"text\":\"done $TASKRELAY_TASK_ID\"}"`},
	}
	proc, err := rt.Start(context.Background(), &domain.Task{ID: "t1", Prompt: "hello"}, t.TempDir())
	require.NoError(t, err)

	var got []Chunk
	for c := range proc.Chunks() {
		got = append(got, c)
	}
	result, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, "done t1", result)
	require.Len(t, got, 2)
	assert.Contains(t, string(got[0].Payload), "hello")
	assert.JSONEq(t, `{"text":"plain"}`, string(got[1].Payload))
	assert.NoError(t, proc.Stop())
}

func TestExecRuntime_Failures(t *testing.T) {
	_, err := (&ExecRuntime{}).Start(context.Background(), &domain.Task{ID: "t1"}, "")
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))

	_, err = (&ExecRuntime{Command: "/nonexistent/agent"}).Start(context.Background(), &domain.Task{ID: "t1"}, "")
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))

	if _, err := exec.LookPath("sh"); err != nil {
		return
	}
	proc, err := (&ExecRuntime{Command: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}}).
		Start(context.Background(), &domain.Task{ID: "t1"}, t.TempDir())
	require.NoError(t, err)
	for range proc.Chunks() {
	}
	_, err = proc.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestExecRuntime_StopWhileBlocked(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rt := &ExecRuntime{Command: "sh", Args: []string{"-c", "while true; do echo tick; sleep 0.01; done"}}
	proc, err := rt.Start(context.Background(), &domain.Task{ID: "t1"}, t.TempDir())
	require.NoError(t, err)

	<-proc.Chunks()
	done := make(chan struct{})
	go func() {
		proc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	_, err = proc.Wait()
	assert.Error(t, err)
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/claim":
			w.WriteHeader(http.StatusNoContent)
		case "/tasks/t1/output":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(ipc.OutputError{
				APIError: ipc.APIError{
					Code:    domain.ErrTaskCancelled.Code,
					Kind:    domain.KindCancelled,
					Message: "task t1 was cancelled",
				},
				Seqs: []int64{4},
			})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{ServerURL: srv.URL + "/"})
	require.NoError(t, err)
	ctx := context.Background()

	task, err := c.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, task)

	seqs, err := c.AppendOutput(ctx, "t1", "w1", []ipc.OutputChunk{{Type: domain.StreamOutput}, {Type: domain.StreamOutput}})
	assert.ErrorIs(t, err, domain.ErrTaskCancelled)
	assert.Equal(t, []int64{4}, seqs, "chunks committed before the failure")

	_, err = c.Heartbeat(ctx, "w1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = NewClient(ClientConfig{})
	assert.Error(t, err)
}

type gateway struct {
	svc     *tasks.Service
	workers *team.WorkerManager
	url     string
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(64, logger)
	t.Cleanup(b.Close)

	router := affinity.NewRouter(db, logger)
	svc := tasks.NewService(db, recorder.New(db, b), b, router, logger)
	dir := team.NewDirectory(b)
	wm := team.NewWorkerManager(db, router, svc, dir, logger)
	h := &ipc.Handler{
		Tasks:     svc,
		Router:    router,
		Workers:   wm,
		Directory: dir,
		Bus:       b,
		Guard:     guard.NewGuard(guard.GuardConfig{RatePerSec: 1000, Burst: 1000}),
		Logger:    logger,
		KeepAlive: time.Second,
	}
	srv := httptest.NewServer(ipc.Routes(h))
	t.Cleanup(srv.Close)
	return &gateway{svc: svc, workers: wm, url: srv.URL}
}

type fakeRuntime struct {
	startErr error
	chunks   []Chunk
	result   string
	block    bool

	mu    sync.Mutex
	procs []*fakeProcess
	dirs  []string
}

func (r *fakeRuntime) Start(_ context.Context, _ *domain.Task, dir string) (Process, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	p := &fakeProcess{chunks: make(chan Chunk, len(r.chunks)), stop: make(chan struct{}), result: r.result, block: r.block}
	for _, c := range r.chunks {
		p.chunks <- c
	}
	if r.block {
		go func() {
			<-p.stop
			close(p.chunks)
		}()
	} else {
		close(p.chunks)
	}
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.dirs = append(r.dirs, dir)
	r.mu.Unlock()
	return p, nil
}

func (r *fakeRuntime) started() []*fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeProcess(nil), r.procs...)
}

type fakeProcess struct {
	chunks  chan Chunk
	stop    chan struct{}
	once    sync.Once
	result  string
	block   bool
	stopped atomic.Bool
}

func (p *fakeProcess) Chunks() <-chan Chunk { return p.chunks }

func (p *fakeProcess) Wait() (string, error) {
	if p.block {
		<-p.stop
		return "", errors.New("killed")
	}
	return p.result, nil
}

func (p *fakeProcess) Stop() error {
	p.once.Do(func() { close(p.stop) })
	p.stopped.Store(true)
	return nil
}

// startDaemon runs a daemon for worker w1 owning codebase "repo" and
// waits until the registration is visible.
func startDaemon(t *testing.T, gw *gateway, rt Runtime) (*Daemon, func()) {
	t.Helper()
	client, err := NewClient(ClientConfig{ServerURL: gw.url})
	require.NoError(t, err)
	d := NewDaemon(client, rt, Config{
		WorkerID:          "w1",
		Codebases:         []affinity.CodebaseSpec{{Name: "repo", Path: "/src/repo"}},
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		w, err := gw.workers.Get(context.Background(), "w1")
		return err == nil && len(w.CodebaseIDs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	return d, func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func waitStatus(t *testing.T, gw *gateway, taskID string, want domain.TaskStatus) *domain.Task {
	t.Helper()
	var cur *domain.Task
	require.Eventually(t, func() bool {
		task, err := gw.svc.Get(context.Background(), taskID)
		if err != nil {
			return false
		}
		cur = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return cur
}

func TestDaemon_RunsTaskToCompletion(t *testing.T) {
	gw := newGateway(t)
	rt := &fakeRuntime{
		chunks: []Chunk{
			{Type: domain.StreamOutput, Payload: json.RawMessage(`{"text":"working"}`)},
			{Type: domain.StreamFileChange, Payload: json.RawMessage(`{"path":"main.go"}`)},
		},
		result: "done",
	}
	_, stop := startDaemon(t, gw, rt)

	ctx := context.Background()
	task, err := gw.svc.Create(ctx, domain.TaskSpec{CodebaseID: "repo", Prompt: "fix the build"})
	require.NoError(t, err)

	done := waitStatus(t, gw, task.ID, domain.TaskCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, "done", *done.Result)
	assert.Equal(t, "w1", done.ClaimedBy)

	recs, err := gw.svc.Recorder.Collect(ctx, recorder.TaskKey(task.ID), 0)
	require.NoError(t, err)
	var types []domain.StreamEventType
	for _, r := range recs {
		types = append(types, r.Type)
	}
	assert.Equal(t, []domain.StreamEventType{
		domain.StreamStatus, domain.StreamStatus,
		domain.StreamOutput, domain.StreamFileChange,
		domain.StreamStatus, domain.StreamComplete,
	}, types)

	rt.mu.Lock()
	assert.Equal(t, []string{"/src/repo"}, rt.dirs)
	rt.mu.Unlock()

	stop()
	_, err = gw.workers.Get(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestDaemon_RuntimeUnavailable(t *testing.T) {
	gw := newGateway(t)
	rt := &fakeRuntime{startErr: domain.NewEngineError(domain.ErrUpstreamUnavailable, "agent binary missing")}
	_, stop := startDaemon(t, gw, rt)
	defer stop()

	task, err := gw.svc.Create(context.Background(), domain.TaskSpec{CodebaseID: "repo", Prompt: "p"})
	require.NoError(t, err)

	failed := waitStatus(t, gw, task.ID, domain.TaskFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, domain.KindUpstreamUnavailable, failed.Error.Kind)
}

func TestDaemon_CancelKillsAgent(t *testing.T) {
	gw := newGateway(t)
	rt := &fakeRuntime{block: true}
	_, stop := startDaemon(t, gw, rt)
	defer stop()

	ctx := context.Background()
	task, err := gw.svc.Create(ctx, domain.TaskSpec{CodebaseID: "repo", Prompt: "p"})
	require.NoError(t, err)
	waitStatus(t, gw, task.ID, domain.TaskRunning)
	require.Eventually(t, func() bool { return len(rt.started()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = gw.svc.Cancel(ctx, task.ID, "test")
	require.NoError(t, err)

	proc := rt.started()[0]
	require.Eventually(t, proc.stopped.Load, 5*time.Second, 10*time.Millisecond)

	cur, err := gw.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cur.Status)
}
