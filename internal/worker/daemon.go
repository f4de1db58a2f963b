package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskrelay/taskrelay/internal/affinity"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/ipc"
	"github.com/taskrelay/taskrelay/internal/team"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	maxChunkBatch            = 32
	shutdownTimeout          = 5 * time.Second
)

// Config describes the worker identity and loop cadence.
type Config struct {
	WorkerID          string
	Name              string
	Hostname          string
	Capabilities      []string
	Codebases         []affinity.CodebaseSpec
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// MaxConcurrent bounds how many tasks run at once. Defaults to 1.
	MaxConcurrent int
}

// Daemon registers with the gateway, heartbeats, claims tasks and runs
// them through a Runtime.
type Daemon struct {
	client  *Client
	runtime Runtime
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	jobs  map[string]*job
	paths map[string]string // codebase id -> local path
	wg    sync.WaitGroup
}

type job struct {
	mu        sync.Mutex
	proc      Process
	cancelled bool
}

// attach records the started process and reports whether the job is still
// wanted.
func (j *job) attach(p Process) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.proc = p
	return !j.cancelled
}

func (j *job) cancel() Process {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	return j.proc
}

func (j *job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// NewDaemon fills in defaults from cfg and returns a Daemon.
func NewDaemon(client *Client, rt Runtime, cfg Config, logger *slog.Logger) *Daemon {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		client:  client,
		runtime: rt,
		cfg:     cfg,
		logger:  logger.With("worker_id", cfg.WorkerID),
		jobs:    make(map[string]*job),
		paths:   make(map[string]string),
	}
}

// WorkerID returns the id the daemon registers under.
func (d *Daemon) WorkerID() string { return d.cfg.WorkerID }

// Run registers the worker and drives the heartbeat and poll loops until
// ctx is cancelled. Running tasks are killed and the worker unregistered on
// the way out; the gateway requeues whatever was in flight.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.register(ctx); err != nil {
		return err
	}
	d.logger.Info("worker registered", "codebases", len(d.cfg.Codebases))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		d.pollLoop(gctx)
		return nil
	})
	err := g.Wait()

	d.stopAll()
	d.wg.Wait()

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if uerr := d.client.Unregister(uctx, d.cfg.WorkerID); uerr != nil {
		d.logger.Warn("unregister worker", "err", uerr)
	}
	d.logger.Info("worker stopped")
	return err
}

func (d *Daemon) register(ctx context.Context) error {
	_, err := d.client.Register(ctx, team.Registration{
		WorkerID:     d.cfg.WorkerID,
		Name:         d.cfg.Name,
		Hostname:     d.cfg.Hostname,
		Capabilities: d.cfg.Capabilities,
		Codebases:    d.cfg.Codebases,
	})
	if err != nil {
		return err
	}

	all, err := d.client.Codebases(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(d.cfg.Codebases))
	for _, cb := range d.cfg.Codebases {
		byName[cb.Name] = cb.Path
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cb := range all {
		if p, ok := byName[cb.Name]; ok {
			d.paths[cb.ID] = p
		}
	}
	return nil
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *Daemon) heartbeat(ctx context.Context) {
	cancelled, err := d.client.Heartbeat(ctx, d.cfg.WorkerID, d.running())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrWorkerNotFound) {
			d.logger.Warn("worker unknown to gateway; re-registering")
			if rerr := d.register(ctx); rerr != nil {
				d.logger.Warn("re-register worker", "err", rerr)
			}
			return
		}
		d.logger.Warn("heartbeat", "err", err)
		return
	}
	for _, id := range cancelled {
		d.logger.Info("abandoning task", "task_id", id)
		d.abandon(id)
	}
}

func (d *Daemon) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) poll(ctx context.Context) {
	d.mu.Lock()
	busy := len(d.jobs) >= d.cfg.MaxConcurrent
	d.mu.Unlock()
	if busy {
		return
	}

	task, err := d.client.Claim(ctx, d.cfg.WorkerID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case domain.KindOf(err) == domain.KindRateLimited:
			d.logger.Debug("claim rate limited")
		default:
			d.logger.Warn("claim task", "err", err)
		}
		return
	}
	if task == nil {
		return
	}

	j := &job{}
	d.mu.Lock()
	d.jobs[task.ID] = j
	d.mu.Unlock()
	d.wg.Add(1)
	go d.execute(ctx, task, j)
}

func (d *Daemon) execute(ctx context.Context, task *domain.Task, j *job) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.jobs, task.ID)
		d.mu.Unlock()
	}()

	log := d.logger.With("task_id", task.ID)
	log.Info("task started", "codebase_id", task.CodebaseID)

	d.mu.Lock()
	dir := d.paths[task.CodebaseID]
	d.mu.Unlock()

	proc, err := d.runtime.Start(ctx, task, dir)
	if err != nil {
		log.Warn("agent runtime unavailable", "err", err)
		d.report(ctx, task.ID, ipc.StatusRequest{
			Status: domain.TaskFailed,
			Error:  &domain.TaskError{Kind: domain.KindUpstreamUnavailable, Message: err.Error()},
		})
		return
	}
	if !j.attach(proc) {
		proc.Stop()
	}

	chunks := proc.Chunks()
	for chunk := range chunks {
		batch := []ipc.OutputChunk{{Type: chunk.Type, Payload: chunk.Payload}}
		batch = drain(chunks, batch)
		if j.isCancelled() {
			continue
		}
		if _, err := d.client.AppendOutput(ctx, task.ID, d.cfg.WorkerID, batch); err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, domain.ErrTaskCancelled) || errors.Is(err, domain.ErrNotClaimant) {
				log.Info("task no longer held; stopping agent", "err", err)
				j.cancel()
				proc.Stop()
				continue
			}
			log.Warn("forward output", "err", err)
		}
	}

	result, err := proc.Wait()
	switch {
	case j.isCancelled() || ctx.Err() != nil:
		log.Info("task abandoned")
	case err != nil:
		log.Warn("task failed", "err", err)
		d.report(ctx, task.ID, ipc.StatusRequest{
			Status: domain.TaskFailed,
			Error:  &domain.TaskError{Kind: domain.KindInternal, Message: err.Error()},
		})
	default:
		log.Info("task completed")
		d.report(ctx, task.ID, ipc.StatusRequest{Status: domain.TaskCompleted, Result: &result})
	}
}

// drain appends chunks that are already buffered, up to maxChunkBatch.
func drain(ch <-chan Chunk, batch []ipc.OutputChunk) []ipc.OutputChunk {
	for len(batch) < maxChunkBatch {
		select {
		case c, ok := <-ch:
			if !ok {
				return batch
			}
			batch = append(batch, ipc.OutputChunk{Type: c.Type, Payload: c.Payload})
		default:
			return batch
		}
	}
	return batch
}

func (d *Daemon) report(ctx context.Context, taskID string, req ipc.StatusRequest) {
	req.WorkerID = d.cfg.WorkerID
	if _, err := d.client.ReportStatus(ctx, taskID, req); err != nil {
		d.logger.Warn("report task status", "task_id", taskID, "status", req.Status, "err", err)
	}
}

func (d *Daemon) running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Daemon) abandon(taskID string) {
	d.mu.Lock()
	j, ok := d.jobs[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}
	if proc := j.cancel(); proc != nil {
		proc.Stop()
	}
}

func (d *Daemon) stopAll() {
	for _, id := range d.running() {
		d.abandon(id)
	}
}
