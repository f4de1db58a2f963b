package team

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taskrelay/taskrelay/internal/tasks"
)

// SupervisorConfig holds tunable parameters for the supervisor loop.
type SupervisorConfig struct {
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
}

// SweepReport summarises one liveness sweep.
type SweepReport struct {
	ReapedWorkers []string `json:"reaped_workers"`
	ExpiredAgents []string `json:"expired_agents"`
	Requeued      []string `json:"requeued"`
	Failed        []string `json:"failed"`
}

// Supervisor removes workers and agents that stopped heartbeating and
// recovers the tasks they left running.
type Supervisor struct {
	Workers   *WorkerManager
	Directory *Directory
	Tasks     *tasks.Service
	Logger    *slog.Logger

	interval atomic.Int64
	timeout  atomic.Int64
	group    singleflight.Group
	now      func() time.Time
}

// NewSupervisor creates a Supervisor with defaults for zero-value config
// fields.
func NewSupervisor(wm *WorkerManager, cfg SupervisorConfig) *Supervisor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	s := &Supervisor{
		Workers:   wm,
		Directory: wm.Directory,
		Tasks:     wm.Tasks,
		Logger:    wm.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.interval.Store(int64(cfg.SweepInterval))
	s.timeout.Store(int64(cfg.HeartbeatTimeout))
	return s
}

// SetPolicy changes the heartbeat timeout, sweep interval and retry budget.
// Non-positive durations leave the current value.
func (s *Supervisor) SetPolicy(timeout, interval time.Duration, maxRetries int) {
	if timeout > 0 {
		s.timeout.Store(int64(timeout))
	}
	if interval > 0 {
		s.interval.Store(int64(interval))
	}
	s.Tasks.SetMaxRetries(maxRetries)
}

// HeartbeatTimeout returns the current heartbeat timeout.
func (s *Supervisor) HeartbeatTimeout() time.Duration { return time.Duration(s.timeout.Load()) }

// Sweep reaps expired workers and agents, then recovers orphaned tasks.
// Concurrent callers share one sweep.
func (s *Supervisor) Sweep(ctx context.Context) (SweepReport, error) {
	v, err, _ := s.group.Do("sweep", func() (any, error) {
		return s.sweep(ctx)
	})
	if err != nil {
		return SweepReport{}, err
	}
	return v.(SweepReport), nil
}

func (s *Supervisor) sweep(ctx context.Context) (SweepReport, error) {
	cutoff := s.now().Add(-s.HeartbeatTimeout())
	report := SweepReport{}

	reaped, err := s.Workers.Reap(ctx, cutoff)
	report.ReapedWorkers = reaped
	if err != nil {
		return report, err
	}
	report.ExpiredAgents = s.Directory.Expire(cutoff)

	rec, err := s.Tasks.RecoverOrphans(ctx, cutoff)
	report.Requeued, report.Failed = rec.Requeued, rec.Failed
	if err != nil {
		return report, err
	}

	if len(report.ReapedWorkers)+len(report.ExpiredAgents)+len(report.Requeued)+len(report.Failed) > 0 {
		s.Logger.Info("sweep",
			"reaped_workers", len(report.ReapedWorkers),
			"expired_agents", len(report.ExpiredAgents),
			"requeued", len(report.Requeued),
			"failed", len(report.Failed))
	}
	return report, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := time.Duration(s.interval.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if next := time.Duration(s.interval.Load()); next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}
