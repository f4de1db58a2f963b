package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskrelay/taskrelay/internal/affinity"
	"github.com/taskrelay/taskrelay/internal/worker"
)

func runWorker(ctx context.Context, flagPath string) error {
	cfg, _, err := loadConfig(flagPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	wc := cfg.Worker

	client, err := worker.NewClient(worker.ClientConfig{
		ServerURL:  wc.ServerURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return err
	}

	codebases := make([]affinity.CodebaseSpec, 0, len(wc.Codebases))
	for _, cb := range wc.Codebases {
		codebases = append(codebases, affinity.CodebaseSpec{Name: cb.Name, Path: cb.Path, Description: cb.Description})
	}

	d := worker.NewDaemon(client, &worker.ExecRuntime{
		Command: wc.Runtime.Command,
		Args:    wc.Runtime.Args,
		Env:     wc.Runtime.Env,
	}, worker.Config{
		WorkerID:          wc.WorkerID,
		Name:              wc.Name,
		Capabilities:      wc.Capabilities,
		Codebases:         codebases,
		PollInterval:      time.Duration(wc.PollIntervalSec) * time.Second,
		HeartbeatInterval: time.Duration(wc.HeartbeatIntervalSec) * time.Second,
	}, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
