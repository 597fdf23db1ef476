// Package daemon watches workspace directories and runs the jobs their changes
// trigger from a SQLite-backed queue.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"crmflow/internal/audit"
	"crmflow/internal/payload"
)

const actor = "daemon"

// HandlerFunc executes one job and returns its result.
type HandlerFunc func(ctx context.Context, job *Job) (payload.Payload, error)

// Recorder receives daemon audit events.
type Recorder interface {
	LogEvent(ctx context.Context, actor, eventType string, payload map[string]any) error
}

// Config holds daemon settings. Zero durations take defaults.
type Config struct {
	Store        *Store
	Watches      []Watch
	Handlers     map[string]HandlerFunc
	Logger       *zap.Logger
	Audit        Recorder
	LeaseOwner   string
	LeaseFor     time.Duration
	PollInterval time.Duration
}

// Daemon scans its watches each tick, enqueues jobs for changed directories
// and drains the queue.
type Daemon struct {
	store        *Store
	watches      []Watch
	handlers     map[string]HandlerFunc
	logger       *zap.Logger
	audit        Recorder
	leaseOwner   string
	leaseFor     time.Duration
	pollInterval time.Duration
}

// TickResult summarizes one tick.
type TickResult struct {
	Enqueued  int
	Succeeded int
	Failed    int
}

// New validates cfg and returns a Daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Store == nil {
		return nil, errors.New("daemon requires a job store")
	}
	for _, w := range cfg.Watches {
		if _, ok := cfg.Handlers[w.JobType]; !ok {
			return nil, fmt.Errorf("watch %s: no handler for job type %s", w.Name, w.JobType)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LeaseOwner == "" {
		hostname, _ := os.Hostname()
		cfg.LeaseOwner = fmt.Sprintf("daemon-%s-%d", hostname, os.Getpid())
	}
	if cfg.LeaseFor == 0 {
		cfg.LeaseFor = 10 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Daemon{
		store:        cfg.Store,
		watches:      cfg.Watches,
		handlers:     cfg.Handlers,
		logger:       cfg.Logger,
		audit:        cfg.Audit,
		leaseOwner:   cfg.LeaseOwner,
		leaseFor:     cfg.LeaseFor,
		pollInterval: cfg.PollInterval,
	}, nil
}

// Run ticks until ctx is done. Tick errors are logged and do not stop the
// loop.
func (d *Daemon) Run(ctx context.Context) error {
	d.record(ctx, "daemon_started", map[string]any{
		"lease_owner":   d.leaseOwner,
		"poll_interval": d.pollInterval.String(),
		"watches":       len(d.watches),
	})

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("daemon tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the stop event needs its own.
			d.record(context.Background(), "daemon_stopped", map[string]any{"lease_owner": d.leaseOwner})
			return nil
		case <-ticker.C:
		}
	}
}

// Tick scans every watch once, then executes due jobs until the queue is
// empty.
func (d *Daemon) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	for _, w := range d.watches {
		changes, err := ScanDir(ctx, d.store, w)
		if err != nil {
			return res, fmt.Errorf("scan %s: %w", w.Name, err)
		}
		if changes.Empty() {
			continue
		}
		d.logger.Info("watched files changed",
			zap.String("watch", w.Name),
			zap.Strings("changed", changes.Changed),
			zap.Strings("deleted", changes.Deleted),
		)
		_, created, err := d.store.Enqueue(ctx, w.JobType, now(), payload.Payload{
			"watch":   w.Name,
			"dir":     w.Dir,
			"changed": changes.Changed,
			"deleted": changes.Deleted,
		})
		if err != nil {
			return res, fmt.Errorf("enqueue %s: %w", w.JobType, err)
		}
		if created {
			res.Enqueued++
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ran, err := d.claimAndExecute(ctx)
		if err != nil {
			return res, err
		}
		switch ran {
		case "":
			return res, nil
		case StatusSucceeded:
			res.Succeeded++
		case StatusFailed:
			res.Failed++
		}
	}
}

// claimAndExecute runs the next due job and returns its final status, or ""
// when the queue is empty. A failing handler is not an error of the loop.
func (d *Daemon) claimAndExecute(ctx context.Context) (string, error) {
	job, err := d.store.ClaimNext(ctx, now(), d.leaseOwner, d.leaseFor)
	if err != nil {
		return "", fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return "", nil
	}

	d.record(ctx, "job_started", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.Attempts,
	})

	handler, ok := d.handlers[job.Type]
	var result payload.Payload
	var execErr error
	if !ok {
		execErr = fmt.Errorf("no handler for job type: %s", job.Type)
	} else {
		result, execErr = handler(ctx, job)
	}

	if execErr != nil {
		d.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.Error(execErr))
		if err := d.store.Fail(ctx, job.ID, execErr); err != nil {
			return "", fmt.Errorf("mark job failed: %w", err)
		}
		d.record(ctx, "job_failed", map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
			"error":    execErr.Error(),
		})
		return StatusFailed, nil
	}

	if err := d.store.Succeed(ctx, job.ID, result); err != nil {
		return "", fmt.Errorf("mark job succeeded: %w", err)
	}
	d.logger.Info("job succeeded", zap.String("job_id", job.ID), zap.String("job_type", job.Type))
	d.record(ctx, "job_succeeded", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"result":   map[string]any(result),
	})
	return StatusSucceeded, nil
}

func (d *Daemon) record(ctx context.Context, eventType string, data map[string]any) {
	if d.audit == nil {
		return
	}
	if err := d.audit.LogEvent(ctx, actor, eventType, data); err != nil {
		d.logger.Debug("audit write failed", zap.String("type", eventType), zap.Error(err))
	}
}

var _ Recorder = (*audit.Logger)(nil)
