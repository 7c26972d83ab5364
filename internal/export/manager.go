package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"remark/api/internal/artifact"
	"remark/api/internal/logger"
	"remark/api/internal/store"
)

type JobStore interface {
	InsertExportJobIfAbsent(ctx context.Context, job store.ExportJob) (store.ExportJob, bool, error)
	GetExportJob(ctx context.Context, id int64) (store.ExportJob, error)
	MarkExportJobReady(ctx context.Context, id int64, artifactKey string) (bool, error)
	MarkExportJobFailed(ctx context.Context, id int64, reason string) (bool, error)
	ConsumeExportJob(ctx context.Context, id int64, fn func(store.ExportJob) error) error
	DeleteExpiredExportJobs(ctx context.Context, cutoff time.Time) ([]store.ExportJob, error)
	ListPendingExportJobs(ctx context.Context, since time.Time) ([]store.ExportJob, error)
}

type Options struct {
	TTL        time.Duration
	Workers    int
	QueueSize  int
	SweepEvery time.Duration
}

// Manager owns export jobs and their artifacts.
type Manager struct {
	jobs      JobStore
	comments  CommentSource
	artifacts artifact.Store
	log       *logger.Logger
	opts      Options
	now       func() time.Time

	flights singleflight.Group

	mu      sync.Mutex
	stopped bool
	queue   chan int64
	wg      sync.WaitGroup

	// stopSweep ends the periodic cleanup started by Start.
	stopSweep context.CancelFunc
}

func NewManager(jobs JobStore, comments CommentSource, artifacts artifact.Store, log *logger.Logger, opts Options) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	return &Manager{
		jobs:      jobs,
		comments:  comments,
		artifacts: artifacts,
		log:       log.With("component", "export"),
		opts:      opts,
		now:       time.Now,
		queue:     make(chan int64, opts.QueueSize),
	}
}

type flight struct {
	job     store.ExportJob
	created bool
	claimed atomic.Bool
}

// Request returns the job for p, creating and scheduling it when no job with
// the same fingerprint exists. created is true for exactly one caller per job.
func (m *Manager) Request(ctx context.Context, p Params) (store.ExportJob, bool, error) {
	if err := p.Validate(); err != nil {
		return store.ExportJob{}, false, err
	}
	p = p.withDefaults()

	if err := m.Cleanup(ctx); err != nil {
		return store.ExportJob{}, false, err
	}

	fingerprint := Fingerprint(p)
	v, err, _ := m.flights.Do(fingerprint, func() (any, error) {
		job, created, err := m.jobs.InsertExportJobIfAbsent(context.WithoutCancel(ctx), p.job(fingerprint))
		if err != nil {
			return nil, err
		}
		if created {
			m.log.Info("export job created", "job_id", job.ID, "format", job.FileFormat)
			job = m.enqueue(ctx, job)
		}
		return &flight{job: job, created: created}, nil
	})
	if err != nil {
		return store.ExportJob{}, false, fmt.Errorf("request export: %w", err)
	}

	f := v.(*flight)
	created := f.created && f.claimed.CompareAndSwap(false, true)
	return f.job, created, nil
}

// enqueue hands the job to the worker pool. A full or stopped queue fails the
// job so the caller is not left polling forever.
func (m *Manager) enqueue(ctx context.Context, job store.ExportJob) store.ExportJob {
	m.mu.Lock()
	accepted := false
	if !m.stopped {
		select {
		case m.queue <- job.ID:
			accepted = true
		default:
		}
	}
	m.mu.Unlock()

	if accepted {
		return job
	}
	const reason = "export queue unavailable"
	m.log.Warn("export job not scheduled", "job_id", job.ID, "reason", reason)
	if _, err := m.jobs.MarkExportJobFailed(context.WithoutCancel(ctx), job.ID, reason); err != nil {
		m.log.Error("mark export job failed", "job_id", job.ID, "error", err)
		return job
	}
	job.Status = store.ExportFailed
	job.Error = reason
	return job
}

// Fetch serves a ready job once and deletes it. A failed job is reported once
// with ErrRenderFailed and deleted as well.
func (m *Manager) Fetch(ctx context.Context, jobID int64) (Result, error) {
	var (
		result   Result
		outcome  error
		consumed string
	)
	err := m.jobs.ConsumeExportJob(ctx, jobID, func(job store.ExportJob) error {
		switch job.Status {
		case store.ExportPending:
			return ErrNotReady
		case store.ExportFailed:
			outcome = fmt.Errorf("%w: %s", ErrRenderFailed, job.Error)
			return nil
		}

		data, err := m.artifacts.Get(ctx, job.ArtifactKey)
		if errors.Is(err, artifact.ErrNotFound) {
			outcome = fmt.Errorf("%w: artifact missing", ErrRenderFailed)
			return nil
		}
		if err != nil {
			return err
		}
		format := Format(job.FileFormat)
		result = Result{Data: data, Filename: format.Filename(), MimeType: format.ContentType()}
		consumed = job.ArtifactKey
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrJobNotFound
	}
	if err != nil {
		return Result{}, err
	}

	if consumed != "" {
		m.dropArtifact(ctx, consumed)
	}
	if outcome != nil {
		return Result{}, outcome
	}
	return result, nil
}

// Cleanup removes jobs older than the TTL together with their artifacts.
func (m *Manager) Cleanup(ctx context.Context) error {
	removed, err := m.jobs.DeleteExpiredExportJobs(ctx, m.now().Add(-m.opts.TTL))
	if err != nil {
		return fmt.Errorf("cleanup export jobs: %w", err)
	}
	for _, job := range removed {
		if job.ArtifactKey != "" {
			m.dropArtifact(ctx, job.ArtifactKey)
		}
	}
	if len(removed) > 0 {
		m.log.Info("expired export jobs removed", "count", len(removed))
	}
	return nil
}

func (m *Manager) dropArtifact(ctx context.Context, key string) {
	if err := m.artifacts.Delete(context.WithoutCancel(ctx), key); err != nil {
		m.log.Warn("delete export artifact", "artifact_key", key, "error", err)
	}
}

// Process renders one job and records the outcome on it.
func (m *Manager) Process(ctx context.Context, jobID int64) {
	job, err := m.jobs.GetExportJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Debug("export job gone before render", "job_id", jobID)
		return
	}
	if err != nil {
		m.log.Error("load export job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != store.ExportPending {
		return
	}

	started := m.now()
	result, err := Render(ctx, m.comments, ParamsFromJob(job))
	if err != nil {
		m.fail(ctx, jobID, err)
		return
	}

	key := fmt.Sprintf("exports/%d-%s.%s", job.ID, uuid.NewString(), job.FileFormat)
	if err := m.artifacts.Put(ctx, key, result.Data, result.MimeType); err != nil {
		m.fail(ctx, jobID, err)
		return
	}

	attached, err := m.jobs.MarkExportJobReady(ctx, jobID, key)
	if err != nil || !attached {
		m.dropArtifact(ctx, key)
		if err != nil {
			m.log.Error("mark export job ready", "job_id", jobID, "error", err)
		}
		return
	}
	m.log.Info("export job ready", "job_id", jobID, "bytes", len(result.Data), "duration", m.now().Sub(started))
}

func (m *Manager) fail(ctx context.Context, jobID int64, cause error) {
	m.log.Warn("export render failed", "job_id", jobID, "error", cause)
	if _, err := m.jobs.MarkExportJobFailed(ctx, jobID, cause.Error()); err != nil {
		m.log.Error("mark export job failed", "job_id", jobID, "error", err)
	}
}

// Recover re-enqueues pending jobs that are still inside the TTL, typically
// after a restart dropped the in-memory queue.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	pending, err := m.jobs.ListPendingExportJobs(ctx, m.now().Add(-m.opts.TTL))
	if err != nil {
		return 0, fmt.Errorf("recover export jobs: %w", err)
	}
	for _, job := range pending {
		m.enqueue(ctx, job)
	}
	if len(pending) > 0 {
		m.log.Info("export jobs recovered", "count", len(pending))
	}
	return len(pending), nil
}
