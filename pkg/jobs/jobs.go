// Package jobs runs fire-and-forget inferences on a bounded worker pool.
// Submitted jobs are tracked in memory; terminal records stick around for a
// retention period so clients can poll results, then get garbage collected.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

// Executor runs one inference. Satisfied by the router.
type Executor interface {
	Infer(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*models.InferenceResponse, error)
}

// Config controls the worker pool and record retention.
type Config struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	Retention  time.Duration `yaml:"retention"`
	GCInterval time.Duration `yaml:"gc_interval"`
	// JobTimeout bounds a single job execution.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the stock job manager configuration.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  100,
		Retention:  time.Hour,
		GCInterval: 5 * time.Minute,
		JobTimeout: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.GCInterval <= 0 {
		c.GCInterval = d.GCInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	return c
}

// record is the mutable job state behind the manager's lock.
type record struct {
	job    models.AsyncJob
	req    *models.InferenceRequest
	tenant models.TenantContext
	cancel context.CancelFunc
}

// Manager owns the job table and the worker pool.
type Manager struct {
	cfg      Config
	executor Executor
	now      func() time.Time

	mu   sync.RWMutex
	jobs map[string]*record

	queue chan string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewManager creates a job manager over the executor.
func NewManager(cfg Config, executor Executor) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		executor: executor,
		now:      time.Now,
		jobs:     make(map[string]*record),
		queue:    make(chan string, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// WithClock overrides the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Start spawns the workers and the retention sweeper. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		slog.Warn("Job manager already started, ignoring duplicate Start call")
		return
	}
	m.started = true
	m.mu.Unlock()

	slog.Info("Starting job manager", "workers", m.cfg.Workers, "queue_size", m.cfg.QueueSize)
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runWorker()
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.gc()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop signals the workers to drain and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Job manager stopped")
}

// Submit enqueues a job and returns its initial pending record. The request
// is validated up front so obviously broken jobs never occupy a queue slot.
func (m *Manager) Submit(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (models.AsyncJob, error) {
	if err := req.Validate(); err != nil {
		return models.AsyncJob{}, err
	}
	if tenant.TenantID == "" {
		return models.AsyncJob{}, errs.New(errs.AuthTenantNotFound)
	}

	rec := &record{
		job: models.AsyncJob{
			JobID:       uuid.NewString(),
			RequestID:   req.RequestID,
			TenantID:    tenant.TenantID,
			Status:      models.JobPending,
			SubmittedAt: m.now().UTC(),
		},
		req:    req,
		tenant: tenant,
	}

	m.mu.Lock()
	m.jobs[rec.job.JobID] = rec
	m.mu.Unlock()

	select {
	case m.queue <- rec.job.JobID:
	default:
		m.mu.Lock()
		delete(m.jobs, rec.job.JobID)
		m.mu.Unlock()
		return models.AsyncJob{}, errs.Newf(errs.JobQueueFull, "job queue is full (%d pending)", m.cfg.QueueSize).
			With("tenant_id", tenant.TenantID)
	}

	slog.Info("Job submitted",
		"job_id", rec.job.JobID, "tenant_id", tenant.TenantID, "model", req.Model)
	return rec.job, nil
}

// Get returns the job record, tenant-scoped. A foreign tenant's job is
// indistinguishable from a missing one.
func (m *Manager) Get(jobID, tenantID string) (models.AsyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[jobID]
	if !ok || rec.job.TenantID != tenantID {
		return models.AsyncJob{}, errs.Newf(errs.JobNotFound, "job %q not found", jobID).With("job_id", jobID)
	}
	return rec.job, nil
}

// Cancel cancels a pending or running job. Terminal jobs cannot be
// cancelled.
func (m *Manager) Cancel(jobID, tenantID string) (models.AsyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok || rec.job.TenantID != tenantID {
		return models.AsyncJob{}, errs.Newf(errs.JobNotFound, "job %q not found", jobID).With("job_id", jobID)
	}

	switch rec.job.Status {
	case models.JobPending:
		m.finishLocked(rec, models.JobCancelled, nil, nil)
	case models.JobRunning:
		// The worker observes the cancelled context and records the
		// terminal state itself.
		rec.cancel()
	default:
		return models.AsyncJob{}, errs.Newf(errs.JobNotPending, "job %q is already %s", jobID, rec.job.Status).
			With("job_id", jobID)
	}
	return rec.job, nil
}

// List returns the tenant's jobs, newest first.
func (m *Manager) List(tenantID string) []models.AsyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AsyncJob, 0)
	for _, rec := range m.jobs {
		if rec.job.TenantID == tenantID {
			out = append(out, rec.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

func (m *Manager) runWorker() {
	for {
		select {
		case jobID := <-m.queue:
			m.execute(jobID)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) execute(jobID string) {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok || rec.job.Status != models.JobPending {
		// Cancelled or collected while queued.
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	rec.job.Status = models.JobRunning
	rec.cancel = cancel
	req, tenant := rec.req, rec.tenant
	m.mu.Unlock()
	defer cancel()

	resp, err := m.executor.Infer(ctx, req, tenant)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		m.finishLocked(rec, models.JobCompleted, resp, nil)
	case errs.IsKind(err, errs.RuntimeCancelled):
		m.finishLocked(rec, models.JobCancelled, nil, err)
	default:
		m.finishLocked(rec, models.JobFailed, nil, err)
	}
}

// finishLocked moves a record to a terminal state. Caller holds m.mu.
func (m *Manager) finishLocked(rec *record, status models.JobStatus, resp *models.InferenceResponse, err error) {
	now := m.now().UTC()
	rec.job.Status = status
	rec.job.Result = resp
	rec.job.CompletedAt = &now
	if err != nil {
		rec.job.Error = err.Error()
	}
	// Drop the request body; only the result needs retaining.
	rec.req = nil
	rec.cancel = nil

	slog.Info("Job finished",
		"job_id", rec.job.JobID, "tenant_id", rec.job.TenantID, "status", status)
}

// gc drops terminal records older than the retention period.
func (m *Manager) gc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.Retention)
	removed := 0
	for id, rec := range m.jobs {
		if rec.job.Status.IsTerminal() && rec.job.CompletedAt != nil && rec.job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Collected terminal jobs", "removed", removed, "remaining", len(m.jobs))
	}
}

// Size reports how many records are tracked.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
