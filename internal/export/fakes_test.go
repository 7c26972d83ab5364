package export

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"remark/api/internal/artifact"
	"remark/api/internal/entity"
	"remark/api/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memJobs mirrors the Postgres job table semantics in memory.
type memJobs struct {
	mu      sync.Mutex
	clock   *testClock
	nextID  int64
	jobs    map[int64]store.ExportJob
	inserts atomic.Int32
}

func newMemJobs(clock *testClock) *memJobs {
	return &memJobs{clock: clock, jobs: map[int64]store.ExportJob{}}
}

func (m *memJobs) InsertExportJobIfAbsent(_ context.Context, job store.ExportJob) (store.ExportJob, bool, error) {
	m.inserts.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.Fingerprint == job.Fingerprint {
			return existing, false, nil
		}
	}
	m.nextID++
	job.ID = m.nextID
	job.Status = store.ExportPending
	job.CreatedAt = m.clock.Now()
	m.jobs[job.ID] = job
	return job, true, nil
}

func (m *memJobs) GetExportJob(_ context.Context, id int64) (store.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ExportJob{}, store.ErrNotFound
	}
	return job, nil
}

func (m *memJobs) finish(id int64, status store.ExportStatus, key, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != store.ExportPending {
		return false
	}
	now := m.clock.Now()
	job.Status, job.ArtifactKey, job.Error, job.FinishedAt = status, key, reason, &now
	m.jobs[id] = job
	return true
}

func (m *memJobs) MarkExportJobReady(_ context.Context, id int64, key string) (bool, error) {
	return m.finish(id, store.ExportReady, key, ""), nil
}

func (m *memJobs) MarkExportJobFailed(_ context.Context, id int64, reason string) (bool, error) {
	return m.finish(id, store.ExportFailed, "", reason), nil
}

func (m *memJobs) ConsumeExportJob(_ context.Context, id int64, fn func(store.ExportJob) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := fn(job); err != nil {
		return err
	}
	delete(m.jobs, id)
	return nil
}

func (m *memJobs) DeleteExpiredExportJobs(_ context.Context, cutoff time.Time) ([]store.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []store.ExportJob
	for id, job := range m.jobs {
		if job.CreatedAt.Before(cutoff) {
			removed = append(removed, job)
			delete(m.jobs, id)
		}
	}
	return removed, nil
}

func (m *memJobs) ListPendingExportJobs(_ context.Context, since time.Time) ([]store.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []store.ExportJob
	for _, job := range m.jobs {
		if job.Status == store.ExportPending && !job.CreatedAt.Before(since) {
			pending = append(pending, job)
		}
	}
	return pending, nil
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type fakeComments struct {
	byAuthor map[int64][]store.Comment
	renders  atomic.Int32
	lastFrom *time.Time
	lastTo   *time.Time
	mu       sync.Mutex
	release  chan struct{}
}

func (f *fakeComments) wait() {
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeComments) ListCommentsByAuthor(_ context.Context, authorID int64, from, to *time.Time) ([]store.Comment, error) {
	f.renders.Add(1)
	f.wait()
	f.mu.Lock()
	f.lastFrom, f.lastTo = from, to
	f.mu.Unlock()
	return f.byAuthor[authorID], nil
}

func (f *fakeComments) ListDescendants(_ context.Context, _ entity.Ref, from, to *time.Time) ([]store.Comment, error) {
	f.renders.Add(1)
	f.wait()
	f.mu.Lock()
	f.lastFrom, f.lastTo = from, to
	f.mu.Unlock()
	return nil, nil
}

type harness struct {
	manager   *Manager
	jobs      *memJobs
	comments  *fakeComments
	artifacts *artifact.RedisStore
	redis     *miniredis.Miniredis
	clock     *testClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	jobs := newMemJobs(clock)
	comments := &fakeComments{byAuthor: map[int64][]store.Comment{
		5: {
			{ID: 4, AuthorID: 5, Text: "second", ParentKind: entity.KindComment, ParentID: 1, CreatedAt: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)},
			{ID: 1, AuthorID: 5, Text: "first", ParentKind: entity.KindBlogPost, ParentID: 7, CreatedAt: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		},
	}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	artifacts := artifact.NewRedisStore(client, "test:", 0)

	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	m := NewManager(jobs, comments, artifacts, nil, opts)
	m.now = clock.Now
	return &harness{manager: m, jobs: jobs, comments: comments, artifacts: artifacts, redis: mr, clock: clock}
}

func (h *harness) waitFinished(t *testing.T, jobID int64) store.ExportJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.jobs.GetExportJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("job %d vanished: %v", jobID, err)
		}
		if job.Status != store.ExportPending {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d did not finish in time", jobID)
	return store.ExportJob{}
}

func int64p(v int64) *int64 { return &v }
