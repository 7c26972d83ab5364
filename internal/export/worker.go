package export

import (
	"context"
	"fmt"
	"time"
)

// Start launches the render workers and, when SweepEvery is set, the
// periodic cleanup. Stop shuts both down.
func (m *Manager) Start(ctx context.Context) {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	m.mu.Lock()
	m.stopSweep = stopSweep
	m.mu.Unlock()

	m.log.Info("starting export workers", "workers", m.opts.Workers)
	for i := 0; i < m.opts.Workers; i++ {
		workerID := i + 1
		m.wg.Add(1)
		go m.runLoop(ctx, workerID)
	}
	if m.opts.SweepEvery > 0 {
		m.wg.Add(1)
		go m.sweepLoop(sweepCtx)
	}
}

// Stop closes the queue, lets the workers drain it and waits for them.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.queue)
	}
	if m.stopSweep != nil {
		m.stopSweep()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()
	for jobID := range m.queue {
		m.processSafely(ctx, workerID, jobID)
	}
	m.log.Debug("export worker stopped", "worker_id", workerID)
}

func (m *Manager) processSafely(ctx context.Context, workerID int, jobID int64) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("export render panic", "worker_id", workerID, "job_id", jobID, "panic", r)
			m.fail(ctx, jobID, fmt.Errorf("render panic: %v", r))
		}
	}()
	m.Process(ctx, jobID)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Cleanup(ctx); err != nil {
				m.log.Warn("export sweep failed", "error", err)
			}
		}
	}
}
