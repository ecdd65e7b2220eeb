package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-scanner-service/detections"
)

const (
	// DefaultPoolSize covers the scanner loop plus one-shot requests.
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
	maxRecordedErrors = 10
)

// ErrPoolClosed wraps detections.ErrSessionClosed so the scanner treats a
// closed pool as fatal.
var ErrPoolClosed = fmt.Errorf("pool is closed: %w", detections.ErrSessionClosed)

var errAcquireTimeout = errors.New("timeout waiting for available session")

// Session is one pooled inference slot.
type Session interface {
	detections.Runner
	Destroy() error
}

// SessionFactory creates a fresh session.
type SessionFactory func() (Session, error)

// ONNXSessionFactory builds ONNX Runtime sessions from in-memory model bytes.
func ONNXSessionFactory(onnxData []byte, cfg detections.SessionConfig) SessionFactory {
	return func() (Session, error) {
		session, err := detections.NewModelSession(onnxData, cfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

type ModelSessionPool struct {
	sessions   chan Session
	size       int
	factory    SessionFactory
	logger     *zap.SugaredLogger
	mu         sync.Mutex
	closed     bool
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	totalDiscarded  int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolSnapshot is the JSON view of the pool.
type PoolSnapshot struct {
	PoolSize        int      `json:"pool_size"`
	Available       int      `json:"available"`
	SessionsInUse   int      `json:"sessions_in_use"`
	TotalAcquired   int64    `json:"total_acquired"`
	TotalReleased   int64    `json:"total_released"`
	TotalDiscarded  int64    `json:"total_discarded"`
	AcquireFailures int64    `json:"acquire_failures"`
	AverageWait     string   `json:"average_wait"`
	RecentErrors    []string `json:"recent_errors,omitempty"`
}

func NewModelSessionPool(factory SessionFactory, size int, logger *zap.SugaredLogger) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pool := &ModelSessionPool{
		sessions: make(chan Session, size),
		size:     size,
		factory:  factory,
		logger:   logger,
		stop:     make(chan struct{}),
		metrics:  &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck()

	logger.Infow("Session pool ready", "size", size)
	return pool, nil
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, errAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session Session) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroySession(session)
		return
	}
	p.sessions <- session
	p.mu.Unlock()
}

// Discard destroys a broken session; the health check replaces it.
func (p *ModelSessionPool) Discard(session Session) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalDiscarded++
	p.metrics.mu.Unlock()

	p.destroySession(session)
	p.logger.Warnw("Session discarded")
}

func (p *ModelSessionPool) destroySession(session Session) {
	if err := session.Destroy(); err != nil {
		p.recordError(err)
	}
}

func (p *ModelSessionPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	var err error
	for session := range p.sessions {
		err = multierr.Append(err, session.Destroy())
	}
	return err
}

func (p *ModelSessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish tops the pool back up to its size.
func (p *ModelSessionPool) replenish() {
	p.metrics.mu.RLock()
	inUse := p.metrics.inUse
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	missing := p.size - len(p.sessions) - inUse
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			p.logger.Warnw("Failed to replenish session", "error", err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroySession(session)
			return
		}
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) Size() int { return p.size }

func (p *ModelSessionPool) InUse() int {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return p.metrics.inUse
}

func (p *ModelSessionPool) AcquireFailures() int64 {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return p.metrics.acquireFailures
}

func (p *ModelSessionPool) GetMetrics() PoolSnapshot {
	p.metrics.mu.RLock()
	snap := PoolSnapshot{
		PoolSize:        p.size,
		SessionsInUse:   p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		TotalDiscarded:  p.metrics.totalDiscarded,
		AcquireFailures: p.metrics.acquireFailures,
	}
	if p.metrics.totalAcquired > 0 {
		snap.AverageWait = (p.metrics.waitTime / time.Duration(p.metrics.totalAcquired)).String()
	} else {
		snap.AverageWait = time.Duration(0).String()
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	snap.Available = len(p.sessions)
	for _, err := range p.lastErrors {
		snap.RecentErrors = append(snap.RecentErrors, err.Error())
	}
	p.mu.Unlock()
	return snap
}
