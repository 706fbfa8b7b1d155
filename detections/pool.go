package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	DefaultPoolSize   = 2
	HealthCheckPeriod = 60 * time.Second
	maxRecordedErrors = 10
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

type SessionFactory func() (*ModelSession, error)

// ModelSessionPool hands out sessions to concurrent requests. Sessions that
// failed are discarded and recreated by the periodic health check.
type ModelSessionPool struct {
	sessions       chan *ModelSession
	size           int
	factory        SessionFactory
	AcquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	done       chan struct{}

	metricsMu sync.RWMutex
	metrics   PoolMetrics
}

type PoolMetrics struct {
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	TotalDiscarded  int64
	AcquireFailures int64
	WaitTime        time.Duration
}

func NewModelSessionPool(factory SessionFactory, size int) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:       make(chan *ModelSession, size),
		size:           size,
		factory:        factory,
		AcquireTimeout: DefaultAcquireTimeout,
		done:           make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *ModelSessionPool) Size() int {
	return p.size
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metricsMu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metricsMu.Unlock()
	}()

	timer := time.NewTimer(p.AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metricsMu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metricsMu.Unlock()
		return session, nil
	case <-timer.C:
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session *ModelSession) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metricsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.destroySession(session)
		return
	}
	p.sessions <- session
}

// Discard destroys a session that is no longer usable, e.g. after a failed
// run. The health check replaces it.
func (p *ModelSessionPool) Discard(session *ModelSession) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalDiscarded++
	p.metricsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.destroySession(session)
}

func (p *ModelSessionPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	var result error
	for session := range p.sessions {
		p.live--
		if err := session.Destroy(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// destroySession must be called with p.mu held.
func (p *ModelSessionPool) destroySession(session *ModelSession) {
	if err := session.Destroy(); err != nil {
		p.recordErrorLocked(err)
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

func (p *ModelSessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.destroySession(session)
			p.mu.Unlock()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordErrorLocked(err)
}

func (p *ModelSessionPool) recordErrorLocked(err error) {
	log.Warnf("session pool: %v", err)
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

// GetMetrics returns a snapshot of the pool counters.
func (p *ModelSessionPool) GetMetrics() PoolMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}
