// Package pool maintains the bounded set of reusable executors. Entries
// are created on demand through registered factories, reused while
// healthy, and evicted after sitting idle past the configured timeout.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/agent"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
)

const healthCheckTimeout = 10 * time.Second

// Entry is one pooled executor. Busy entries belong to exactly one task
// at a time; the pool owns every other field.
type Entry struct {
	ID         uuid.UUID
	AgentType  string
	Executor   agent.Executor
	LastUsedAt time.Time
	Busy       bool
}

// Pool is a bounded executor pool with idle eviction
type Pool struct {
	config  config.PoolConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	entries   map[uuid.UUID]*Entry
	factories map[string]agent.Factory
	waiters   []chan struct{}

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewPool creates an executor pool
func NewPool(cfg config.PoolConfig, logger *logging.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		entries:   make(map[uuid.UUID]*Entry),
		factories: make(map[string]agent.Factory),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// RegisterFactory registers the executor factory for an agent type.
// Submissions for a type without a factory fail at acquire time.
func (p *Pool) RegisterFactory(agentType string, factory agent.Factory) error {
	if agentType == "" {
		return errors.NewValidationError("agent type cannot be empty")
	}
	if factory == nil {
		return errors.NewValidationError("executor factory cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.factories[agentType]; exists {
		return errors.NewValidationError(fmt.Sprintf("executor factory for %q is already registered", agentType))
	}

	p.factories[agentType] = factory
	return nil
}

// HasFactory reports whether an executor factory is registered for the
// agent type
func (p *Pool) HasFactory(agentType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.factories[agentType]
	return ok
}

// Start begins the idle-eviction loop
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.NewValidationError("agent pool is already running")
	}
	p.running = true
	p.mu.Unlock()

	go p.evictLoop(ctx)
	return nil
}

// Stop stops the eviction loop. Outstanding entries are not torn down;
// callers release them through the normal path.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

// Acquire returns an idle executor entry for the agent type, reusing a
// healthy cached one, creating one while the pool is under its size
// cap, and otherwise waiting until a release or eviction makes room.
func (p *Pool) Acquire(ctx context.Context, agentType string) (*Entry, error) {
	for {
		p.mu.Lock()

		// Reuse an idle entry of the same type.
		if entry := p.idleEntry(agentType); entry != nil {
			entry.Busy = true
			p.updateGauges()
			p.mu.Unlock()

			if err := p.healthCheck(ctx, entry); err != nil {
				// A cached executor that fails its health check is
				// discarded and rebuilt rather than handed out.
				p.logger.Warn("Discarding unhealthy pooled executor",
					"agent_type", agentType, "entry_id", entry.ID.String(), "error", err.Error())
				p.Discard(entry.ID)
				continue
			}

			p.metrics.RecordPoolAcquire(agentType, "reused")
			return entry, nil
		}

		// Create a fresh entry while under the cap.
		if len(p.entries) < p.config.Size {
			factory, ok := p.factories[agentType]
			if !ok {
				p.mu.Unlock()
				return nil, errors.NewNotFoundError(fmt.Sprintf("executor factory for agent type %q", agentType))
			}

			executor, err := factory(agentType)
			if err != nil {
				p.mu.Unlock()
				p.metrics.RecordPoolAcquire(agentType, "error")
				return nil, errors.NewInternalError(fmt.Sprintf("executor factory for %q failed", agentType)).WithCause(err)
			}

			entry := &Entry{
				ID:         uuid.New(),
				AgentType:  agentType,
				Executor:   executor,
				LastUsedAt: time.Now(),
				Busy:       true,
			}
			p.entries[entry.ID] = entry
			p.updateGauges()
			p.mu.Unlock()

			p.metrics.RecordPoolAcquire(agentType, "created")
			return entry, nil
		}

		// Pool is full: wait for a release or eviction.
		waiter := make(chan struct{}, 1)
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()

		p.metrics.RecordPoolAcquire(agentType, "waited")

		select {
		case <-ctx.Done():
			p.removeWaiter(waiter)
			return nil, errors.NewShutdownError("executor acquisition cancelled").WithCause(ctx.Err())
		case <-waiter:
		}
	}
}

// Release marks an entry idle. Releasing an already-idle or unknown
// entry is a no-op.
func (p *Pool) Release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[id]
	if !ok || !entry.Busy {
		return
	}

	entry.Busy = false
	entry.LastUsedAt = time.Now()
	p.updateGauges()
	p.notifyOneLocked()
}

// Discard removes an entry entirely, freeing its slot
func (p *Pool) Discard(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[id]; !ok {
		return
	}

	delete(p.entries, id)
	p.updateGauges()
	p.notifyOneLocked()
}

// EvictIdle removes entries idle longer than the configured timeout and
// returns how many were evicted
func (p *Pool) EvictIdle() int {
	cutoff := time.Now().Add(-p.config.IdleTimeout)

	p.mu.Lock()
	var evicted []*Entry
	for id, entry := range p.entries {
		if !entry.Busy && entry.LastUsedAt.Before(cutoff) {
			delete(p.entries, id)
			evicted = append(evicted, entry)
		}
	}
	if len(evicted) > 0 {
		p.updateGauges()
		for range evicted {
			p.notifyOneLocked()
		}
	}
	p.mu.Unlock()

	for _, entry := range evicted {
		p.metrics.RecordPoolEviction(entry.AgentType)
		p.logger.Debug("Evicted idle pool entry",
			"agent_type", entry.AgentType, "entry_id", entry.ID.String())
	}

	return len(evicted)
}

// Stats returns the current busy and idle entry counts
func (p *Pool) Stats() (busy, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.entries {
		if entry.Busy {
			busy++
		} else {
			idle++
		}
	}
	return busy, idle
}

func (p *Pool) evictLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

// idleEntry returns an idle entry of the given type. Caller holds p.mu.
func (p *Pool) idleEntry(agentType string) *Entry {
	for _, entry := range p.entries {
		if !entry.Busy && entry.AgentType == agentType {
			return entry
		}
	}
	return nil
}

func (p *Pool) healthCheck(ctx context.Context, entry *Entry) error {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return entry.Executor.HealthCheck(checkCtx)
}

// notifyOneLocked wakes one waiting Acquire. Caller holds p.mu.
func (p *Pool) notifyOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	waiter := p.waiters[0]
	p.waiters = p.waiters[1:]
	waiter <- struct{}{}
}

func (p *Pool) removeWaiter(waiter chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}

	// The waiter was already signalled; pass the wake-up on so the
	// slot is not lost.
	select {
	case <-waiter:
		p.notifyOneLocked()
	default:
	}
}

// updateGauges refreshes pool gauges. Caller holds p.mu.
func (p *Pool) updateGauges() {
	busy, idle := 0, 0
	for _, entry := range p.entries {
		if entry.Busy {
			busy++
		} else {
			idle++
		}
	}
	p.metrics.UpdatePoolEntries(busy, idle)
}
