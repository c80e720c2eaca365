// Package breaker implements the per-agent-type admission circuit:
// CLOSED/OPEN/HALF_OPEN with a sliding failure window, exponentially
// growing cooldown, and a single half-open probe.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// ForceOpenAll is the sentinel accepted by ForceOpen to open every
// known circuit at once.
const ForceOpenAll = "ALL"

// StateChangeHook is notified after a circuit transition commits
type StateChangeHook func(agentType string, from, to types.CircuitStateName)

// Breaker is a registry of per-agent-type circuits. Transitions are
// serialized per agent type; distinct types never contend.
type Breaker struct {
	config     config.CircuitConfig
	profileFor func(agentType string) config.TaskProfile
	logger     *logging.Logger
	metrics    *metrics.Metrics

	onStateChange StateChangeHook

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// circuit holds one agent type's admission state. All fields are
// guarded by mu; transition hooks fire after mu is released.
type circuit struct {
	mu sync.Mutex

	agentType    string
	state        types.CircuitStateName
	failures     []time.Time
	openedAt     time.Time
	cooldown     time.Duration
	probeTimeout time.Duration

	probeInFlight bool
	probeStarted  time.Time
}

// transition captures a committed state change for post-unlock delivery
type transition struct {
	agentType string
	from, to  types.CircuitStateName
}

// NewBreaker creates the circuit registry. profileFor resolves the
// probe timeout when CIRCUIT_PROBE_TIMEOUT is unset (Open Question:
// a half-open probe that neither succeeds nor fails within the bound is
// treated as a failure).
func NewBreaker(cfg config.CircuitConfig, profileFor func(string) config.TaskProfile, logger *logging.Logger, m *metrics.Metrics) *Breaker {
	return &Breaker{
		config:     cfg,
		profileFor: profileFor,
		logger:     logger,
		metrics:    m,
		circuits:   make(map[string]*circuit),
	}
}

// SetOnStateChange registers the transition hook. Must be called before
// the breaker is shared across goroutines.
func (b *Breaker) SetOnStateChange(hook StateChangeHook) {
	b.onStateChange = hook
}

// Allow asks for admission of a task of the given type. In HALF_OPEN it
// consumes the single probe slot; only the dispatcher should call it.
func (b *Breaker) Allow(agentType string, priority types.Priority) error {
	c := b.circuit(agentType)

	c.mu.Lock()
	trs := b.advance(c, time.Now())

	var err error
	switch c.state {
	case types.CircuitClosed:
		// admitted
	case types.CircuitOpen:
		b.metrics.RecordCircuitRejection(agentType, priority.String())
		err = errors.NewCircuitOpen(agentType, c.remainingCooldown(time.Now()))
	case types.CircuitHalfOpen:
		if c.probeInFlight {
			b.metrics.RecordCircuitRejection(agentType, priority.String())
			err = errors.NewCircuitOpen(agentType, c.probeTimeout)
		} else {
			c.probeInFlight = true
			c.probeStarted = time.Now()
		}
	}
	c.mu.Unlock()

	b.deliver(trs)
	return err
}

// Check reports whether a task of the given type would currently be
// admitted, without consuming the half-open probe slot. Used at submit
// time; the probe is consumed at dispatch.
func (b *Breaker) Check(agentType string, priority types.Priority) error {
	c := b.circuit(agentType)

	c.mu.Lock()
	trs := b.advance(c, time.Now())

	var err error
	if c.state == types.CircuitOpen {
		b.metrics.RecordCircuitRejection(agentType, priority.String())
		err = errors.NewCircuitOpen(agentType, c.remainingCooldown(time.Now()))
	}
	c.mu.Unlock()

	b.deliver(trs)
	return err
}

// RecordSuccess reports a successful execution for the agent type. A
// successful half-open probe closes the circuit and resets its window.
func (b *Breaker) RecordSuccess(agentType string) {
	c := b.circuit(agentType)
	now := time.Now()

	c.mu.Lock()
	trs := b.advance(c, now)

	switch c.state {
	case types.CircuitHalfOpen:
		c.probeInFlight = false
		c.failures = nil
		c.cooldown = b.config.BaseCooldown
		trs = append(trs, b.setState(c, types.CircuitClosed, now))
	case types.CircuitClosed:
		c.prune(now, b.config.WindowSize)
	}
	c.mu.Unlock()

	b.deliver(trs)
}

// RecordFailure reports a failed execution for the agent type. Failures
// in the sliding window beyond the priority's threshold open the
// circuit; a half-open probe failure re-opens it with doubled cooldown.
func (b *Breaker) RecordFailure(agentType string, priority types.Priority) {
	c := b.circuit(agentType)
	now := time.Now()

	c.mu.Lock()
	trs := b.advance(c, now)

	c.failures = append(c.failures, now)
	c.prune(now, b.config.WindowSize)

	switch c.state {
	case types.CircuitClosed:
		if len(c.failures) >= b.thresholdFor(priority) {
			c.openedAt = now
			trs = append(trs, b.setState(c, types.CircuitOpen, now))
		}
	case types.CircuitHalfOpen:
		c.probeInFlight = false
		c.cooldown = doubled(c.cooldown, b.config.MaxCooldown)
		c.openedAt = now
		trs = append(trs, b.setState(c, types.CircuitOpen, now))
	}
	c.mu.Unlock()

	b.deliver(trs)
}

// ForceOpen opens one circuit, or every known circuit when passed the
// ForceOpenAll sentinel. Used by the administrative surface and by
// emergency shutdown.
func (b *Breaker) ForceOpen(agentType string) {
	if agentType == ForceOpenAll {
		b.mu.RLock()
		all := make([]*circuit, 0, len(b.circuits))
		for _, c := range b.circuits {
			all = append(all, c)
		}
		b.mu.RUnlock()

		for _, c := range all {
			b.forceOpen(c)
		}
		return
	}

	b.forceOpen(b.circuit(agentType))
}

func (b *Breaker) forceOpen(c *circuit) {
	now := time.Now()

	c.mu.Lock()
	var trs []transition
	if c.state != types.CircuitOpen {
		c.probeInFlight = false
		c.openedAt = now
		trs = append(trs, b.setState(c, types.CircuitOpen, now))
	} else {
		c.openedAt = now
	}
	c.mu.Unlock()

	b.deliver(trs)
}

// FailureCount returns the agent type's failure count within the
// sliding window
func (b *Breaker) FailureCount(agentType string) int {
	c := b.circuit(agentType)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(time.Now(), b.config.WindowSize)
	return len(c.failures)
}

// State returns the agent type's current state, applying any pending
// lazy transition first
func (b *Breaker) State(agentType string) types.CircuitStateName {
	c := b.circuit(agentType)

	c.mu.Lock()
	trs := b.advance(c, time.Now())
	state := c.state
	c.mu.Unlock()

	b.deliver(trs)
	return state
}

// States returns a snapshot of every known circuit, sorted by agent type
func (b *Breaker) States() []types.CircuitSnapshot {
	b.mu.RLock()
	all := make([]*circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		all = append(all, c)
	}
	b.mu.RUnlock()

	now := time.Now()
	snapshots := make([]types.CircuitSnapshot, 0, len(all))
	var trs []transition

	for _, c := range all {
		c.mu.Lock()
		trs = append(trs, b.advance(c, now)...)
		c.prune(now, b.config.WindowSize)

		snapshot := types.CircuitSnapshot{
			AgentType:    c.agentType,
			State:        c.state,
			FailureCount: len(c.failures),
			Cooldown:     c.cooldown,
		}
		if c.state == types.CircuitOpen {
			openedAt := c.openedAt
			snapshot.OpenedAt = &openedAt
		}
		c.mu.Unlock()

		snapshots = append(snapshots, snapshot)
	}

	b.deliver(trs)

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].AgentType < snapshots[j].AgentType
	})
	return snapshots
}

// circuit returns the agent type's circuit, creating it CLOSED on first
// reference
func (b *Breaker) circuit(agentType string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[agentType]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok = b.circuits[agentType]; ok {
		return c
	}

	probeTimeout := b.config.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = b.profileFor(agentType).Timeout
	}

	c = &circuit{
		agentType:    agentType,
		state:        types.CircuitClosed,
		cooldown:     b.config.BaseCooldown,
		probeTimeout: probeTimeout,
	}
	b.circuits[agentType] = c
	b.metrics.UpdateCircuitState(agentType, string(types.CircuitClosed))
	return c
}

// advance applies lazy transitions due at now. Caller holds c.mu.
func (b *Breaker) advance(c *circuit, now time.Time) []transition {
	var trs []transition

	if c.state == types.CircuitOpen && now.Sub(c.openedAt) >= c.cooldown {
		c.probeInFlight = false
		trs = append(trs, b.setState(c, types.CircuitHalfOpen, now))
	}

	// A probe that never reported back within its bound counts as a
	// failed probe.
	if c.state == types.CircuitHalfOpen && c.probeInFlight && now.Sub(c.probeStarted) >= c.probeTimeout {
		c.probeInFlight = false
		c.cooldown = doubled(c.cooldown, b.config.MaxCooldown)
		c.openedAt = now
		trs = append(trs, b.setState(c, types.CircuitOpen, now))
	}

	return trs
}

// setState commits a transition and returns it for post-unlock hook
// delivery. Caller holds c.mu.
func (b *Breaker) setState(c *circuit, to types.CircuitStateName, now time.Time) transition {
	from := c.state
	c.state = to

	b.metrics.RecordCircuitTransition(c.agentType, string(to))
	b.metrics.UpdateCircuitState(c.agentType, string(to))

	return transition{agentType: c.agentType, from: from, to: to}
}

// deliver fires the state-change hook outside any circuit lock
func (b *Breaker) deliver(trs []transition) {
	for _, tr := range trs {
		b.logger.Info("Circuit state changed",
			"agent_type", tr.agentType,
			"from", string(tr.from),
			"to", string(tr.to),
		)
		if b.onStateChange != nil {
			b.onStateChange(tr.agentType, tr.from, tr.to)
		}
	}
}

func (b *Breaker) thresholdFor(priority types.Priority) int {
	switch priority {
	case types.PriorityCritical:
		return b.config.FailureThresholdCritical
	case types.PriorityHigh:
		return b.config.FailureThresholdHigh
	default:
		return b.config.FailureThreshold
	}
}

func (c *circuit) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = kept
}

func (c *circuit) remainingCooldown(now time.Time) time.Duration {
	remaining := c.cooldown - now.Sub(c.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func doubled(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
