// Package registry holds the live set of backend model candidates. Profiles
// are upserted by the out-of-band health prober; the router only reads
// point-in-time snapshots and touches nothing but the in-flight counters.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oropendola/modelgate/internal/metrics"
)

// Health is the candidate's last observed health signal.
type Health string

const (
	HealthUp       Health = "up"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Profile is the fixed-shape candidate configuration, tagged by provider.
// Shape is validated at the registry boundary, not at use sites.
type Profile struct {
	ID            string        `yaml:"id" json:"id"`
	Provider      string        `yaml:"provider" json:"provider"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint"`
	Active        bool          `yaml:"active" json:"active"`
	CapacityScore float64       `yaml:"capacity_score" json:"capacity_score"` // 0-100
	CostPerUnit   float64       `yaml:"cost_per_unit" json:"cost_per_unit"`
	MaxConcurrent int64         `yaml:"max_concurrent" json:"max_concurrent"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	ContextWindow int           `yaml:"context_window" json:"context_window"`
}

// Candidate is a registered backend model instance. Profile fields are
// immutable after construction: a profile update publishes a fresh Candidate
// that shares the runtime state, so snapshot pointers held by in-flight
// requests keep a consistent view without locking. Health, latency, and the
// in-flight counter live in that shared state and are safe for concurrent
// access.
type Candidate struct {
	Profile

	state *candidateState
}

// candidateState is the mutable runtime state, shared across profile
// versions of the same candidate.
type candidateState struct {
	health  atomic.Value // Health
	latency *EWMA

	// inFlight counts active dispatch attempts. Incremented once per
	// attempt and decremented on every exit path.
	inFlight atomic.Int64
}

func newCandidate(p Profile) *Candidate {
	st := &candidateState{latency: NewEWMA(defaultLatencyAlpha)}
	st.health.Store(HealthUp)
	return &Candidate{Profile: p, state: st}
}

// withProfile publishes an updated profile under the same runtime state.
func (c *Candidate) withProfile(p Profile) *Candidate {
	return &Candidate{Profile: p, state: c.state}
}

// Health returns the last probe result.
func (c *Candidate) Health() Health {
	return c.state.health.Load().(Health)
}

// SetHealth records a probe result. Only the health prober writes this.
func (c *Candidate) SetHealth(h Health) {
	c.state.health.Store(h)
}

// AvgLatencyMs returns the exponentially smoothed latency in milliseconds.
func (c *Candidate) AvgLatencyMs() float64 {
	return c.state.latency.Value()
}

// ObserveLatency folds a new latency sample into the smoothed average.
// Fed by both the health prober and live dispatch results.
func (c *Candidate) ObserveLatency(ms float64) {
	c.state.latency.Add(ms)
}

// InFlight returns the current number of active dispatch attempts.
func (c *Candidate) InFlight() int64 {
	return c.state.inFlight.Load()
}

// BeginAttempt marks a dispatch attempt in flight.
func (c *Candidate) BeginAttempt() {
	c.state.inFlight.Add(1)
	metrics.CandidateInFlight.WithLabelValues(c.ID).Inc()
}

// EndAttempt marks a dispatch attempt finished, on any exit path.
func (c *Candidate) EndAttempt() {
	c.state.inFlight.Add(-1)
	metrics.CandidateInFlight.WithLabelValues(c.ID).Dec()
}

// AtCapacity reports whether the hard concurrency ceiling is reached.
// Zero MaxConcurrent means no ceiling.
func (c *Candidate) AtCapacity() bool {
	return c.MaxConcurrent > 0 && c.state.inFlight.Load() >= c.MaxConcurrent
}

const defaultLatencyAlpha = 0.1

// EWMA is an exponentially weighted moving average. Recent samples are
// weighted by alpha; higher alpha discounts history faster.
type EWMA struct {
	mu          sync.RWMutex
	alpha       float64
	value       float64
	initialized bool
}

// NewEWMA creates an EWMA with the given smoothing factor in (0, 1].
func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

// Add folds a new sample into the average.
func (e *EWMA) Add(sample float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		e.value = sample
		e.initialized = true
		return
	}
	e.value = e.alpha*sample + (1.0-e.alpha)*e.value
}

// Value returns the current average, zero before any sample.
func (e *EWMA) Value() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}
