package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a service level objective for one operation. The
// operation key is the HTTP route pattern for API surfaces or a bare
// name for background work ("export.sweep", "purge.run").
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // target rate, 0 to 1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 burns budget faster than the window allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker accumulates observations per operation and reports
// compliance against the registered targets.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates an empty tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// DefaultTargets returns the objectives for the kernel's hot paths. The
// gate check sits on the live request path of every prospect
// interaction, so its latency target is an order of magnitude tighter
// than the control-plane routes.
func DefaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-gate-check", Name: "Runtime gate check", Operation: "POST /v1/runtime-gate/check",
			LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-envelope-seal", Name: "Envelope seal", Operation: "POST /v1/envelopes/seal",
			LatencyP99: 250 * time.Millisecond, SuccessRate: 0.995, WindowHours: 24},
		{SLOID: "slo-envelope-verify", Name: "Envelope verify", Operation: "POST /v1/envelopes/verify",
			LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-replay-complete", Name: "Replay completion", Operation: "POST /v1/replay/complete",
			LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 24},
	}
}

// SetTarget registers or replaces the target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Operations lists the operations with registered targets, sorted.
func (t *SLOTracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Record stores an observation. Observations older than the operation's
// window are pruned on the way in so memory stays bounded.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	kept := append(t.observations[obs.Operation], obs)

	if target, ok := t.targets[obs.Operation]; ok && target.WindowHours > 0 {
		cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
		for len(kept) > 0 && !kept[0].Timestamp.After(cutoff) {
			kept = kept[1:]
		}
	}
	t.observations[obs.Operation] = kept
}

// Status computes current compliance for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:            target.SLOID,
			Operation:        operation,
			InCompliance:     true,
			ErrorBudgetLeft:  100.0,
			ObservationCount: 0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate
	inCompliance := latencyOK && successOK

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate

	var burnRate, budgetLeft float64
	switch {
	case errorBudget > 0:
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	case errorRate == 0:
		// A 100% target has no budget to burn; flawless is the only
		// compliant state.
		budgetLeft = 100.0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     inCompliance,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}

// StatusAll reports compliance for every registered operation.
func (t *SLOTracker) StatusAll() []*SLOStatus {
	statuses := make([]*SLOStatus, 0, len(t.Operations()))
	for _, op := range t.Operations() {
		status, err := t.Status(op)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}
