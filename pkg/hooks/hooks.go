// Package hooks runs registered callbacks when kernel events fire
// (envelope sealed, gate violation, replay drift). The registry is built
// once at startup and owned by the kernel object; there is no global
// instance. Hooks observe, they never veto: a failing hook is logged,
// budgeted and eventually disabled, but the triggering operation has
// already committed.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// Kernel events hooks can subscribe to.
const (
	EventEnvelopeSealed  = "envelope.sealed"
	EventEnvelopeRevoked = "envelope.revoked"
	EventEnvelopeExpired = "envelope.expired"
	EventGateViolation   = "gate.violation"
	EventReplayDrift     = "replay.drift"
	EventSuitePromoted   = "suite.promoted"
)

// Event is what a hook receives.
type Event struct {
	Name    string
	At      time.Time
	Payload map[string]any
}

// Func is one hook callback. The context carries the hook's own timeout;
// a hook that outlives it is counted as failed.
type Func func(ctx context.Context, e Event) error

// DefaultTimeout bounds a hook invocation when none is configured.
const DefaultTimeout = 5 * time.Second

// DefaultErrorBudget is how many consecutive failures a hook survives.
const DefaultErrorBudget = 5

type hook struct {
	name     string
	priority int
	timeout  time.Duration
	fn       Func

	consecutiveFails int
	disabled         bool
}

// Registry maps events to ordered hook lists.
type Registry struct {
	mu     sync.Mutex
	hooks  map[string][]*hook
	budget int
	clock  kernelid.Clock
	logger *slog.Logger
}

// NewRegistry builds an empty registry with the default error budget.
func NewRegistry() *Registry {
	return &Registry{
		hooks:  make(map[string][]*hook),
		budget: DefaultErrorBudget,
		clock:  kernelid.Now,
		logger: slog.Default().With("component", "hooks"),
	}
}

// WithClock overrides the timestamp source.
func (r *Registry) WithClock(clock kernelid.Clock) *Registry {
	r.clock = clock
	return r
}

// WithErrorBudget overrides how many consecutive failures disable a hook.
func (r *Registry) WithErrorBudget(n int) *Registry {
	if n > 0 {
		r.budget = n
	}
	return r
}

// Register adds a hook for an event. Lower priority runs first; ties run
// in registration order. A zero timeout takes the default. Registration
// is a startup activity; registering twice under one name on the same
// event is an error.
func (r *Registry) Register(event, name string, priority int, timeout time.Duration, fn Func) error {
	if event == "" || name == "" {
		return fmt.Errorf("hooks: event and name are required")
	}
	if fn == nil {
		return fmt.Errorf("hooks: hook %s has no function", name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hooks[event] {
		if h.name == name {
			return fmt.Errorf("hooks: %s already registered for %s", name, event)
		}
	}
	r.hooks[event] = append(r.hooks[event], &hook{
		name:     name,
		priority: priority,
		timeout:  timeout,
		fn:       fn,
	})
	sort.SliceStable(r.hooks[event], func(i, j int) bool {
		return r.hooks[event][i].priority < r.hooks[event][j].priority
	})
	return nil
}

// Emit runs the hooks registered for event in priority order, each under
// its own timeout. Failures are contained: they count against the hook's
// budget and a hook that exhausts it is disabled until re-registration.
func (r *Registry) Emit(ctx context.Context, event string, payload map[string]any) {
	r.mu.Lock()
	list := make([]*hook, len(r.hooks[event]))
	copy(list, r.hooks[event])
	now := r.clock()
	r.mu.Unlock()

	e := Event{Name: event, At: now, Payload: payload}
	for _, h := range list {
		r.mu.Lock()
		disabled := h.disabled
		timeout := h.timeout
		r.mu.Unlock()
		if disabled {
			continue
		}

		err := runHook(ctx, h.fn, e, timeout)

		r.mu.Lock()
		if err != nil {
			h.consecutiveFails++
			fails := h.consecutiveFails
			exhausted := fails >= r.budget
			if exhausted {
				h.disabled = true
			}
			r.mu.Unlock()
			r.logger.Warn("hook failed",
				"hook", h.name, "event", event, "error", err, "consecutive", fails)
			if exhausted {
				r.logger.Error("hook disabled after exhausting error budget",
					"hook", h.name, "event", event, "budget", r.budget)
			}
			continue
		}
		h.consecutiveFails = 0
		r.mu.Unlock()
	}
}

// runHook invokes fn under its timeout, converting a deadline overrun
// into a failure even if fn never observes the context.
func runHook(ctx context.Context, fn Func, e Event, timeout time.Duration) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(hctx, e)
	}()
	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("hook timed out after %s", timeout)
	}
}

// Disabled reports whether the named hook on event has been disabled.
func (r *Registry) Disabled(event, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hooks[event] {
		if h.name == name {
			return h.disabled
		}
	}
	return false
}
