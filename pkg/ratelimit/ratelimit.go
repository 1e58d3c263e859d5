// Package ratelimit throttles sensitive reads (drill-downs, exports,
// bulk queries) per user and action. The shared implementation is a
// Redis token bucket so every kernel replica draws from one budget; a
// per-process fallback keeps single-node deployments working without
// Redis. Denials are recorded so unusual read pressure is visible later.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// Limiter answers whether one more action is inside the caller's budget.
type Limiter interface {
	Allow(ctx context.Context, userID, action string) (bool, error)
}

// Policy is a daily budget with a burst ceiling. Refill is continuous:
// PerDay tokens spread evenly over 24 hours, at most Burst banked.
type Policy struct {
	PerDay int
	Burst  int
}

// DefaultSensitivePolicy bounds drill-down style reads.
var DefaultSensitivePolicy = Policy{PerDay: 1000, Burst: 50}

func (p Policy) perSecond() float64 {
	if p.PerDay <= 0 {
		return 1
	}
	return float64(p.PerDay) / (24 * 60 * 60)
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

func bucketKey(userID, action string) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, action)
}

// InProcess is the single-node fallback limiter: one x/time/rate bucket
// per (user, action) pair, held in memory.
type InProcess struct {
	policy  Policy
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewInProcess builds the in-memory limiter.
func NewInProcess(policy Policy) *InProcess {
	return &InProcess{
		policy:  policy,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the pair's bucket without blocking.
func (l *InProcess) Allow(_ context.Context, userID, action string) (bool, error) {
	key := bucketKey(userID, action)
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.policy.perSecond()), l.policy.burst())
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow(), nil
}

// Recorder wraps a limiter and persists every denial to rate_limit_log.
// The write is best-effort: a logging failure never turns a denial into
// an allowance or an error.
type Recorder struct {
	inner  Limiter
	db     *sql.DB
	clock  kernelid.Clock
	newID  kernelid.Generator
	logger *slog.Logger
}

// NewRecorder builds the recording wrapper and ensures its table exists.
func NewRecorder(inner Limiter, db *sql.DB) (*Recorder, error) {
	r := &Recorder{
		inner:  inner,
		db:     db,
		clock:  kernelid.Now,
		newID:  kernelid.NewID,
		logger: slog.Default().With("component", "ratelimit"),
	}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("ratelimit: migrate: %w", err)
	}
	return r, nil
}

// WithClock overrides the timestamp source.
func (r *Recorder) WithClock(clock kernelid.Clock) *Recorder {
	r.clock = clock
	return r
}

// WithIDs overrides the identifier source.
func (r *Recorder) WithIDs(gen kernelid.Generator) *Recorder {
	r.newID = gen
	return r
}

func (r *Recorder) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS rate_limit_log (
		denial_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		denied_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_user ON rate_limit_log (user_id, denied_at);`
	_, err := r.db.Exec(query)
	return err
}

// Allow defers to the wrapped limiter and records denials.
func (r *Recorder) Allow(ctx context.Context, userID, action string) (bool, error) {
	allowed, err := r.inner.Allow(ctx, userID, action)
	if err != nil {
		return false, err
	}
	if allowed {
		return true, nil
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limit_log (denial_id, user_id, action, denied_at)
		VALUES ($1, $2, $3, $4)`,
		r.newID(), userID, action, fmtTime(r.clock())); err != nil {
		r.logger.Warn("denial not recorded", "user_id", userID, "action", action, "error", err)
	}
	return false, nil
}

// Denial is one recorded throttle event.
type Denial struct {
	DenialID string    `json:"denial_id"`
	UserID   string    `json:"user_id"`
	Action   string    `json:"action"`
	DeniedAt time.Time `json:"denied_at"`
}

// RecentDenials lists denials since the cutoff, newest first.
func (r *Recorder) RecentDenials(ctx context.Context, since time.Time, limit int) ([]Denial, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT denial_id, user_id, action, denied_at FROM rate_limit_log
		WHERE denied_at >= $1 ORDER BY denied_at DESC LIMIT $2`,
		fmtTime(since), limit)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("ratelimit: query denials: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []Denial
	for rows.Next() {
		var (
			d        Denial
			deniedAt string
		)
		if err := rows.Scan(&d.DenialID, &d.UserID, &d.Action, &deniedAt); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("ratelimit: scan denial: %w", err)}
		}
		d.DeniedAt = parseTime(deniedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
