// Package export builds evidence bundles from the audit log and the
// interaction trace and parks them in content-addressed object storage.
// Requests are rows in export_requests; a worker drains PENDING rows,
// serializes the matching records as canonical JSON and records the
// resulting object key and bundle hash. Bundles never change after the
// request completes, so the hash is enough to prove what was handed out.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/trace"
)

// Kinds of exportable record streams.
const (
	KindAudit        = "audit"
	KindInteractions = "interactions"
)

// Request states.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// defaultRecordLimit caps a bundle when the request does not set one.
const defaultRecordLimit = 10000

// Filters narrows which records land in the bundle. Fields apply to the
// stream they make sense for; the rest are ignored.
type Filters struct {
	ActorID      string     `json:"actor_id,omitempty"`
	Action       string     `json:"action,omitempty"`
	TargetType   string     `json:"target_type,omitempty"`
	TargetID     string     `json:"target_id,omitempty"`
	EnterpriseID string     `json:"enterprise_id,omitempty"`
	TenantID     string     `json:"tenant_id,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

func (f Filters) auditFilter() audit.Filter {
	return audit.Filter{
		ActorID:      f.ActorID,
		Action:       f.Action,
		TargetType:   f.TargetType,
		TargetID:     f.TargetID,
		EnterpriseID: f.EnterpriseID,
		Since:        f.Since,
		Until:        f.Until,
		Limit:        f.limit(),
	}
}

func (f Filters) traceFilter() trace.Filter {
	tf := trace.Filter{TenantID: f.TenantID, Limit: f.limit()}
	if f.Since != nil {
		tf.Since = *f.Since
	}
	if f.Until != nil {
		tf.Until = *f.Until
	}
	return tf
}

func (f Filters) limit() int {
	if f.Limit <= 0 || f.Limit > defaultRecordLimit {
		return defaultRecordLimit
	}
	return f.Limit
}

// Request is one export, from creation through bundle delivery.
type Request struct {
	RequestID     string     `json:"request_id"`
	RequestedBy   string     `json:"requested_by"`
	Kind          string     `json:"kind"`
	Filters       Filters    `json:"filters"`
	Status        string     `json:"status"`
	ObjectKey     string     `json:"object_key,omitempty"`
	BundleHash    string     `json:"bundle_hash,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Bundle is the serialized payload stored for a completed request. It is
// marshaled canonically, so the stored bytes and the hash are reproducible
// from the same records.
type Bundle struct {
	Kind        string  `json:"kind"`
	RequestID   string  `json:"request_id"`
	GeneratedAt string  `json:"generated_at"`
	Filters     Filters `json:"filters"`
	RecordCount int     `json:"record_count"`
	Records     any     `json:"records"`
}

// AuditSource supplies audit entries for bundles. *audit.Log satisfies it.
type AuditSource interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// InteractionSource supplies interaction rows for bundles.
// *trace.Recorder satisfies it.
type InteractionSource interface {
	List(ctx context.Context, f trace.Filter) ([]contracts.Interaction, error)
}

// Service owns export_requests and drives bundle construction.
type Service struct {
	db           *sql.DB
	log          *audit.Log
	store        ObjectStore
	audits       AuditSource
	interactions InteractionSource
	clock        kernelid.Clock
	newID        kernelid.Generator
	logger       *slog.Logger

	// sweepMu keeps concurrent ProcessPending passes from double-building.
	sweepMu sync.Mutex
}

// New builds the service and ensures its table exists.
func New(db *sql.DB, log *audit.Log, store ObjectStore, audits AuditSource, interactions InteractionSource) (*Service, error) {
	s := &Service{
		db:           db,
		log:          log,
		store:        store,
		audits:       audits,
		interactions: interactions,
		clock:        kernelid.Now,
		newID:        kernelid.NewID,
		logger:       slog.Default().With("component", "export"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("export: migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the timestamp source.
func (s *Service) WithClock(clock kernelid.Clock) *Service {
	s.clock = clock
	return s
}

// WithIDs overrides the identifier source.
func (s *Service) WithIDs(gen kernelid.Generator) *Service {
	s.newID = gen
	return s
}

func (s *Service) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS export_requests (
		request_id TEXT PRIMARY KEY,
		requested_by TEXT NOT NULL,
		kind TEXT NOT NULL,
		filters JSON NOT NULL,
		status TEXT NOT NULL,
		object_key TEXT,
		bundle_hash TEXT,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_export_status ON export_requests (status, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create registers a PENDING export request. The bundle is built later by
// Process or a ProcessPending sweep.
func (s *Service) Create(ctx context.Context, actor contracts.Actor, kind string, f Filters) (*Request, error) {
	if actor.ID == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "actor is required")
	}
	if kind != KindAudit && kind != KindInteractions {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"kind must be %q or %q", KindAudit, KindInteractions).
			WithDetail("kind", kind)
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "until precedes since")
	}

	req := &Request{
		RequestID:   s.newID(),
		RequestedBy: actor.ID,
		Kind:        kind,
		Filters:     f,
		Status:      StatusPending,
		CreatedAt:   s.clock(),
	}
	filtersJSON, err := json.Marshal(f)
	if err != nil {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "filters: %v", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO export_requests (
				request_id, requested_by, kind, filters, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6)`,
			req.RequestID, req.RequestedBy, req.Kind, string(filtersJSON),
			req.Status, fmtTime(req.CreatedAt))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("export: insert request: %w", err)}
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "export.create",
			TargetType: "export_request",
			TargetID:   req.RequestID,
			Success:    true,
			Metadata:   map[string]any{"kind": kind},
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Process builds the bundle for one PENDING request, stores it and marks
// the request COMPLETED. A source or storage failure marks it FAILED and
// returns the underlying error; the request does not return to PENDING.
func (s *Service) Process(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, contracts.NewKernelErrorf(contracts.CodeInvalidStatus,
			"export %s is %s, not PENDING", req.RequestID, req.Status)
	}

	key, hash, count, buildErr := s.build(ctx, req)
	now := s.clock()
	if buildErr != nil {
		if err := s.finish(ctx, req, now, func(r *Request) {
			r.Status = StatusFailed
			r.FailureReason = buildErr.Error()
		}, map[string]any{"kind": req.Kind}, false, buildErr.Error()); err != nil {
			return nil, err
		}
		return req, buildErr
	}

	err = s.finish(ctx, req, now, func(r *Request) {
		r.Status = StatusCompleted
		r.ObjectKey = key
		r.BundleHash = hash
	}, map[string]any{
		"kind":         req.Kind,
		"record_count": count,
		"object_key":   key,
		"bundle_hash":  hash,
	}, true, "")
	if err != nil {
		return nil, err
	}
	return req, nil
}

// build assembles and stores the bundle, returning its key, hash and
// record count.
func (s *Service) build(ctx context.Context, req *Request) (key, hash string, count int, err error) {
	var records any
	switch req.Kind {
	case KindAudit:
		entries, qerr := s.audits.Query(ctx, req.Filters.auditFilter())
		if qerr != nil {
			return "", "", 0, qerr
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		records, count = entries, len(entries)
	case KindInteractions:
		rows, lerr := s.interactions.List(ctx, req.Filters.traceFilter())
		if lerr != nil {
			return "", "", 0, lerr
		}
		if rows == nil {
			rows = []contracts.Interaction{}
		}
		records, count = rows, len(rows)
	default:
		return "", "", 0, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"unknown export kind %q", req.Kind)
	}

	bundle := Bundle{
		Kind:        req.Kind,
		RequestID:   req.RequestID,
		GeneratedAt: canonical.FormatTime(s.clock()),
		Filters:     req.Filters,
		RecordCount: count,
		Records:     records,
	}
	data, err := canonical.Marshal(bundle)
	if err != nil {
		return "", "", 0, fmt.Errorf("export: marshal bundle: %w", err)
	}
	key, hash, err = s.store.Store(ctx, data)
	if err != nil {
		return "", "", 0, err
	}
	return key, hash, count, nil
}

// finish applies the terminal state and audits the outcome in one
// transaction.
func (s *Service) finish(ctx context.Context, req *Request, now time.Time,
	apply func(*Request), meta map[string]any, success bool, reason string) error {
	apply(req)
	req.CompletedAt = &now
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE export_requests
			SET status = $1, object_key = $2, bundle_hash = $3,
				failure_reason = $4, completed_at = $5
			WHERE request_id = $6 AND status = $7`,
			req.Status, nullIfEmpty(req.ObjectKey), nullIfEmpty(req.BundleHash),
			nullIfEmpty(req.FailureReason), fmtTime(now), req.RequestID, StatusPending)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("export: finish: %w", err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("export: finish: %w", err)}
		}
		if n == 0 {
			return contracts.NewKernelErrorf(contracts.CodeInvalidStatus,
				"export %s already finished", req.RequestID)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    contracts.SystemActor.ID,
			ActorRole:  contracts.SystemActor.Role,
			Action:     "export.complete",
			TargetType: "export_request",
			TargetID:   req.RequestID,
			Success:    success,
			Reason:     reason,
			Metadata:   meta,
		})
	})
}

// ProcessPending builds every PENDING request, oldest first, and returns
// how many completed. Failures are marked on their rows and logged; the
// sweep keeps going.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id FROM export_requests
		WHERE status = $1 ORDER BY created_at ASC`, StatusPending)
	if err != nil {
		return 0, &contracts.Retryable{Err: fmt.Errorf("export: list pending: %w", err)}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, &contracts.Retryable{Err: fmt.Errorf("export: scan pending: %w", err)}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, &contracts.Retryable{Err: err}
	}
	_ = rows.Close()

	done := 0
	for _, id := range ids {
		if _, err := s.Process(ctx, id); err != nil {
			s.logger.Warn("export failed", "request_id", id, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// Get loads one request by id.
func (s *Service) Get(ctx context.Context, requestID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM export_requests WHERE request_id = $1`, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "no export request %s", requestID)
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("export: get: %w", err)}
	}
	return req, nil
}

// List returns requests newest first. The default limit is 100.
func (s *Service) List(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM export_requests ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("export: list: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("export: scan: %w", err)}
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// Download fetches a completed bundle and verifies its stored bytes still
// hash to the recorded bundle hash.
func (s *Service) Download(ctx context.Context, requestID string) ([]byte, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusCompleted {
		return nil, contracts.NewKernelErrorf(contracts.CodeInvalidStatus,
			"export %s is %s, not COMPLETED", req.RequestID, req.Status)
	}
	data, err := s.store.Get(ctx, req.ObjectKey)
	if err != nil {
		return nil, err
	}
	if got := canonical.Hash(data); got != req.BundleHash {
		return nil, contracts.NewKernelErrorf(contracts.CodeInternal,
			"export %s bundle hash mismatch", req.RequestID).
			WithDetail("expected", req.BundleHash).
			WithDetail("actual", got)
	}
	return data, nil
}

const requestColumns = `request_id, requested_by, kind, filters, status,
	object_key, bundle_hash, failure_reason, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req                     Request
		filtersJSON             string
		objectKey, hash, reason sql.NullString
		createdAt               string
		completedAt             sql.NullString
	)
	if err := row.Scan(&req.RequestID, &req.RequestedBy, &req.Kind, &filtersJSON,
		&req.Status, &objectKey, &hash, &reason, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(filtersJSON), &req.Filters)
	req.ObjectKey = objectKey.String
	req.BundleHash = hash.String
	req.FailureReason = reason.String
	req.CreatedAt = parseTime(createdAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		req.CompletedAt = &t
	}
	return &req, nil
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("export: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("export: commit: %w", err)}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
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
