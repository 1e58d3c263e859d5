// Package configkernel is the versioned runtime configuration store:
// namespaced keys holding JSON values, every write preserved as a new
// version, with snapshot, diff and rollback for operational control.
// Process bootstrap settings live in pkg/config; this store holds the
// knobs operators turn while the kernel runs.
package configkernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// Entry is one versioned configuration value. The active version is the
// one readers see; superseded versions stay queryable as history.
type Entry struct {
	EntryID   string          `json:"entry_id"`
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	DataType  string          `json:"data_type"`
	Version   int             `json:"version"`
	IsActive  bool            `json:"is_active"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the config kernel. Reads go through an in-process cache;
// writes are transactional, versioned and audited.
type Store struct {
	db     *sql.DB
	log    *audit.Log
	clock  kernelid.Clock
	newID  kernelid.Generator
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[string]*Entry
	schemas map[string]*jsonschema.Schema
}

// New builds the store and ensures its table exists.
func New(db *sql.DB, log *audit.Log) (*Store, error) {
	s := &Store{
		db:      db,
		log:     log,
		clock:   kernelid.Now,
		newID:   kernelid.NewID,
		logger:  slog.Default().With("component", "configkernel"),
		cache:   make(map[string]*Entry),
		schemas: make(map[string]*jsonschema.Schema),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("configkernel: migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(clock kernelid.Clock) *Store {
	s.clock = clock
	return s
}

// WithIDs overrides the identifier source.
func (s *Store) WithIDs(gen kernelid.Generator) *Store {
	s.newID = gen
	return s
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS config_entries (
		entry_id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		data_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_by TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (namespace, key, version)
	);
	CREATE INDEX IF NOT EXISTS idx_config_active ON config_entries (namespace, key, is_active);`
	_, err := s.db.Exec(query)
	return err
}

// RegisterSchema attaches a JSON Schema to one key. Later Sets of that
// key must validate or they are rejected. A schema that does not compile
// fails registration so a bad gate never silently admits values.
func (s *Store) RegisterSchema(namespace, key, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://upr.schemas.local/config/%s/%s.schema.json", namespace, key)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("configkernel: schema load for %s/%s: %w", namespace, key, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("configkernel: schema compile for %s/%s: %w", namespace, key, err)
	}
	s.mu.Lock()
	s.schemas[cacheKey(namespace, key)] = compiled
	s.mu.Unlock()
	return nil
}

// SetParams is one configuration write.
type SetParams struct {
	Namespace string
	Key       string
	Value     json.RawMessage
	UpdatedBy string
}

func (p *SetParams) validate() error {
	switch {
	case p.Namespace == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "namespace is required")
	case p.Key == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "key is required")
	case p.UpdatedBy == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "updated_by is required")
	case len(p.Value) == 0:
		return contracts.NewKernelError(contracts.CodeValidationFailed, "value is required")
	}
	return nil
}

// Set writes a value as a fresh version and deactivates the previous one.
// When a schema is registered for the key the value must satisfy it.
func (s *Store) Set(ctx context.Context, actor contracts.Actor, p SetParams) (*Entry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	dataType, decoded, err := classify(p.Value)
	if err != nil {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"value is not valid JSON: %v", err)
	}
	if schema := s.schemaFor(p.Namespace, p.Key); schema != nil {
		if err := schema.Validate(decoded); err != nil {
			return nil, contracts.NewKernelError(contracts.CodeValidationFailed,
				"value rejected by the registered schema").
				WithDetail("namespace", p.Namespace).
				WithDetail("key", p.Key).
				WithDetail("schema_error", err.Error())
		}
	}

	entry := &Entry{
		EntryID:   s.newID(),
		Namespace: p.Namespace,
		Key:       p.Key,
		Value:     append(json.RawMessage(nil), p.Value...),
		DataType:  dataType,
		IsActive:  true,
		UpdatedBy: p.UpdatedBy,
		UpdatedAt: s.clock(),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertVersionTx(ctx, tx, entry); err != nil {
			return err
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "config.set",
			TargetType: "config_entry",
			TargetID:   entry.Namespace + "/" + entry.Key,
			Success:    true,
			Metadata: map[string]any{
				"version":   entry.Version,
				"data_type": entry.DataType,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.cacheStore(entry)
	return entry, nil
}

// insertVersionTx assigns the next version, retires the active row and
// inserts the new one. Callers own the surrounding transaction.
func (s *Store) insertVersionTx(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	var maxVersion int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM config_entries
		WHERE namespace = $1 AND key = $2`,
		entry.Namespace, entry.Key).Scan(&maxVersion)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("configkernel: version lookup: %w", err)}
	}
	entry.Version = maxVersion + 1

	if _, err := tx.ExecContext(ctx, `
		UPDATE config_entries SET is_active = 0
		WHERE namespace = $1 AND key = $2 AND is_active = 1`,
		entry.Namespace, entry.Key); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("configkernel: retire active: %w", err)}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_entries (entry_id, namespace, key, value, data_type,
			version, is_active, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`,
		entry.EntryID, entry.Namespace, entry.Key, string(entry.Value),
		entry.DataType, entry.Version, entry.UpdatedBy,
		fmtTime(entry.UpdatedAt)); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("configkernel: insert version: %w", err)}
	}
	return nil
}

// EnsureDefault seeds a key only when it has no versions yet, so deploy
// scripts can run it repeatedly without clobbering operator changes.
func (s *Store) EnsureDefault(ctx context.Context, namespace, key string, value json.RawMessage) error {
	var existing int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM config_entries WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&existing)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("configkernel: default lookup: %w", err)}
	}
	if existing > 0 {
		return nil
	}
	_, err = s.Set(ctx, contracts.SystemActor, SetParams{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		UpdatedBy: contracts.SystemActor.ID,
	})
	return err
}

// Get returns the active value for one key, serving repeat reads from
// the cache.
func (s *Store) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	if cached := s.cacheLoad(namespace, key); cached != nil {
		return cached, nil
	}
	entry, err := s.getActive(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	s.cacheStore(entry)
	return entry, nil
}

func (s *Store) getActive(ctx context.Context, namespace, key string) (*Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM config_entries
		WHERE namespace = $1 AND key = $2 AND is_active = 1`,
		namespace, key))
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound,
			"no active config value for %s/%s", namespace, key)
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: read %s/%s: %w", namespace, key, err)}
	}
	return entry, nil
}

// GetNamespace returns every active entry in a namespace, ordered by key.
func (s *Store) GetNamespace(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM config_entries
		WHERE namespace = $1 AND is_active = 1
		ORDER BY key ASC`, namespace)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: read namespace %s: %w", namespace, err)}
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: scan entry: %w", err)}
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// GetMany resolves several keys of one namespace in a single pass.
// Missing keys are absent from the result, not errors.
func (s *Store) GetMany(ctx context.Context, namespace string, keys ...string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(keys))
	for _, key := range keys {
		entry, err := s.Get(ctx, namespace, key)
		if contracts.IsCode(err, contracts.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = *entry
	}
	return out, nil
}

// History returns every version of one key, newest first.
func (s *Store) History(ctx context.Context, namespace, key string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM config_entries
		WHERE namespace = $1 AND key = $2
		ORDER BY version DESC`, namespace, key)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: history %s/%s: %w", namespace, key, err)}
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: scan entry: %w", err)}
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// Delete deactivates a key without erasing its history. Reading a
// deleted key yields NOT_FOUND until a new Set revives it.
func (s *Store) Delete(ctx context.Context, actor contracts.Actor, namespace, key string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE config_entries SET is_active = 0
			WHERE namespace = $1 AND key = $2 AND is_active = 1`,
			namespace, key)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("configkernel: deactivate: %w", err)}
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("configkernel: rows affected: %w", err)}
		}
		if affected == 0 {
			return contracts.NewKernelErrorf(contracts.CodeNotFound,
				"no active config value for %s/%s", namespace, key)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "config.delete",
			TargetType: "config_entry",
			TargetID:   namespace + "/" + key,
			Success:    true,
		})
	})
	if err != nil {
		return err
	}
	s.cacheDrop(namespace, key)
	return nil
}

// Rollback re-applies an older version's value as a brand-new version,
// so the rollback itself is part of the history.
func (s *Store) Rollback(ctx context.Context, actor contracts.Actor, namespace, key string, version int) (*Entry, error) {
	target, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM config_entries
		WHERE namespace = $1 AND key = $2 AND version = $3`,
		namespace, key, version))
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound,
			"no version %d of %s/%s", version, namespace, key)
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: read version: %w", err)}
	}

	entry := &Entry{
		EntryID:   s.newID(),
		Namespace: namespace,
		Key:       key,
		Value:     target.Value,
		DataType:  target.DataType,
		IsActive:  true,
		UpdatedBy: actor.ID,
		UpdatedAt: s.clock(),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertVersionTx(ctx, tx, entry); err != nil {
			return err
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "config.rollback",
			TargetType: "config_entry",
			TargetID:   namespace + "/" + key,
			Success:    true,
			Metadata: map[string]any{
				"restored_version": version,
				"new_version":      entry.Version,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.cacheStore(entry)
	return entry, nil
}

// Snapshot captures the active entries of the given namespaces (all
// namespaces when none are named) in deterministic (namespace, key)
// order, with a canonical hash over the captured state.
func (s *Store) Snapshot(ctx context.Context, namespaces ...string) (*Snapshot, error) {
	query := `SELECT ` + entryColumns + ` FROM config_entries WHERE is_active = 1`
	args := make([]any, 0, len(namespaces))
	if len(namespaces) > 0 {
		placeholders := make([]string, len(namespaces))
		for i, ns := range namespaces {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, ns)
		}
		query += ` AND namespace IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY namespace ASC, key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: snapshot: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	snap := &Snapshot{TakenAt: s.clock()}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: scan entry: %w", err)}
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Namespace: entry.Namespace,
			Key:       entry.Key,
			Value:     entry.Value,
			DataType:  entry.DataType,
			Version:   entry.Version,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("configkernel: iterate snapshot: %w", err)}
	}
	if err := snap.seal(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshot is a point-in-time capture of active configuration.
type Snapshot struct {
	TakenAt time.Time       `json:"taken_at"`
	Entries []SnapshotEntry `json:"entries"`
	Hash    string          `json:"hash"`
}

// SnapshotEntry is one captured key.
type SnapshotEntry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	DataType  string          `json:"data_type"`
	Version   int             `json:"version"`
}

func (s *Snapshot) seal() error {
	hash, err := canonical.HashValue(s.Entries)
	if err != nil {
		return fmt.Errorf("configkernel: hash snapshot: %w", err)
	}
	s.Hash = hash
	return nil
}

// Diff is the outcome of validating a snapshot against live state.
// Missing keys exist in the snapshot but not live; Extra keys exist live
// but not in the snapshot; Changed keys differ in value or version.
type Diff struct {
	Missing []string `json:"missing"`
	Extra   []string `json:"extra"`
	Changed []string `json:"changed"`
}

// Clean reports whether live state matches the snapshot exactly.
func (d *Diff) Clean() bool {
	return len(d.Missing) == 0 && len(d.Extra) == 0 && len(d.Changed) == 0
}

// ValidateSnapshot compares a snapshot against current active state for
// the namespaces it covers.
func (s *Store) ValidateSnapshot(ctx context.Context, snap *Snapshot) (*Diff, error) {
	if snap == nil {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "snapshot is required")
	}
	namespaces := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, e := range snap.Entries {
		if !seen[e.Namespace] {
			seen[e.Namespace] = true
			namespaces = append(namespaces, e.Namespace)
		}
	}
	live, err := s.Snapshot(ctx, namespaces...)
	if err != nil {
		return nil, err
	}

	wantByKey := make(map[string]SnapshotEntry, len(snap.Entries))
	for _, e := range snap.Entries {
		wantByKey[e.Namespace+"/"+e.Key] = e
	}
	liveByKey := make(map[string]SnapshotEntry, len(live.Entries))
	for _, e := range live.Entries {
		liveByKey[e.Namespace+"/"+e.Key] = e
	}

	diff := &Diff{}
	for key, want := range wantByKey {
		got, ok := liveByKey[key]
		if !ok {
			diff.Missing = append(diff.Missing, key)
			continue
		}
		if got.Version != want.Version || !sameValue(got.Value, want.Value) {
			diff.Changed = append(diff.Changed, key)
		}
	}
	for key := range liveByKey {
		if _, ok := wantByKey[key]; !ok {
			diff.Extra = append(diff.Extra, key)
		}
	}
	sort.Strings(diff.Missing)
	sort.Strings(diff.Extra)
	sort.Strings(diff.Changed)
	return diff, nil
}

// Reload empties the read cache so the next reads hit the database.
func (s *Store) Reload() {
	s.mu.Lock()
	s.cache = make(map[string]*Entry)
	s.mu.Unlock()
	s.logger.Info("config cache invalidated")
}

// Bool reads one key as a boolean.
func (s *Store) Bool(ctx context.Context, namespace, key string) (bool, error) {
	var v bool
	err := s.decode(ctx, namespace, key, &v)
	return v, err
}

// String reads one key as a string.
func (s *Store) String(ctx context.Context, namespace, key string) (string, error) {
	var v string
	err := s.decode(ctx, namespace, key, &v)
	return v, err
}

// Int reads one key as an integer.
func (s *Store) Int(ctx context.Context, namespace, key string) (int, error) {
	var v int
	err := s.decode(ctx, namespace, key, &v)
	return v, err
}

// Float reads one key as a float.
func (s *Store) Float(ctx context.Context, namespace, key string) (float64, error) {
	var v float64
	err := s.decode(ctx, namespace, key, &v)
	return v, err
}

func (s *Store) decode(ctx context.Context, namespace, key string, dst any) error {
	entry, err := s.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, dst); err != nil {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"config value %s/%s does not decode as %T", namespace, key, dst)
	}
	return nil
}

func (s *Store) schemaFor(namespace, key string) *jsonschema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[cacheKey(namespace, key)]
}

func (s *Store) cacheLoad(namespace, key string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[cacheKey(namespace, key)]
}

func (s *Store) cacheStore(entry *Entry) {
	s.mu.Lock()
	s.cache[cacheKey(entry.Namespace, entry.Key)] = entry
	s.mu.Unlock()
}

func (s *Store) cacheDrop(namespace, key string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(namespace, key))
	s.mu.Unlock()
}

func cacheKey(namespace, key string) string {
	return namespace + "/" + key
}

// classify infers the data_type column from the JSON value itself.
func classify(raw json.RawMessage) (string, any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", nil, err
	}
	switch v.(type) {
	case string:
		return "string", v, nil
	case float64:
		return "number", v, nil
	case bool:
		return "boolean", v, nil
	case map[string]any:
		return "object", v, nil
	case []any:
		return "array", v, nil
	default:
		return "null", v, nil
	}
}

func sameValue(a, b json.RawMessage) bool {
	ah, errA := canonical.HashValue(json.RawMessage(a))
	bh, errB := canonical.HashValue(json.RawMessage(b))
	if errA != nil || errB != nil {
		return string(a) == string(b)
	}
	return ah == bh
}

const entryColumns = `entry_id, namespace, key, value, data_type, version,
	is_active, updated_by, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry     Entry
		value     string
		isActive  int
		updatedAt string
	)
	err := row.Scan(&entry.EntryID, &entry.Namespace, &entry.Key, &value,
		&entry.DataType, &entry.Version, &isActive, &entry.UpdatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}
	entry.Value = json.RawMessage(value)
	entry.IsActive = isActive != 0
	entry.UpdatedAt = parseTime(updatedAt)
	return &entry, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("configkernel: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("configkernel: commit: %w", err)}
	}
	return nil
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
