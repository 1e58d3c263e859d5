package governance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/events"
	"github.com/uaesivakumar/upr-authority/pkg/hooks"
)

// CreateSuiteParams names a new suite. SuiteKey must be unique across all
// suites; BaseSuiteKey groups versions and defaults to SuiteKey.
type CreateSuiteParams struct {
	SuiteKey     string
	BaseSuiteKey string
	Name         string
	CreatedBy    string
}

// CreateSuite registers a new DRAFT suite at version 1.
func (s *Service) CreateSuite(ctx context.Context, actor contracts.Actor, p CreateSuiteParams) (*contracts.Suite, error) {
	switch {
	case p.SuiteKey == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "suite_key is required")
	case p.Name == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "name is required")
	case p.CreatedBy == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "created_by is required")
	}
	base := p.BaseSuiteKey
	if base == "" {
		base = p.SuiteKey
	}

	suite := &contracts.Suite{
		SuiteID:      s.newID(),
		SuiteKey:     p.SuiteKey,
		BaseSuiteKey: base,
		Version:      1,
		Name:         p.Name,
		Status:       contracts.SuiteDraft,
		CreatedAt:    s.clock(),
		CreatedBy:    p.CreatedBy,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM suites WHERE base_suite_key = $1`,
			base).Scan(&version)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: next version: %w", err)}
		}
		suite.Version = version

		_, err = tx.ExecContext(ctx, `
			INSERT INTO suites (suite_id, suite_key, base_suite_key, version, name,
				status, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			suite.SuiteID, suite.SuiteKey, suite.BaseSuiteKey, suite.Version,
			suite.Name, string(suite.Status), fmtTime(suite.CreatedAt), suite.CreatedBy)
		if err != nil {
			if isUniqueViolation(err) {
				return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
					"suite_key %s already exists", suite.SuiteKey)
			}
			return &contracts.Retryable{Err: fmt.Errorf("governance: insert suite: %w", err)}
		}
		if err := s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "suite.create",
			TargetType: "suite",
			TargetID:   suite.SuiteID,
			Success:    true,
			Metadata:   map[string]any{"suite_key": suite.SuiteKey, "version": suite.Version},
		}); err != nil {
			return err
		}
		return s.events.Record(ctx, tx, &events.Event{
			EventType: "suite.created",
			SuiteID:   suite.SuiteID,
			ActorID:   actor.ID,
			Payload:   map[string]any{"suite_key": suite.SuiteKey, "version": suite.Version},
		})
	})
	if err != nil {
		return nil, err
	}
	return suite, nil
}

// AddScenarioParams describes one scenario to append to a DRAFT suite.
type AddScenarioParams struct {
	SuiteID string
	Kind    contracts.ScenarioKind
	Title   string
	Payload string
}

// AddScenario appends a scenario to an unfrozen DRAFT suite. The scenario
// hash pins the payload; a payload already present in the suite is a
// duplicate and rejected.
func (s *Service) AddScenario(ctx context.Context, actor contracts.Actor, p AddScenarioParams) (*contracts.SuiteScenario, error) {
	switch {
	case p.SuiteID == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "suite_id is required")
	case p.Kind != contracts.ScenarioGolden && p.Kind != contracts.ScenarioKill:
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "unknown scenario kind %q", p.Kind)
	case p.Title == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "title is required")
	case p.Payload == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "payload is required")
	}

	scenario := &contracts.SuiteScenario{
		ScenarioID:   s.newID(),
		SuiteID:      p.SuiteID,
		Kind:         p.Kind,
		Title:        p.Title,
		Payload:      p.Payload,
		ScenarioHash: canonical.Hash([]byte(p.Payload)),
		CreatedAt:    s.clock(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		suite, err := s.getSuiteTx(ctx, tx, p.SuiteID)
		if err != nil {
			return err
		}
		if suite.IsFrozen {
			return invalidStatus(string(suite.Status),
				"suite is frozen; scenarios are immutable", "create-version")
		}
		if suite.Status != contracts.SuiteDraft {
			return invalidStatus(string(suite.Status), "scenarios can only be added to a DRAFT suite", "create-version")
		}

		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence_order), 0) + 1 FROM suite_scenarios WHERE suite_id = $1`,
			p.SuiteID).Scan(&scenario.SequenceOrder)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: next sequence: %w", err)}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO suite_scenarios (scenario_id, suite_id, kind, sequence_order,
				title, payload, scenario_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			scenario.ScenarioID, scenario.SuiteID, string(scenario.Kind),
			scenario.SequenceOrder, scenario.Title, scenario.Payload,
			scenario.ScenarioHash, fmtTime(scenario.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return contracts.NewKernelError(contracts.CodeDuplicateScenario,
					"an identical scenario payload already exists in this suite").
					WithDetail("scenario_hash", scenario.ScenarioHash)
			}
			return &contracts.Retryable{Err: fmt.Errorf("governance: insert scenario: %w", err)}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE suites SET scenario_count = scenario_count + 1 WHERE suite_id = $1`,
			p.SuiteID); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: bump count: %w", err)}
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "suite.add_scenario",
			TargetType: "suite_scenario",
			TargetID:   scenario.ScenarioID,
			Success:    true,
			Metadata:   map[string]any{"suite_id": p.SuiteID, "kind": string(p.Kind)},
		})
	})
	if err != nil {
		return nil, err
	}
	return scenario, nil
}

// Freeze makes a DRAFT suite's scenarios immutable and pins the manifest
// hash over its ordered (scenario_id, scenario_hash) pairs. A frozen suite
// is eligible for system validation.
func (s *Service) Freeze(ctx context.Context, actor contracts.Actor, suiteID string) (*contracts.Suite, error) {
	var suite *contracts.Suite
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		suite, err = s.getSuiteTx(ctx, tx, suiteID)
		if err != nil {
			return err
		}
		if suite.IsFrozen {
			return invalidStatus(string(suite.Status), "suite is already frozen", "run-system-validation")
		}
		if suite.Status != contracts.SuiteDraft {
			return invalidStatus(string(suite.Status), "only a DRAFT suite can be frozen", "create-version")
		}

		scenarios, err := s.scenariosTx(ctx, tx, suiteID)
		if err != nil {
			return err
		}
		if len(scenarios) == 0 {
			return contracts.NewKernelError(contracts.CodeValidationFailed,
				"cannot freeze a suite with no scenarios")
		}

		// Manifest hash covers the materialized set, not any manifest
		// file: ordered (scenario_id, scenario_hash) pairs.
		pairs := make([][2]string, len(scenarios))
		seen := make(map[string]bool, len(scenarios))
		for i, sc := range scenarios {
			if seen[sc.ScenarioHash] {
				return contracts.NewKernelError(contracts.CodeDuplicateScenario,
					"duplicate scenario payload found at freeze").
					WithDetail("scenario_hash", sc.ScenarioHash)
			}
			seen[sc.ScenarioHash] = true
			pairs[i] = [2]string{sc.ScenarioID, sc.ScenarioHash}
		}
		manifestHash, err := canonical.HashValue(pairs)
		if err != nil {
			return fmt.Errorf("governance: manifest hash: %w", err)
		}

		now := s.clock()
		if _, err := tx.ExecContext(ctx, `
			UPDATE suites SET is_frozen = 1, scenario_manifest_hash = $1,
				scenario_count = $2, frozen_at = $3
			WHERE suite_id = $4`,
			manifestHash, len(scenarios), fmtTime(now), suiteID); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: freeze: %w", err)}
		}
		suite.IsFrozen = true
		suite.ScenarioManifestHash = manifestHash
		suite.ScenarioCount = len(scenarios)
		suite.FrozenAt = &now

		if err := s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "suite.freeze",
			TargetType: "suite",
			TargetID:   suiteID,
			Success:    true,
			Metadata: map[string]any{
				"scenario_manifest_hash": manifestHash,
				"scenario_count":         len(scenarios),
			},
		}); err != nil {
			return err
		}
		return s.events.Record(ctx, tx, &events.Event{
			EventType: "suite.frozen",
			SuiteID:   suiteID,
			ActorID:   actor.ID,
			Payload:   map[string]any{"scenario_manifest_hash": manifestHash},
		})
	})
	if err != nil {
		return nil, err
	}
	return suite, nil
}

// Deprecate retires a suite from any state. A reason is mandatory: the
// event log must say why a suite left circulation.
func (s *Service) Deprecate(ctx context.Context, actor contracts.Actor, suiteID, reason string) (*contracts.Suite, error) {
	if reason == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "a deprecation reason is required")
	}
	var suite *contracts.Suite
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		suite, err = s.getSuiteTx(ctx, tx, suiteID)
		if err != nil {
			return err
		}
		if suite.Status == contracts.SuiteDeprecated {
			return invalidStatus(string(suite.Status), "suite is already deprecated", "create-version")
		}
		now := s.clock()
		if _, err := tx.ExecContext(ctx, `
			UPDATE suites SET deprecated_at = $1, deprecated_reason = $2 WHERE suite_id = $3`,
			fmtTime(now), reason, suiteID); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: deprecate: %w", err)}
		}
		suite.DeprecatedAt = &now
		suite.DeprecatedReason = reason
		return s.transition(ctx, tx, actor, suite, contracts.SuiteDeprecated, reason)
	})
	if err != nil {
		return nil, err
	}
	return suite, nil
}

// CreateVersion clones a suite's scenarios into the next version under the
// same base_suite_key. The clone starts DRAFT and unfrozen so scenarios
// can be revised before freezing again.
func (s *Service) CreateVersion(ctx context.Context, actor contracts.Actor, sourceSuiteID, createdBy string) (*contracts.Suite, error) {
	if createdBy == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "created_by is required")
	}
	var clone *contracts.Suite
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		source, err := s.getSuiteTx(ctx, tx, sourceSuiteID)
		if err != nil {
			return err
		}

		var version int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM suites WHERE base_suite_key = $1`,
			source.BaseSuiteKey).Scan(&version)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: next version: %w", err)}
		}

		now := s.clock()
		clone = &contracts.Suite{
			SuiteID:      s.newID(),
			SuiteKey:     fmt.Sprintf("%s.v%d", source.BaseSuiteKey, version),
			BaseSuiteKey: source.BaseSuiteKey,
			Version:      version,
			Name:         source.Name,
			Status:       contracts.SuiteDraft,
			CreatedAt:    now,
			CreatedBy:    createdBy,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO suites (suite_id, suite_key, base_suite_key, version, name,
				status, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			clone.SuiteID, clone.SuiteKey, clone.BaseSuiteKey, clone.Version,
			clone.Name, string(clone.Status), fmtTime(clone.CreatedAt), clone.CreatedBy)
		if err != nil {
			if isUniqueViolation(err) {
				return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
					"suite_key %s already exists", clone.SuiteKey)
			}
			return &contracts.Retryable{Err: fmt.Errorf("governance: insert version: %w", err)}
		}

		scenarios, err := s.scenariosTx(ctx, tx, sourceSuiteID)
		if err != nil {
			return err
		}
		for _, sc := range scenarios {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO suite_scenarios (scenario_id, suite_id, kind, sequence_order,
					title, payload, scenario_hash, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				s.newID(), clone.SuiteID, string(sc.Kind), sc.SequenceOrder,
				sc.Title, sc.Payload, sc.ScenarioHash, fmtTime(now)); err != nil {
				return &contracts.Retryable{Err: fmt.Errorf("governance: clone scenario: %w", err)}
			}
		}
		clone.ScenarioCount = len(scenarios)
		if _, err := tx.ExecContext(ctx,
			`UPDATE suites SET scenario_count = $1 WHERE suite_id = $2`,
			len(scenarios), clone.SuiteID); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: set count: %w", err)}
		}

		if err := s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "suite.create_version",
			TargetType: "suite",
			TargetID:   clone.SuiteID,
			Success:    true,
			Metadata: map[string]any{
				"source_suite_id": sourceSuiteID,
				"base_suite_key":  clone.BaseSuiteKey,
				"version":         version,
			},
		}); err != nil {
			return err
		}
		return s.events.Record(ctx, tx, &events.Event{
			EventType: "suite.version_created",
			SuiteID:   clone.SuiteID,
			ActorID:   actor.ID,
			Payload: map[string]any{
				"source_suite_id": sourceSuiteID,
				"version":         version,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// ApproveForGA grants final production approval. Only a CALIBRATION_ADMIN
// may approve, and only a HUMAN_VALIDATED suite is eligible.
func (s *Service) ApproveForGA(ctx context.Context, actor contracts.Actor, suiteID string) (*contracts.Suite, error) {
	if !actor.CanApproveGA() {
		return nil, contracts.NewKernelErrorf(contracts.CodeForbidden,
			"ga approval requires the %s role", contracts.RoleCalibrationAdmin)
	}
	var suite *contracts.Suite
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		suite, err = s.getSuiteTx(ctx, tx, suiteID)
		if err != nil {
			return err
		}
		if suite.Status != contracts.SuiteHumanValidated {
			return invalidStatus(string(suite.Status),
				"only a HUMAN_VALIDATED suite can be approved for GA", "start-human-calibration")
		}
		return s.transition(ctx, tx, actor, suite, contracts.SuiteGAApproved, "")
	})
	if err != nil {
		return nil, err
	}
	if s.emitter != nil {
		s.emitter.Emit(ctx, hooks.EventSuitePromoted, map[string]any{
			"suite_id":  suite.SuiteID,
			"suite_key": suite.SuiteKey,
			"status":    string(contracts.SuiteGAApproved),
		})
	}
	return suite, nil
}

// GetSuite loads one suite by id.
func (s *Service) GetSuite(ctx context.Context, suiteID string) (*contracts.Suite, error) {
	return s.getSuiteTx(ctx, nil, suiteID)
}

// SuiteFilter narrows ListSuites. Zero values mean "any".
type SuiteFilter struct {
	Status       contracts.SuiteStatus
	BaseSuiteKey string
	Limit        int
}

// ListSuites returns matching suites newest first.
func (s *Service) ListSuites(ctx context.Context, f SuiteFilter) ([]contracts.Suite, error) {
	query := `SELECT ` + suiteColumns + ` FROM suites WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if f.BaseSuiteKey != "" {
		add("base_suite_key =", f.BaseSuiteKey)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: list suites: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Suite
	for rows.Next() {
		suite, err := scanSuite(rows)
		if err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan suite: %w", err)}
		}
		out = append(out, *suite)
	}
	return out, rows.Err()
}

// Scenarios returns a suite's scenarios in sequence order.
func (s *Service) Scenarios(ctx context.Context, suiteID string) ([]contracts.SuiteScenario, error) {
	return s.scenariosTx(ctx, nil, suiteID)
}

// StatusHistory returns a suite's transitions oldest first.
func (s *Service) StatusHistory(ctx context.Context, suiteID string) ([]SuiteTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transition_id, suite_id, from_status, to_status, reason, actor_id, occurred_at
		FROM suite_status WHERE suite_id = $1 ORDER BY occurred_at ASC`, suiteID)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: status history: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []SuiteTransition
	for rows.Next() {
		var (
			t          SuiteTransition
			reason     sql.NullString
			occurredAt string
		)
		if err := rows.Scan(&t.TransitionID, &t.SuiteID, &t.From, &t.To,
			&reason, &t.ActorID, &occurredAt); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan transition: %w", err)}
		}
		t.Reason = reason.String
		t.OccurredAt = parseTime(occurredAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SuiteTransition is one recorded status move.
type SuiteTransition struct {
	TransitionID string                `json:"transition_id"`
	SuiteID      string                `json:"suite_id"`
	From         contracts.SuiteStatus `json:"from_status"`
	To           contracts.SuiteStatus `json:"to_status"`
	Reason       string                `json:"reason,omitempty"`
	ActorID      string                `json:"actor_id"`
	OccurredAt   time.Time             `json:"occurred_at"`
}

const suiteColumns = `suite_id, suite_key, base_suite_key, version, name, status,
	is_frozen, scenario_manifest_hash, scenario_count, created_at, created_by,
	frozen_at, deprecated_at, deprecated_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuite(row rowScanner) (*contracts.Suite, error) {
	var (
		suite                          contracts.Suite
		frozen                         int
		manifestHash, deprecatedReason sql.NullString
		createdAt                      string
		frozenAt, deprecatedAt         sql.NullString
	)
	err := row.Scan(&suite.SuiteID, &suite.SuiteKey, &suite.BaseSuiteKey,
		&suite.Version, &suite.Name, &suite.Status, &frozen, &manifestHash,
		&suite.ScenarioCount, &createdAt, &suite.CreatedBy, &frozenAt,
		&deprecatedAt, &deprecatedReason)
	if err != nil {
		return nil, err
	}
	suite.IsFrozen = frozen != 0
	suite.ScenarioManifestHash = manifestHash.String
	suite.CreatedAt = parseTime(createdAt)
	suite.FrozenAt = parseTimePtr(frozenAt)
	suite.DeprecatedAt = parseTimePtr(deprecatedAt)
	suite.DeprecatedReason = deprecatedReason.String
	return &suite, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getSuiteTx loads a suite through tx when given, else the bare DB.
func (s *Service) getSuiteTx(ctx context.Context, tx *sql.Tx, suiteID string) (*contracts.Suite, error) {
	var q queryRower = s.db
	if tx != nil {
		q = tx
	}
	suite, err := scanSuite(q.QueryRowContext(ctx,
		`SELECT `+suiteColumns+` FROM suites WHERE suite_id = $1`, suiteID))
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "no suite %s", suiteID)
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: read suite: %w", err)}
	}
	return suite, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// scenariosTx loads a suite's scenarios in sequence order through tx when
// given, else the bare DB.
func (s *Service) scenariosTx(ctx context.Context, tx *sql.Tx, suiteID string) ([]contracts.SuiteScenario, error) {
	var q querier = s.db
	if tx != nil {
		q = tx
	}
	rows, err := q.QueryContext(ctx, `
		SELECT scenario_id, suite_id, kind, sequence_order, title, payload,
			scenario_hash, created_at
		FROM suite_scenarios WHERE suite_id = $1 ORDER BY sequence_order ASC`, suiteID)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scenarios: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.SuiteScenario
	for rows.Next() {
		var (
			sc        contracts.SuiteScenario
			createdAt string
		)
		if err := rows.Scan(&sc.ScenarioID, &sc.SuiteID, &sc.Kind, &sc.SequenceOrder,
			&sc.Title, &sc.Payload, &sc.ScenarioHash, &createdAt); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan scenario: %w", err)}
		}
		sc.CreatedAt = parseTime(createdAt)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// isUniqueViolation sniffs the driver-agnostic way: both modernc sqlite and
// lib/pq surface constraint names in the error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
