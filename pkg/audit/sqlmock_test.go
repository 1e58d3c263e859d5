package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// Exercises the exact SQL and argument order Append produces, which the
// in-memory sqlite tests cannot pin down.
func TestAppend_SQLShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open stub database: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").
		WillReturnResult(sqlmock.NewResult(0, 0))

	log, err := New(db)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	log.WithClock(kernelid.Fixed(at)).WithIDs(kernelid.Sequential("aud"))

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs("aud-1", "user-1", string(contracts.RoleEnterpriseAdmin),
			"envelope.seal", "envelope", "env-1", "ent-1", 1, "",
			`{"hash":"abc"}`, at.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e := &Entry{
		ActorID:      "user-1",
		ActorRole:    contracts.RoleEnterpriseAdmin,
		Action:       "envelope.seal",
		TargetType:   "envelope",
		TargetID:     "env-1",
		EnterpriseID: "ent-1",
		Success:      true,
		Metadata:     map[string]any{"hash": "abc"},
	}
	if err := log.Append(context.Background(), db, e); err != nil {
		t.Errorf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppend_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open stub database: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").
		WillReturnResult(sqlmock.NewResult(0, 0))

	log, err := New(db)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	dbErr := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(dbErr)

	appendErr := log.Append(context.Background(), db, &Entry{
		ActorID: "user-1", ActorRole: contracts.RoleCalibrationAdmin,
		Action: "suite.create", TargetType: "suite", TargetID: "st-1",
	})
	if appendErr == nil {
		t.Fatal("expected error from failed insert")
	}
	if !errors.Is(appendErr, dbErr) {
		t.Errorf("error %v does not wrap the driver error", appendErr)
	}
}
