package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/gacp-platform/certification-core/internal/workflow"
)

func TestPGStoreLoadUnknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM applications WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	s := NewPGStore(db)
	if _, err := s.Load(context.Background(), "missing"); !errors.Is(err, workflow.ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreSaveVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	app := workflow.NewApplication("farmer-1", nil)
	app.State = workflow.StateSubmitted
	app.Version = 2

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE applications`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewPGStore(db)
	if err := s.Save(context.Background(), app, 1); !errors.Is(err, workflow.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreListByState(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id"}).AddRow("app-1").AddRow("app-2")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM applications WHERE state = $1`)).
		WithArgs("certificate_issued").
		WillReturnRows(rows)

	s := NewPGStore(db)
	ids, err := s.ListByState(context.Background(), workflow.StateCertificateIssued)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "app-1" || ids[1] != "app-2" {
		t.Fatalf("ids = %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
