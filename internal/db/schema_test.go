package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
)

func TestEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS route_points`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS route_points_trip_idx`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS destinations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS destinations_device_idx`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := EnsureSchema(context.Background(), mock); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsureSchemaError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS route_points`).WillReturnError(errors.New("denied"))

	if err := EnsureSchema(context.Background(), mock); err == nil {
		t.Fatalf("expected schema error")
	}
}
