package server

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslateWriteErrorMapsConstraintCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, expected: ErrUnknownSensor},
		{name: "numeric overflow", err: &pgconn.PgError{Code: "22003"}, expected: ErrValueOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := translateWriteError("batch", tt.err); !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}

	other := &pgconn.PgError{Code: "57014"}
	if err := translateWriteError("sensor 1", other); err != other {
		t.Fatalf("expected unrelated error to pass through, got %v", err)
	}
}
