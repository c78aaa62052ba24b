package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	pk := &pgconn.PgError{Code: "23505", ConstraintName: "issuances_pkey"}
	cases := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"any constraint", pk, "", true},
		{"matching constraint", pk, "issuances_pkey", true},
		{"wrapped", fmt.Errorf("insert: %w", pk), "issuances_pkey", true},
		{"other constraint", pk, "redemption_conflicts_duplicate_acceptance_id_key", false},
		{"other code", &pgconn.PgError{Code: "23503"}, "", false},
		{"plain error", errors.New("boom"), "", false},
		{"nil", nil, "", false},
	}
	for _, c := range cases {
		if got := isUniqueViolation(c.err, c.constraint); got != c.want {
			t.Fatalf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestNew_BadDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "postgres://u@localhost:5432/bt?pool_max_conns=many", Options{})
	require.Error(t, err)
}
