package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/cognicore/allergo/pkg/allergo/store/storetest"
)

func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("ALLERGO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ALLERGO_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, dsn, Options{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	for _, table := range []string{"provenance", "subjects", "negation_cues", "lexemes", "items", "codes"} {
		if _, err := st.DB().ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("reset %s: %v", table, err)
		}
	}
	storetest.Run(t, st)
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(context.Canceled) {
		t.Fatal("plain error must not be a unique violation")
	}
}
