package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cognicore/allergo/pkg/allergo/store"
	"github.com/cognicore/allergo/pkg/allergo/store/storetest"
)

func TestSQLiteContract(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "allergo.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	storetest.Run(t, st)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "allergo.db")

	st, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	lx, err := st.UpsertLexeme(ctx, store.Lexeme{Lang: "de", Term: "Sesam", Active: true, Codes: []string{"K"}})
	if err != nil {
		t.Fatalf("UpsertLexeme: %v", err)
	}
	st.Close()

	st, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	got, ok, err := st.FindLexeme(ctx, lx.Key())
	if err != nil || !ok {
		t.Fatalf("FindLexeme after reopen: %v %v", ok, err)
	}
	if got.Term != "Sesam" || len(got.Codes) != 1 || got.Codes[0] != "K" {
		t.Fatalf("unexpected lexeme after reopen: %+v", got)
	}
}
