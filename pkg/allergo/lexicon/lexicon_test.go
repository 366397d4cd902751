package lexicon

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultLookup(t *testing.T) {
	lex, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if lex.Len() == 0 || len(lex.Patterns()) == 0 {
		t.Fatal("default lexicon is empty")
	}

	tests := []struct {
		term   string
		codes  []string
		conf   float64
		reason string
	}{
		{"Brötchen", []string{"A"}, 0.6, "heuristic"},
		{"broetchen", []string{"A"}, 0.6, "heuristic"},
		{"Käse", []string{"G"}, 0.7, "heuristic"},
		{"pesto", []string{"G", "H"}, 0.7, "heuristic"},
		{"sojamilch", []string{"F", "G"}, 0.7, "heuristic"},
		{"joghurt-sauce", []string{"G"}, 0.9, "joghurt sauce"},
		{"senfsosse", []string{"J"}, 0.7, "heuristic"},
		{"lachs filet", []string{"D"}, 0.85, "fish"},
	}
	for _, tc := range tests {
		m, ok := lex.Lookup(tc.term)
		if !ok {
			t.Errorf("Lookup(%q) missed", tc.term)
			continue
		}
		if !reflect.DeepEqual(m.Codes, tc.codes) || m.Confidence != tc.conf || m.Reason != tc.reason {
			t.Errorf("Lookup(%q) = %+v, want %v %.2f %q", tc.term, m, tc.codes, tc.conf, tc.reason)
		}
	}

	if _, ok := lex.Lookup("tomate"); ok {
		t.Fatal("unexpected mapping for tomate")
	}
	if _, ok := lex.Lookup("  "); ok {
		t.Fatal("blank term must not map")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	data := []byte(`
high_confidence_codes: [K]
terms:
  - codes: [k]
    variants: [Za'atar]
  - codes: [A]
    variants: [freekeh]
patterns:
  - expr: '\bhalva\b'
    code: k
    confidence: 0.75
    reason: halva
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	lex, err := LoadFromYAML(path)
	if err != nil {
		t.Fatalf("LoadFromYAML: %v", err)
	}
	if m, ok := lex.Lookup("za'atar"); !ok || m.Confidence != 0.7 || m.Codes[0] != "K" {
		t.Fatalf("za'atar = %+v, %v", m, ok)
	}
	if m, ok := lex.Lookup("freekeh"); !ok || m.Confidence != 0.6 {
		t.Fatalf("freekeh = %+v, %v", m, ok)
	}
	if m, ok := lex.Lookup("Halva"); !ok || m.Codes[0] != "K" {
		t.Fatalf("halva = %+v, %v", m, ok)
	}
}

func TestParseRejectsBadPattern(t *testing.T) {
	_, err := Parse([]byte("patterns:\n  - expr: '(?<=x)y'\n    code: A\n"))
	if err == nil {
		t.Fatal("expected compile error for lookbehind pattern")
	}
}
