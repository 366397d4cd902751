package codes

import (
	"reflect"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"empty", nil, ""},
		{"letters only", []string{"g", "A"}, "(A,G)"},
		{"numbers only", []string{"11", "3", "1"}, "(1,3,11)"},
		{"mixed", []string{"3", "G", "A", "11"}, "(A,G,3,11)"},
		{"duplicates", []string{"A", "a", " A "}, "(A)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Format(NewSet(tc.in...)); got != tc.want {
				t.Fatalf("Format(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseRoundsThroughFormat(t *testing.T) {
	s := Parse("(A,G,3,11)")
	if got := Format(s); got != "(A,G,3,11)" {
		t.Fatalf("unexpected format after parse: %q", got)
	}
	if len(Parse("")) != 0 {
		t.Fatal("expected empty set for empty summary")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf("A") != Primary || KindOf("12") != Secondary {
		t.Fatal("unexpected kind derivation")
	}
}

func TestSanitize(t *testing.T) {
	got := Sanitize("g, A; x, AB, 7, c", "ABCDEFGHIJKLMN")
	want := []string{"A", "C", "G"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Sanitize = %v, want %v", got, want)
	}
	if got := Sanitize("Z", ""); !reflect.DeepEqual(got, []string{"Z"}) {
		t.Fatalf("default alphabet should allow Z, got %v", got)
	}
}
