package negation

import (
	"testing"

	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

func TestIsNegatedBuiltinPatterns(t *testing.T) {
	d := New()
	tests := []struct {
		text string
		term string
		want bool
	}{
		{"Salat ohne Sesam", "sesam", true},
		{"Brot ohne jegliche Milch", "milch", true},
		{"keine Nüsse, aber Erdnüsse", "nusse", true},
		{"kein Ei", "ei", true},
		{"Curry, no peanuts", "peanuts", true},
		{"Cake without eggs", "eggs", true},
		{"Gluten-frei gebacken", "gluten", true},
		{"gluten frei", "gluten", true},
		{"سلطة بدون سمسم", "سمسم", true},
		{"خبز من غير حليب", "حليب", true},
		{"Pizza mit Käse", "kase", false},
		{"Sesam und Salat", "sesam", false},
		{"ohnesesam", "sesam", false},
		{"Sesamfrei", "sesam", true},
		{"ohne Zwiebeln, dafür mit einer sehr großen Portion Käse", "kase", false},
	}
	for _, tc := range tests {
		text := normalize.Text(tc.text)
		if got := d.IsNegated(text, tc.term); got != tc.want {
			t.Errorf("IsNegated(%q, %q) = %v, want %v", text, tc.term, got, tc.want)
		}
	}
}

func TestIsNegatedEmptyInputs(t *testing.T) {
	d := New()
	if d.IsNegated("", "ei") || d.IsNegated("ohne ei", "") {
		t.Fatal("empty inputs must not be negated")
	}
}

func TestIsNegatedCuesWindow(t *testing.T) {
	d := New().WithCues([]Cue{
		{Text: "frei von", Before: 4},
		{Text: "entfernt", After: 2},
		{Text: `(`, IsRegex: true, Before: 1},
	})
	tests := []struct {
		text string
		term string
		want bool
	}{
		{"frei von milch", "milch", true},
		{"frei von zucker und milch", "milch", true},
		{"frei von zucker salz pfeffer und milch", "milch", false},
		{"nusse wurden entfernt", "nusse", true},
		{"nusse und mandeln und rosinen entfernt", "nusse", false},
	}
	for _, tc := range tests {
		if got := d.IsNegated(tc.text, tc.term); got != tc.want {
			t.Errorf("IsNegated(%q, %q) = %v, want %v", tc.text, tc.term, got, tc.want)
		}
	}
	if len(d.cues) != 2 {
		t.Fatalf("malformed regex cue should be dropped, have %d cues", len(d.cues))
	}
}
