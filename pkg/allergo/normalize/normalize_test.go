package normalize

import "testing"

func TestText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Pizza Margherita", "pizza margherita"},
		{"  Käse-Spätzle!!  ", "kase spatzle"},
		{"Straße", "strasse"},
		{"Crème brûlée", "creme brulee"},
		{"Salat (ohne Sesam).", "salat ohne sesam"},
		{"ﬁsh", "fish"},
		{"حَلِيب", "حليب"},
		{"tab\tand\nnewline", "tab and newline"},
	}
	for _, tc := range tests {
		if got := Text(tc.in); got != tc.want {
			t.Errorf("Text(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTextFoldsUmlautAndPlainEqually(t *testing.T) {
	if Text("Müller") != Text("muller") {
		t.Fatalf("expected %q == %q", Text("Müller"), Text("muller"))
	}
}

func TestTextIdempotent(t *testing.T) {
	inputs := []string{
		"Müller's Brötchen & Co.",
		"ẞTRASSE",
		"بدون سمسم",
		"Weizen-Mehl, Ei; Milch",
		"Ⅻ Apostel",
	}
	for _, in := range inputs {
		once := Text(in)
		if twice := Text(once); twice != once {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestFold(t *testing.T) {
	if got := Fold("  Süße   Œufs "); got != "suesse oeufs" {
		t.Fatalf("Fold = %q", got)
	}
}

func TestStripMarkup(t *testing.T) {
	got := StripMarkup("<p>Mit <b>Sesam</b></p><script>x()</script><p>und Ei</p>")
	if got != "Mit Sesam und Ei" {
		t.Fatalf("StripMarkup = %q", got)
	}
	if got := StripMarkup("plain & simple"); got != "plain & simple" {
		t.Fatalf("plain text changed: %q", got)
	}
}

func TestContainsPhrase(t *testing.T) {
	tests := []struct {
		text, phrase string
		want         bool
	}{
		{"pizza mit kase", "kase", true},
		{"kase", "kase", true},
		{"kasekuchen mit ei", "kase", false},
		{"schafskase", "kase", false},
		{"mit weizen mehl", "weizen mehl", true},
		{"ei ei", "ei", true},
		{"brei und ei", "ei", true},
		{"", "ei", false},
		{"ei", "", false},
	}
	for _, tc := range tests {
		if got := ContainsPhrase(tc.text, tc.phrase); got != tc.want {
			t.Errorf("ContainsPhrase(%q, %q) = %v, want %v", tc.text, tc.phrase, got, tc.want)
		}
	}
}
