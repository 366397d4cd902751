package logger

import "testing"

func TestNew(t *testing.T) {
	for _, mode := range []string{"production", "prod", "development", ""} {
		log, err := New(mode, "debug")
		if err != nil {
			t.Fatalf("New(%q): %v", mode, err)
		}
		if !log.Core().Enabled(-1) {
			t.Errorf("New(%q) debug not enabled", mode)
		}
	}
	log, err := New("production", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Error("default level enables debug")
	}
	if _, err := New("production", "loud"); err == nil {
		t.Error("bad level accepted")
	}
}

func TestSecret(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"abc":         "[REDACTED]",
		"sk-12345678": "[REDACTED …5678]",
	}
	for in, want := range tests {
		if got := Secret("api_key", in).String; got != want {
			t.Errorf("Secret(%q) = %q, want %q", in, got, want)
		}
	}
}
