package passphrase

import (
	"errors"
	"strings"
	"testing"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("Abandon ", n))
}

func TestSourcePrefersEnvironment(t *testing.T) {
	prompted := false
	s := &Source{
		envVar: DefaultEnvVar,
		lookup: func(string) (string, bool) { return "  " + words(25) + "\n", true },
		prompt: func() (string, error) { prompted = true; return "", nil },
	}
	got, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if prompted {
		t.Fatalf("prompt must not run when the variable is set")
	}
	if got != strings.TrimSpace(strings.Repeat("abandon ", 25)) {
		t.Fatalf("unexpected normalised mnemonic %q", got)
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	calls := 0
	s := &Source{
		envVar: DefaultEnvVar,
		lookup: func(string) (string, bool) { return "", false },
		prompt: func() (string, error) { calls++; return words(25), nil },
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Get(); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
}

func TestSourceErrors(t *testing.T) {
	short := &Source{
		envVar: "X",
		lookup: func(string) (string, bool) { return words(12), true },
	}
	if _, err := short.Get(); err == nil || !strings.Contains(err.Error(), "X: sponsor mnemonic has 12 words") {
		t.Fatalf("expected word count error, got %v", err)
	}

	headless := &Source{
		envVar: "X",
		lookup: func(string) (string, bool) { return "", false },
		prompt: func() (string, error) { return "", errNoTerminal },
	}
	if _, err := headless.Get(); err == nil || !strings.Contains(err.Error(), "set X") {
		t.Fatalf("expected headless error, got %v", err)
	}

	failing := &Source{
		envVar: "X",
		lookup: func(string) (string, bool) { return "", false },
		prompt: func() (string, error) { return "", errors.New("tty closed") },
	}
	if _, err := failing.Get(); err == nil || !strings.Contains(err.Error(), "tty closed") {
		t.Fatalf("expected prompt error, got %v", err)
	}
}
