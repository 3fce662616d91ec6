package main

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeArgsImplicitRun(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		out  []string
	}{
		{name: "empty", in: []string{}, out: []string{}},
		{name: "known command", in: []string{"status", "--session", "ses-1"}, out: []string{"status", "--session", "ses-1"}},
		{name: "flag first", in: []string{"--help"}, out: []string{"--help"}},
		{name: "target becomes run", in: []string{"data/report.csv"}, out: []string{"run", "data/report.csv"}},
		{name: "multiple targets", in: []string{"a.out", "b.out"}, out: []string{"run", "a.out", "b.out"}},
		{name: "run stays run", in: []string{"run", "a.out"}, out: []string{"run", "a.out"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeArgs(tc.in)
			if len(got) != len(tc.out) {
				t.Fatalf("normalizeArgs(%v) = %v, want %v", tc.in, got, tc.out)
			}
			for i := range got {
				if got[i] != tc.out[i] {
					t.Fatalf("normalizeArgs(%v) = %v, want %v", tc.in, got, tc.out)
				}
			}
		})
	}
}

func TestValidateSetEnvEntries(t *testing.T) {
	if err := validateSetEnvEntries([]string{"FOO=bar", "EMPTY="}); err != nil {
		t.Fatalf("valid entries rejected: %v", err)
	}
	err := validateSetEnvEntries([]string{"NOVALUE"})
	if err == nil {
		t.Fatalf("expected error for entry without '='")
	}
	if !strings.Contains(err.Error(), "NOVALUE") {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := validateSetEnvEntries([]string{"=bar"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestResolveHealthBaseURL(t *testing.T) {
	cases := map[string]string{
		":8722":                  "http://127.0.0.1:8722",
		"localhost:9000":         "http://localhost:9000",
		"http://example.com:80":  "http://example.com:80",
		"https://example.com":    "https://example.com",
		" 10.0.0.5:8722 ":        "http://10.0.0.5:8722",
	}
	for in, want := range cases {
		if got := resolveHealthBaseURL(in); got != want {
			t.Fatalf("resolveHealthBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExitCodeErrorRoundTrip(t *testing.T) {
	var coded *exitCodeError
	wrapped := &exitCodeError{code: 3}
	if !errors.As(error(wrapped), &coded) {
		t.Fatalf("errors.As failed for exitCodeError")
	}
	if coded.code != 3 {
		t.Fatalf("expected code 3, got %d", coded.code)
	}
}

func TestNewRootCommandRegistersCommands(t *testing.T) {
	rootCmd, err := newRootCommand()
	if err != nil {
		t.Fatalf("newRootCommand: %v", err)
	}
	want := []string{"run", "satisfied", "status", "sessions", "events", "pointers", "log", "doctor", "serve", "health", "policy", "bus"}
	registered := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Fatalf("command %q not registered", name)
		}
	}
	for name := range registered {
		if !knownCommands[name] {
			t.Fatalf("registered command %q missing from knownCommands (implicit run would shadow it)", name)
		}
	}
}
