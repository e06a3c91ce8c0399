package main

import (
	"context"
	"os"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CUBICLE_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), nil)
	// Exit code depends on the environment (no docker daemon means FAIL),
	// but it must be a plain pass/fail, never a usage error.
	if code != 0 && code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CUBICLE_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// JSON changes the rendering, not the verdict: failures in the
	// environment still surface through the exit code.
	for _, flag := range []string{"-json", "--json"} {
		code := runDoctorCommand(context.Background(), []string{flag})
		if code != 0 && code != 1 {
			t.Fatalf("%s: unexpected exit code %d", flag, code)
		}
	}
}

func TestRunDoctorCommand_RejectsUnknownFlag(t *testing.T) {
	code := runDoctorCommand(context.Background(), []string{"--verbose"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for unknown flag", code)
	}
}

func TestRunDoctorCommand_FirstRun(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CUBICLE_HOME", home)
	// No config.yaml at all: doctor should diagnose, not crash.

	code := runDoctorCommand(context.Background(), nil)
	if code != 0 && code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
}
