package main

import (
	"context"
	"os"
	"testing"
)

func TestRunPullCommand_TooManyArgs(t *testing.T) {
	code := runPullCommand(context.Background(), []string{"a", "b"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunPullCommand_EngineUnreachable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CUBICLE_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Point the docker client at a socket that cannot exist so the pull
	// fails fast regardless of the host.
	t.Setenv("DOCKER_HOST", "unix://"+home+"/no-such-docker.sock")

	code := runPullCommand(context.Background(), []string{"alpine:3.20"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 when the daemon is unreachable", code)
	}
}
