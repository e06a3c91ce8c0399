// Package smoke holds cross-package tests: binary-level checks that spawn
// a built cubicled, and in-process pipeline scenarios that wire the real
// store, workspaces, runner and coordinators against the fake engine.
package smoke

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildCubicledBinary(t *testing.T) string {
	t.Helper()
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "cubicled")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/cubicled")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func daemonEnv(home, addr string) []string {
	return append(os.Environ(),
		"CUBICLE_HOME="+home,
		"CUBICLE_BIND_ADDR="+addr,
	)
}

func TestSmoke_BuildsCubicledBinary(t *testing.T) {
	bin := buildCubicledBinary(t)
	fi, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}
}
