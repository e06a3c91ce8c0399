package gateway

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateTokenGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_token")

	first, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first == "" {
		t.Fatal("generated token is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode = %o, want 600", perm)
	}

	second, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Fatalf("token changed between loads: %q vs %q", first, second)
	}
}

func TestLoadOrCreateTokenTrimsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_token")
	if err := os.WriteFile(path, []byte("  seeded-token \n"), 0o600); err != nil {
		t.Fatalf("seed token file: %v", err)
	}

	token, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if token != "seeded-token" {
		t.Fatalf("token = %q, want trimmed seeded-token", token)
	}
}

func TestLoadOrCreateTokenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "api_token")

	token, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if token == "" {
		t.Fatal("generated token is empty")
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/agents", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := extractToken(r); got != "abc123" {
		t.Fatalf("header token = %q", got)
	}

	r = httptest.NewRequest("GET", "/v1/events?token=qp-token", nil)
	if got := extractToken(r); got != "qp-token" {
		t.Fatalf("query token = %q", got)
	}

	r = httptest.NewRequest("GET", "/v1/agents", nil)
	if got := extractToken(r); got != "" {
		t.Fatalf("empty request token = %q", got)
	}
}

func TestAuthorize(t *testing.T) {
	srv := New(Config{AuthToken: "secret"})

	r := httptest.NewRequest("GET", "/v1/agents", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if !srv.authorize(r) {
		t.Fatal("valid token rejected")
	}

	r = httptest.NewRequest("GET", "/v1/agents", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if srv.authorize(r) {
		t.Fatal("wrong token accepted")
	}

	r = httptest.NewRequest("GET", "/v1/agents", nil)
	if srv.authorize(r) {
		t.Fatal("missing token accepted")
	}

	// An unset server token must fail closed, not open.
	open := New(Config{})
	r = httptest.NewRequest("GET", "/v1/agents", nil)
	r.Header.Set("Authorization", "Bearer anything")
	if open.authorize(r) {
		t.Fatal("empty configured token accepted a request")
	}
}
