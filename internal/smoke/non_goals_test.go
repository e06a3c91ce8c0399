package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// The language-model client and its cost accounting live inside the
// sandbox image's agent runtime. The host daemon must never grow a direct
// model-provider dependency, and it places containers on one host only.
func TestSmoke_NoHostSideModelClientImports(t *testing.T) {
	root := moduleRoot(t)

	banned := []string{
		"github.com/firebase/genkit",
		"github.com/sashabaranov/go-openai",
		"google.golang.org/genai",
		"github.com/anthropics/anthropic-sdk-go",
		"k8s.io/client-go",
	}

	for _, p := range []string{"go.mod", "go.sum"} {
		b, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		lower := strings.ToLower(string(b))
		for _, s := range banned {
			if strings.Contains(lower, strings.ToLower(s)) {
				t.Fatalf("found banned dependency %q in %s", s, p)
			}
		}
	}

	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	outLower := strings.ToLower(buf.String())
	for _, s := range banned {
		if strings.Contains(outLower, strings.ToLower(s)) {
			t.Fatalf("found banned import path %q in dependency graph", s)
		}
	}
}
