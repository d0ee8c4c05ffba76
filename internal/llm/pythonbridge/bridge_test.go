package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newShellClient(t *testing.T, body string, env ...string) *Client {
	t.Helper()
	client, err := NewClient(Config{Interpreter: "sh", Script: writeScript(t, body), Env: env})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestGenerateReadsResponse(t *testing.T) {
	client := newShellClient(t, "cat > /dev/null\nprintf '{\"response\":\"E001 %s\"}' \"$DESK\"\n", "DESK=rates")
	out, err := client.Generate(context.Background(), llm.Request{Prompt: "why"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "E001 rates" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestGenerateReceivesNormalizedRequest(t *testing.T) {
	client := newShellClient(t, "input=$(cat)\ncase \"$input\" in *'\"max_tokens\":1000'*) printf '{\"response\":\"ok\"}';; *) printf '{\"error\":\"bad input\"}';; esac\n")
	out, err := client.Generate(context.Background(), llm.Request{Prompt: "why"})
	if err != nil || out != "ok" {
		t.Fatalf("expected normalized request, got %q %v", out, err)
	}
}

func TestGenerateFailures(t *testing.T) {
	cases := map[string]string{
		"exit code":    "echo broken >&2\nexit 3\n",
		"not json":     "cat > /dev/null\necho plain text\n",
		"error field":  "cat > /dev/null\nprintf '{\"error\":\"model offline\"}'\n",
		"empty answer": "cat > /dev/null\nprintf '{\"response\":\"  \"}'\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newShellClient(t, body).Generate(context.Background(), llm.Request{Prompt: "why"})
			if xerrors.CodeOf(err) != xerrors.CodeTransport {
				t.Fatalf("expected transport error, got %v", err)
			}
		})
	}
}

func TestGenerateScriptStderrKept(t *testing.T) {
	_, err := newShellClient(t, "echo vendor feed down >&2\nexit 1\n").Generate(context.Background(), llm.Request{Prompt: "why"})
	e, ok := xerrors.From(err)
	if !ok || !strings.Contains(e.Metadata()["stderr"], "vendor feed down") {
		t.Fatalf("expected stderr metadata, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt", "model.py"); got != "/opt/model.py" {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := ResolveScriptPath("/opt", "/abs/model.py"); got != "/abs/model.py" {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := ResolveScriptPath("", "model.py"); got != "model.py" {
		t.Fatalf("unexpected path: %s", got)
	}
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error for empty script")
	}
}
