package remote

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mhutton/shipline/internal/pipeline"
	"github.com/mhutton/shipline/pkg/config"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(config.PipelineConfig{SSHPort: 22, RelayHost: "relay01"},
		Credential{User: "deploy", Password: "secret"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestNewDispatcherRequiresCredential(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewDispatcher(config.PipelineConfig{}, Credential{Password: "x"}, log); err == nil {
		t.Fatalf("accepted credential without user")
	}
	if _, err := NewDispatcher(config.PipelineConfig{}, Credential{User: "deploy"}, log); err == nil {
		t.Fatalf("accepted credential without password or key")
	}
}

func TestWrapRemoteErrorKeepsVerbatimOutput(t *testing.T) {
	d := testDispatcher(t)
	err := d.wrapRemoteError("WEB01", "deploy.sh", "step 3 exploded", errors.New("exit status 1"))
	if !errors.Is(err, pipeline.ErrRemoteExecution) {
		t.Fatalf("expected ErrRemoteExecution, got %v", err)
	}
	for _, fragment := range []string{"WEB01", "deploy.sh", "step 3 exploded", "exit status 1"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error lost %q: %v", fragment, err)
		}
	}
	if strings.Contains(err.Error(), "hint") {
		t.Fatalf("unexpected credential hint: %v", err)
	}
}

func TestWrapRemoteErrorAddsAccessDeniedHint(t *testing.T) {
	d := testDispatcher(t)
	err := d.wrapRemoteError("WEB01", "deploy.sh", "Access is denied.", errors.New("exit status 5"))
	if !strings.Contains(err.Error(), "hint") || !strings.Contains(err.Error(), "credential") {
		t.Fatalf("expected credential hint: %v", err)
	}
}

func TestAccessDenied(t *testing.T) {
	for _, s := range []string{"Access is denied.", "bash: permission denied", "PERMISSION DENIED"} {
		if !accessDenied(s) {
			t.Fatalf("%q not recognized", s)
		}
	}
	if accessDenied("connection refused") {
		t.Fatalf("false positive")
	}
}

func TestCopyCommandQuotesPaths(t *testing.T) {
	cmd := copyCommand("/srv/releases/WIDGETS_42", "/srv/packages/WIDGETS_42")
	if cmd != "cp -R '/srv/releases/WIDGETS_42' '/srv/packages/WIDGETS_42'" {
		t.Fatalf("unexpected command: %q", cmd)
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("got %q", got)
	}
}
