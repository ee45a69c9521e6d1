package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInvokeExpandsVariablesAndRunsInRoot(t *testing.T) {
	root := t.TempDir()
	steps := []domain.TaskStep{
		{Name: "stamp", Command: "sh", Args: []string{"-c", "printf '%s' '${Nickname}-${Version}' > stamp.txt"}},
	}
	tc := &Context{Root: root, Nickname: "DEVWEB", Version: 42}
	if err := New(steps, discardLogger()).Invoke(context.Background(), tc); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "stamp.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "DEVWEB-42" {
		t.Fatalf("variables not expanded: %q", got)
	}
}

func TestInvokeStopsAtFirstFailingStep(t *testing.T) {
	root := t.TempDir()
	steps := []domain.TaskStep{
		{Name: "boom", Command: "sh", Args: []string{"-c", "exit 3"}},
		{Name: "after", Command: "sh", Args: []string{"-c", "touch after.txt"}},
	}
	err := New(steps, discardLogger()).Invoke(context.Background(), &Context{Root: root})
	if !errors.Is(err, pipeline.ErrTaskProcess) {
		t.Fatalf("expected ErrTaskProcess, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "after.txt")); !os.IsNotExist(err) {
		t.Fatalf("step after the failure still ran")
	}
}

func TestInvokeWithNoStepsSucceeds(t *testing.T) {
	if err := New(nil, discardLogger()).Invoke(context.Background(), &Context{Root: t.TempDir()}); err != nil {
		t.Fatalf("empty process should succeed: %v", err)
	}
}

func TestInvokeRejectsNilContext(t *testing.T) {
	if err := New(nil, discardLogger()).Invoke(context.Background(), nil); !errors.Is(err, pipeline.ErrTaskProcess) {
		t.Fatalf("expected ErrTaskProcess, got %v", err)
	}
}
