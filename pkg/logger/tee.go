package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Tee duplicates log output to the console and to an optional attempt
// log file. The file can be attached and detached while the tee is in
// use; Detach closes the file so it can be attached to an email without
// the handle still being held open.
type Tee struct {
	mu      sync.Mutex
	console io.Writer
	file    *os.File
	path    string
}

// NewTee returns a tee writing to stdout with no file attached.
func NewTee() *Tee {
	return &Tee{console: os.Stdout}
}

// NewTeeTo returns a tee writing to the given console writer.
func NewTeeTo(console io.Writer) *Tee {
	return &Tee{console: console}
}

// Attach opens (creating if necessary) the log file at path. Any
// previously attached file is closed first.
func (t *Tee) Attach(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.path = ""
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("attach log file: %w", err)
	}
	t.file = f
	t.path = path
	return nil
}

// Detach closes the attached log file, if any. Safe to call repeatedly.
func (t *Tee) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.path = ""
	return err
}

// FilePath returns the path of the currently attached file, or "".
func (t *Tee) FilePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

func (t *Tee) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.console != nil {
		t.console.Write(p)
	}
	if t.file != nil {
		t.file.Write(p)
	}
	return len(p), nil
}
