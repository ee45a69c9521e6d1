// Package workspace owns the ephemeral build-root directories. Every
// invocation gets a uniquely named root; concurrent builds on the same
// host never share one, without any locking.
package workspace

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Manager creates and removes build roots under a common parent.
type Manager struct {
	root string

	mu  sync.Mutex
	rng *rand.Rand
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	seed := int64(os.Getpid())<<20 ^ time.Now().UnixNano()
	return &Manager{root: root, rng: rand.New(rand.NewSource(seed))}, nil
}

// Create makes a fresh uniquely named build root. The name combines the
// process id, a seeded random suffix and a sub-second timestamp so that
// concurrent invocations cannot collide.
func (m *Manager) Create() (string, error) {
	m.mu.Lock()
	suffix := m.rng.Intn(1_000_000)
	m.mu.Unlock()

	name := fmt.Sprintf("shipline_%d_%06d_%s", os.Getpid(), suffix, time.Now().Format("20060102-150405.000"))
	dir := filepath.Join(m.root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a build root. Failed attempts deliberately skip this
// so the workspace stays behind for post-mortem inspection.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
