// Package registry owns the durable pipeline state on disk: the
// Releases root, the per-environment current-version pointers, and the
// append-only deploy history.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"log/slog"

	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/pipeline"
	"github.com/mhutton/shipline/pkg/config"
)

// ErrNoPointer indicates no current-version pointer exists yet for an
// application/nickname pair.
var ErrNoPointer = errors.New("registry: no current version recorded")

// Registry reads and writes the durable pipeline state. The only
// protection against concurrent writers is the atomicity of the
// underlying filesystem create/rename operations.
type Registry struct {
	releases        string
	currentVersions string
	logsArchive     string
	packages        string
	historyFile     string
	log             *slog.Logger
}

// New returns a registry over the roots named in cfg.
func New(cfg config.PipelineConfig, log *slog.Logger) *Registry {
	return &Registry{
		releases:        cfg.ReleasesRoot,
		currentVersions: cfg.CurrentVersionsRoot,
		logsArchive:     cfg.LogsArchiveRoot,
		packages:        cfg.PackagesRoot,
		historyFile:     cfg.HistoryFile,
		log:             log,
	}
}

// ReleasePath is the canonical published location for a release.
func (r *Registry) ReleasePath(rel domain.Release) string {
	return filepath.Join(r.releases, rel.FolderName())
}

// ReleaseExists is the build idempotency gate: a release folder that
// already exists is never rebuilt.
func (r *Registry) ReleaseExists(rel domain.Release) bool {
	info, err := os.Stat(r.ReleasePath(rel))
	return err == nil && info.IsDir()
}

// Publish copies the staged release folder into the Releases root. The
// copy lands in a temporary sibling first and is renamed into place, so
// a crash mid-publish can never leave a half-visible release, and the
// loser of a same-release race observes the winner's folder instead of
// corrupting it.
func (r *Registry) Publish(srcDir string, rel domain.Release) error {
	if err := os.MkdirAll(r.releases, 0o755); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrPublishIO, err)
	}
	final := r.ReleasePath(rel)
	staging := filepath.Join(r.releases, ".tmp-"+rel.FolderName())
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%w: clear staging: %v", pipeline.ErrPublishIO, err)
	}
	if err := CopyDir(srcDir, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("%w: stage release: %v", pipeline.ErrPublishIO, err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		if r.ReleaseExists(rel) {
			// A concurrent build won the race; the release is published.
			return pipeline.ErrAlreadyBuilt
		}
		return fmt.Errorf("%w: publish release: %v", pipeline.ErrPublishIO, err)
	}
	return nil
}

// WriteVersionFile writes the release's plain-text version file into dir.
func (r *Registry) WriteVersionFile(dir string, rel domain.Release) error {
	path := filepath.Join(dir, rel.VersionFileName())
	return os.WriteFile(path, []byte(strconv.Itoa(rel.Version)+"\n"), 0o644)
}

// ReadVersionFile reads a version file and requires a positive integer.
func ReadVersionFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read version file: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: version file %s is not an integer", pipeline.ErrInvalidVersion, path)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: version file %s holds %d", pipeline.ErrInvalidVersion, path, v)
	}
	return v, nil
}

// PointerPath locates the current-version pointer for an application in
// an environment.
func (r *Registry) PointerPath(app, nickname string) string {
	rel := domain.Release{Application: app}
	return filepath.Join(r.currentVersions, nickname, rel.VersionFileName())
}

// WritePointer records the version now live in an environment,
// overwriting any previous value. Callers only invoke this after the
// deploy tasks succeeded.
func (r *Registry) WritePointer(app, nickname string, version int) error {
	dir := filepath.Join(r.currentVersions, nickname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pointer folder: %w", err)
	}
	return r.WriteVersionFile(dir, domain.Release{Application: app, Version: version})
}

// ReadPointer reads back the version last successfully deployed to an
// environment.
func (r *Registry) ReadPointer(app, nickname string) (int, error) {
	path := r.PointerPath(app, nickname)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPointer
		}
		return 0, err
	}
	return ReadVersionFile(path)
}

// AppendHistory appends one record to the deploy history file. The file
// is opened in append mode per call; records are never rewritten.
func (r *Registry) AppendHistory(rec domain.DeployRecord) error {
	f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(rec.Line() + "\n"); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History reads every parseable record from the history file. Missing
// file means empty history.
func (r *Registry) History() ([]domain.DeployRecord, error) {
	f, err := os.Open(r.historyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []domain.DeployRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := domain.ParseRecord(line)
		if err != nil {
			r.log.Warn("skipping malformed history line", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// EnsureDeployFolders idempotently creates the five persisted folders a
// deploy relies on, plus the history file. Each creation is independent
// so a failure pinpoints the exact path.
func (r *Registry) EnsureDeployFolders(rel domain.Release, nickname string) error {
	folders := []string{
		r.currentVersions,
		filepath.Join(r.currentVersions, nickname),
		r.logsArchive,
		filepath.Join(r.logsArchive, rel.FolderName()),
		r.packages,
	}
	for _, dir := range folders {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create history file: %w", err)
	}
	return f.Close()
}

// ArchiveLogs copies the attempt's log files into the release's slot in
// the logs archive.
func (r *Registry) ArchiveLogs(rel domain.Release, logFiles []string) error {
	dir := filepath.Join(r.logsArchive, rel.FolderName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log archive: %w", err)
	}
	for _, src := range logFiles {
		if src == "" {
			continue
		}
		if err := CopyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return fmt.Errorf("archive %s: %w", src, err)
		}
	}
	return nil
}

// BuiltVersions lists every published version of an application in
// ascending order.
func (r *Registry) BuiltVersions(app string) ([]int, error) {
	entries, err := os.ReadDir(r.releases)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := app + "_"
	var versions []int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if v, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), prefix)); err == nil && v > 0 {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// CopyFile copies one regular file, preserving its permission bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyDir recursively copies a directory tree.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return CopyFile(path, target)
	})
}
