// Package build owns the artifact lifecycle: build-root, release
// folder, zip, publish.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/mhutton/shipline/internal/archive"
	"github.com/mhutton/shipline/internal/descriptor"
	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/notify"
	"github.com/mhutton/shipline/internal/pipeline"
	"github.com/mhutton/shipline/internal/registry"
	"github.com/mhutton/shipline/internal/task"
	"github.com/mhutton/shipline/internal/version"
	"github.com/mhutton/shipline/internal/workspace"
	"github.com/mhutton/shipline/pkg/config"
	"github.com/mhutton/shipline/pkg/logger"
)

// Repository is the source-control surface the builder needs.
type Repository interface {
	Head(ctx context.Context) (int, error)
	Export(ctx context.Context, subpath, dest string) error
	Log(ctx context.Context, from, to int) (string, error)
}

// Request asks for one application/version build.
type Request struct {
	Application string
	Version     int // version.Latest means repository HEAD
	User        string
	TestBuild   bool
}

// Service builds release artifacts.
type Service struct {
	cfg        config.PipelineConfig
	repo       Repository
	resolver   version.Resolver
	workspaces *workspace.Manager
	registry   *registry.Registry
	notifier   notify.Notifier
	tee        *logger.Tee
	log        *slog.Logger
}

// New wires an artifact builder.
func New(cfg config.PipelineConfig, repo Repository, workspaces *workspace.Manager, reg *registry.Registry, notifier notify.Notifier, tee *logger.Tee, log *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		repo:       repo,
		resolver:   version.NewResolver(repo),
		workspaces: workspaces,
		registry:   reg,
		notifier:   notifier,
		tee:        tee,
		log:        log,
	}
}

// Build runs the full artifact pipeline for one application. Failures
// before the descriptor is parsed are usage-tier: reported to the
// caller, never emailed. Once the descriptor's notification list is
// known, every failure sends exactly one email with the build log
// attached.
func (s *Service) Build(ctx context.Context, req Request) pipeline.Result {
	res := pipeline.Result{Status: pipeline.StatusFailed, AttemptID: uuid.NewString()}
	name := strings.ToUpper(strings.TrimSpace(req.Application))
	if name == "" {
		res.Err = fmt.Errorf("%w: empty name", pipeline.ErrInvalidApplication)
		return res
	}

	if s.cfg.DescriptorDir != "" {
		if known, err := descriptor.ListApplications(s.cfg.DescriptorDir); err == nil && !contains(known, name) {
			res.Err = fmt.Errorf("%w: %q is not one of: %s", pipeline.ErrInvalidApplication, name, strings.Join(known, ", "))
			return res
		}
	}

	v, err := s.resolver.Resolve(ctx, req.Version)
	if err != nil {
		res.Err = err
		return res
	}
	rel := domain.Release{Application: name, Version: v}
	res.Release = rel
	s.log.Info("build starting", "release", rel.String(), "attempt_id", res.AttemptID, "user", req.User, "test_build", req.TestBuild)

	// Idempotency gate: an existing release folder is a completed build.
	if s.registry.ReleaseExists(rel) {
		s.log.Info("release already exists; nothing to do", "release", rel.String())
		res.Status = pipeline.StatusNothingToDo
		return res
	}

	root, err := s.workspaces.Create()
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", pipeline.ErrWorkspaceIO, err)
		return res
	}
	s.log.Info("workspace created", "root", root)

	configDir := filepath.Join(root, "config")
	exportCtx, cancelExport := context.WithTimeout(ctx, s.cfg.ExportTimeout)
	err = s.repo.Export(exportCtx, s.cfg.DescriptorRepoDir, configDir)
	cancelExport()
	if err != nil {
		res.Err = fmt.Errorf("%w: export descriptors: %v", pipeline.ErrWorkspaceIO, err)
		return res
	}

	// Re-validate against the descriptor set just exported: a name can be
	// valid historically while its descriptor has since been removed.
	descPath := descriptor.PathFor(configDir, name)
	if _, err := os.Stat(descPath); err != nil {
		known, _ := descriptor.ListApplications(configDir)
		res.Err = fmt.Errorf("%w: %q has no descriptor at head (valid: %s)", pipeline.ErrInvalidApplication, name, strings.Join(known, ", "))
		return res
	}
	app, err := descriptor.Load(descPath)
	if err != nil {
		// Malformed XML is an operational failure: the ops list gets the
		// email because the descriptor cannot name its own recipients.
		return s.fail(ctx, res, nil, "", err)
	}

	zipDir := filepath.Join(root, "___ZipFolder")
	releaseDir := filepath.Join(root, rel.FolderName())
	buildLogsDir := filepath.Join(releaseDir, domain.BuildLogsFolderName)
	for _, dir := range []string{zipDir, buildLogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return s.fail(ctx, res, app, "", fmt.Errorf("%w: %v", pipeline.ErrWorkspaceIO, err))
		}
	}

	logPrefix := time.Now().Format("20060102-150405") + "_" + rel.FolderName()
	logPath := filepath.Join(root, logPrefix+"_build.log")
	if err := s.tee.Attach(logPath); err != nil {
		return s.fail(ctx, res, app, "", fmt.Errorf("%w: %v", pipeline.ErrWorkspaceIO, err))
	}
	res.LogFile = logPath

	proc := task.New(app.BuildTasks, s.log)
	s.log.Info("running build tasks", "steps", proc.Len())
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	tc := &task.Context{Root: root, ZipFolder: zipDir, LogPrefix: logPrefix, Version: v}
	if err := proc.Invoke(taskCtx, tc); err != nil {
		return s.fail(ctx, res, app, logPath, err)
	}

	// Zero files in the zip folder is not an error: some applications
	// only run deploy-time steps.
	count, total, err := archive.Pack(zipDir, filepath.Join(releaseDir, domain.PackageFileName))
	if err != nil {
		return s.fail(ctx, res, app, logPath, fmt.Errorf("%w: %v", pipeline.ErrWorkspaceIO, err))
	}
	if count > 0 {
		s.log.Info("package compressed", "files", count, "size", humanize.Bytes(uint64(total)))
	} else {
		s.log.Info("zip folder empty; release carries no package")
	}

	if err := registry.CopyFile(descPath, filepath.Join(releaseDir, filepath.Base(descPath))); err != nil {
		return s.fail(ctx, res, app, logPath, fmt.Errorf("%w: copy descriptor: %v", pipeline.ErrWorkspaceIO, err))
	}
	if err := s.registry.WriteVersionFile(releaseDir, rel); err != nil {
		return s.fail(ctx, res, app, logPath, fmt.Errorf("%w: write version file: %v", pipeline.ErrWorkspaceIO, err))
	}
	s.writeReleaseNotes(ctx, rel, releaseDir)

	s.tee.Detach()
	if err := registry.CopyFile(logPath, filepath.Join(buildLogsDir, filepath.Base(logPath))); err != nil {
		return s.fail(ctx, res, app, logPath, fmt.Errorf("%w: copy build log: %v", pipeline.ErrWorkspaceIO, err))
	}

	if req.TestBuild {
		s.log.Info("test build; skipping publish", "release", rel.String())
	} else {
		// This copy, not the earlier existence check, is the publish
		// moment: the canonical path appears only when it completes.
		if err := s.registry.Publish(releaseDir, rel); err != nil {
			if errors.Is(err, pipeline.ErrAlreadyBuilt) {
				s.log.Info("concurrent build published first; nothing to do", "release", rel.String())
				res.Status = pipeline.StatusNothingToDo
				return res
			}
			return s.fail(ctx, res, app, logPath, err)
		}
		s.log.Info("release published", "path", s.registry.ReleasePath(rel))
	}

	s.sendOutcome(ctx, app.NotificationEmails, res, logPath, nil)
	if err := s.workspaces.Cleanup(root); err != nil {
		s.log.Warn("workspace cleanup failed", "root", root, "error", err)
	}
	res.Status = pipeline.StatusSucceeded
	res.Err = nil
	return res
}

// fail closes the attempt log before composing the failure email so the
// attached file is not locked, then returns the failed result. The
// workspace is deliberately left behind for post-mortem inspection.
func (s *Service) fail(ctx context.Context, res pipeline.Result, app *domain.Application, logPath string, err error) pipeline.Result {
	res.Err = err
	s.tee.Detach()
	s.log.Error("build failed", "release", res.Release.String(), "attempt_id", res.AttemptID, "error", err)

	recipients := s.cfg.OpsEmails
	if app != nil {
		recipients = app.NotificationEmails
	}
	s.sendOutcome(ctx, recipients, res, logPath, err)
	return res
}

func (s *Service) sendOutcome(ctx context.Context, recipients []string, res pipeline.Result, logPath string, failure error) {
	subject := fmt.Sprintf("[shipline] build succeeded: %s", res.Release.String())
	body := fmt.Sprintf("Build of %s completed.\nAttempt: %s\n", res.Release.String(), res.AttemptID)
	if failure != nil {
		subject = fmt.Sprintf("[shipline] build FAILED: %s", res.Release.String())
		body = fmt.Sprintf("Build of %s failed.\nAttempt: %s\nError: %v\n", res.Release.String(), res.AttemptID, failure)
	}
	msg := notify.Message{To: recipients, Subject: subject, Body: body}
	if logPath != "" {
		msg.Attachments = []string{logPath}
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.Error("outcome notification not sent", "release", res.Release.String(), "error", err)
	}
}

// writeReleaseNotes generates notes for the revision range since the
// previous built version. Best effort: a failure here is logged and
// never fails the build.
func (s *Service) writeReleaseNotes(ctx context.Context, rel domain.Release, releaseDir string) {
	from := 1
	if built, err := s.registry.BuiltVersions(rel.Application); err == nil {
		for _, v := range built {
			if v < rel.Version && v+1 > from {
				from = v + 1
			}
		}
	}
	text, err := s.repo.Log(ctx, from, rel.Version)
	if err != nil {
		s.log.Warn("release notes not generated", "release", rel.String(), "error", err)
		return
	}
	path := filepath.Join(releaseDir, "ReleaseNotes.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		s.log.Warn("release notes not written", "path", path, "error", err)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
