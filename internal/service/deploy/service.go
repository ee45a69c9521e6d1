// Package deploy applies a built package on the target host: unpack,
// run the deploy tasks (or the database script path), update the
// current-version pointer, and append to the deploy history.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/mhutton/shipline/internal/archive"
	"github.com/mhutton/shipline/internal/descriptor"
	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/notify"
	"github.com/mhutton/shipline/internal/pipeline"
	"github.com/mhutton/shipline/internal/registry"
	"github.com/mhutton/shipline/internal/task"
	"github.com/mhutton/shipline/pkg/config"
	"github.com/mhutton/shipline/pkg/logger"
)

// Request asks for one deploy of the package at DescriptorPath into the
// environment named by Nickname.
type Request struct {
	DescriptorPath string
	Nickname       string
	User           string
}

// Service executes deploys on the host it runs on.
type Service struct {
	cfg      config.PipelineConfig
	registry *registry.Registry
	notifier notify.Notifier
	db       Controller
	tee      *logger.Tee
	log      *slog.Logger
}

// New wires a deploy executor. db may be nil when no database targets
// are in play; a database target deployed without one fails cleanly.
func New(cfg config.PipelineConfig, reg *registry.Registry, notifier notify.Notifier, db Controller, tee *logger.Tee, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: reg,
		notifier: notifier,
		db:       db,
		tee:      tee,
		log:      log,
	}
}

// Deploy walks the deploy state machine. Every terminal outcome after
// the descriptor has been parsed appends exactly one history record, so
// repeated bad attempts stay auditable.
func (s *Service) Deploy(ctx context.Context, req Request) pipeline.Result {
	res := pipeline.Result{Status: pipeline.StatusFailed, AttemptID: uuid.NewString()}

	info, err := os.Stat(req.DescriptorPath)
	if err != nil || info.IsDir() {
		// No descriptor, no recipients: the ops list gets the email and
		// the caller-supplied path is the only identifying context.
		res.Err = fmt.Errorf("%w: descriptor path %q is not a file", pipeline.ErrDescriptorInvalid, req.DescriptorPath)
		s.sendFailure(ctx, s.cfg.OpsEmails, req.DescriptorPath, "", res)
		return res
	}
	app, err := descriptor.Load(req.DescriptorPath)
	if err != nil {
		res.Err = err
		s.sendFailure(ctx, s.cfg.OpsEmails, req.DescriptorPath, "", res)
		return res
	}

	deployRoot := filepath.Dir(req.DescriptorPath)
	rel := domain.Release{Application: app.Name}
	versionPath := filepath.Join(deployRoot, rel.VersionFileName())
	v, err := registry.ReadVersionFile(versionPath)
	if err != nil {
		res.Err = err
		return s.fail(ctx, res, app, req, domain.DeployTarget{}, "")
	}
	rel.Version = v
	res.Release = rel

	logPrefix := fmt.Sprintf("%s_%s_%s", time.Now().Format("20060102-150405"), rel.FolderName(), req.Nickname)
	logPath := filepath.Join(deployRoot, logPrefix+"_deploy.log")
	if err := s.tee.Attach(logPath); err != nil {
		res.Err = fmt.Errorf("open deploy log: %w", err)
		return s.fail(ctx, res, app, req, domain.DeployTarget{}, "")
	}
	res.LogFile = logPath
	s.log.Info("deploy starting", "release", rel.String(), "nickname", req.Nickname, "attempt_id", res.AttemptID, "user", req.User)

	target, ok := app.Target(req.Nickname)
	if !ok {
		res.Err = fmt.Errorf("%w: %q is not declared by %s (valid: %v)", pipeline.ErrUnknownTarget, req.Nickname, rel.String(), app.Nicknames())
		return s.fail(ctx, res, app, req, domain.DeployTarget{}, logPath)
	}

	if err := s.registry.EnsureDeployFolders(rel, target.NickName); err != nil {
		res.Err = err
		return s.fail(ctx, res, app, req, target, logPath)
	}

	pkg := filepath.Join(deployRoot, domain.PackageFileName)
	if _, err := os.Stat(pkg); err == nil {
		s.log.Info("expanding package", "package", pkg)
		if err := archive.Unpack(pkg, deployRoot); err != nil {
			res.Err = err
			return s.fail(ctx, res, app, req, target, logPath)
		}
	}

	if target.IsDatabase() {
		err = s.deployDatabase(ctx, target, deployRoot)
	} else {
		proc := task.New(app.DeployTasks, s.log)
		s.log.Info("running deploy tasks", "steps", proc.Len())
		taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
		err = proc.Invoke(taskCtx, &task.Context{
			Root:      deployRoot,
			LogPrefix: logPrefix,
			Nickname:  target.NickName,
			Version:   v,
		})
	}
	if err != nil {
		res.Err = err
		return s.fail(ctx, res, app, req, target, logPath)
	}

	// The pointer is the authoritative "what's live" marker; it moves
	// only after the deploy tasks succeeded.
	if err := s.registry.WritePointer(app.Name, target.NickName, v); err != nil {
		res.Err = err
		return s.fail(ctx, res, app, req, target, logPath)
	}
	if err := s.registry.AppendHistory(s.record(res, req, target, true)); err != nil {
		res.Err = err
		return s.fail(ctx, res, app, req, target, logPath)
	}

	s.tee.Detach()
	res.Status = pipeline.StatusSucceeded
	s.sendSuccess(ctx, app.NotificationEmails, res, target)
	if err := s.registry.ArchiveLogs(res.Release, []string{logPath}); err != nil {
		s.log.Warn("log archive failed", "error", err)
	}
	s.log.Info("deploy finished", "release", res.Release.String(), "nickname", target.NickName)
	return res
}

// fail runs the failure tail: disable logging, archive whatever logs
// exist, record the failed attempt, then email.
func (s *Service) fail(ctx context.Context, res pipeline.Result, app *domain.Application, req Request, target domain.DeployTarget, logPath string) pipeline.Result {
	s.tee.Detach()
	s.log.Error("deploy failed", "release", res.Release.String(), "attempt_id", res.AttemptID, "error", res.Err)

	if logPath != "" {
		if err := s.registry.ArchiveLogs(res.Release, []string{logPath}); err != nil {
			s.log.Warn("log archive failed", "error", err)
		}
	}
	if err := s.registry.AppendHistory(s.record(res, req, target, false)); err != nil {
		s.log.Error("history record not written", "error", err)
	}
	s.sendFailure(ctx, app.NotificationEmails, res.Release.String(), logPath, res)
	return res
}

func (s *Service) record(res pipeline.Result, req Request, target domain.DeployTarget, success bool) domain.DeployRecord {
	nickname := target.NickName
	if nickname == "" {
		nickname = req.Nickname
	}
	return domain.DeployRecord{
		Timestamp:   time.Now().UTC(),
		Application: res.Release.Application,
		Nickname:    nickname,
		Server:      target.ServerName,
		Version:     res.Release.Version,
		User:        req.User,
		AttemptID:   res.AttemptID,
		Success:     success,
	}
}

func (s *Service) sendSuccess(ctx context.Context, recipients []string, res pipeline.Result, target domain.DeployTarget) {
	msg := notify.Message{
		To:      recipients,
		Subject: fmt.Sprintf("[shipline] deploy succeeded: %s -> %s", res.Release.String(), target.NickName),
		Body: fmt.Sprintf("Deploy of %s to %s (%s) completed.\nAttempt: %s\n",
			res.Release.String(), target.NickName, target.ServerName, res.AttemptID),
		Attachments: []string{res.LogFile},
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.Error("success notification not sent", "error", err)
	}
}

func (s *Service) sendFailure(ctx context.Context, recipients []string, subjectContext, logPath string, res pipeline.Result) {
	msg := notify.Message{
		To:      recipients,
		Subject: fmt.Sprintf("[shipline] deploy FAILED: %s", subjectContext),
		Body:    fmt.Sprintf("Deploy failed.\nAttempt: %s\nError: %v\n", res.AttemptID, res.Err),
	}
	if logPath != "" {
		msg.Attachments = []string{logPath}
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.Error("failure notification not sent", "error", err)
	}
}
