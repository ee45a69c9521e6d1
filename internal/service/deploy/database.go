package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/pipeline"
)

// Controller is the database-administration surface the database deploy
// path needs. The production implementation talks to SQL Server.
type Controller interface {
	Online(ctx context.Context, server, database string) (bool, error)
	MirroringActive(ctx context.Context, server, database string) (bool, error)
	SuspendMirroring(ctx context.Context, server, database string) error
	ResumeMirroring(ctx context.Context, server, database string) error
	ApplyScript(ctx context.Context, server, database, path string) error
}

// scriptFolders is the fixed dependency order for script application.
var scriptFolders = []string{
	"ChangeScripts",
	"Triggers",
	"Views",
	"Functions",
	"StoredProcedures",
	"Jobs",
}

// deployDatabase selects a live server from the configured pair, pauses
// an active mirroring partnership, applies the package's script folders
// in order, and always resumes mirroring it suspended — success or not.
func (s *Service) deployDatabase(ctx context.Context, target domain.DeployTarget, root string) (err error) {
	if s.db == nil {
		return fmt.Errorf("%w: no database controller configured", pipeline.ErrTaskProcess)
	}

	server, err := s.selectLiveServer(ctx, target)
	if err != nil {
		return err
	}

	active, err := s.db.MirroringActive(ctx, server, target.DatabaseName)
	if err != nil {
		return fmt.Errorf("query mirroring state on %s: %w", server, err)
	}
	suspendedByUs := false
	if active {
		s.log.Info("suspending mirroring", "server", server, "database", target.DatabaseName)
		if err := s.db.SuspendMirroring(ctx, server, target.DatabaseName); err != nil {
			return fmt.Errorf("suspend mirroring on %s: %w", server, err)
		}
		suspendedByUs = true
	}
	defer func() {
		if !suspendedByUs {
			return
		}
		// Resume runs on every exit path, panics included, so a failed
		// deploy never leaves the pair permanently un-mirrored.
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if rerr := s.db.ResumeMirroring(rctx, server, target.DatabaseName); rerr != nil {
			s.log.Error("mirroring not resumed; manual intervention needed",
				"server", server, "database", target.DatabaseName, "error", rerr)
			if err == nil {
				err = fmt.Errorf("resume mirroring on %s: %w", server, rerr)
			}
		} else {
			s.log.Info("mirroring resumed", "server", server, "database", target.DatabaseName)
		}
	}()

	return s.applyScriptFolders(ctx, server, target.DatabaseName, root)
}

// selectLiveServer probes the primary first, then the mirroring
// partner. Neither online is fatal before any script runs.
func (s *Service) selectLiveServer(ctx context.Context, target domain.DeployTarget) (string, error) {
	for _, server := range []string{target.ServerName, target.PartnerServer} {
		if server == "" {
			continue
		}
		online, err := s.db.Online(ctx, server, target.DatabaseName)
		if err != nil {
			s.log.Warn("online probe failed", "server", server, "error", err)
			continue
		}
		if online {
			s.log.Info("database server selected", "server", server, "database", target.DatabaseName)
			return server, nil
		}
		s.log.Warn("database server not online", "server", server)
	}
	return "", fmt.Errorf("%w: %s / %s for database %s",
		pipeline.ErrFailover, target.ServerName, target.PartnerServer, target.DatabaseName)
}

// applyScriptFolders applies each folder's .sql files in lexical order.
// The first failing statement aborts the remaining files in the folder
// and the whole deploy.
func (s *Service) applyScriptFolders(ctx context.Context, server, database, root string) error {
	for _, folder := range scriptFolders {
		dir := filepath.Join(root, folder)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read script folder %s: %w", folder, err)
		}
		var scripts []string
		for _, entry := range entries {
			if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".sql") {
				scripts = append(scripts, entry.Name())
			}
		}
		sort.Strings(scripts)
		for _, name := range scripts {
			s.log.Info("applying script", "folder", folder, "script", name, "server", server)
			if err := s.db.ApplyScript(ctx, server, database, filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("%w: %s/%s: %v", pipeline.ErrTaskProcess, folder, name, err)
			}
		}
	}
	return nil
}
