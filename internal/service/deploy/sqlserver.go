package deploy

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"log/slog"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/mhutton/shipline/pkg/config"
)

// SQLServerController implements Controller against SQL Server using
// the pipeline's database credential. Connections are opened per server
// on first use and reused for the rest of the attempt.
type SQLServerController struct {
	user     string
	password string
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*sql.DB
}

// NewSQLServerController returns a controller using the credentials in cfg.
func NewSQLServerController(cfg config.PipelineConfig, log *slog.Logger) *SQLServerController {
	return &SQLServerController{
		user:     cfg.DBUser,
		password: cfg.DBPassword,
		log:      log,
		conns:    make(map[string]*sql.DB),
	}
}

// Close releases every pooled connection.
func (c *SQLServerController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for server, db := range c.conns {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, server)
	}
	return first
}

func (c *SQLServerController) conn(server string) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.conns[server]; ok {
		return db, nil
	}
	dsn := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.user, c.password),
		Host:     server,
		RawQuery: url.Values{"app name": {"shipline"}}.Encode(),
	}
	db, err := sql.Open("sqlserver", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("open connection to %s: %w", server, err)
	}
	c.conns[server] = db
	return db, nil
}

// Online reports whether the server is reachable and the database is in
// the ONLINE state.
func (c *SQLServerController) Online(ctx context.Context, server, database string) (bool, error) {
	db, err := c.conn(server)
	if err != nil {
		return false, err
	}
	var state int
	err = db.QueryRowContext(ctx,
		"SELECT state FROM sys.databases WHERE name = @name",
		sql.Named("name", database)).Scan(&state)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("database %s does not exist on %s", database, server)
	}
	if err != nil {
		return false, err
	}
	return state == 0, nil
}

// MirroringActive reports whether a mirroring partnership is enabled
// and not already suspended for the database.
func (c *SQLServerController) MirroringActive(ctx context.Context, server, database string) (bool, error) {
	db, err := c.conn(server)
	if err != nil {
		return false, err
	}
	var state int
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(dm.mirroring_state, -1)
		   FROM sys.database_mirroring dm
		   JOIN sys.databases d ON d.database_id = dm.database_id
		  WHERE d.name = @name`,
		sql.Named("name", database)).Scan(&state)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// -1: not mirrored, 0: suspended. Anything else is a live partnership.
	return state > 0, nil
}

// SuspendMirroring pauses the mirroring partnership.
func (c *SQLServerController) SuspendMirroring(ctx context.Context, server, database string) error {
	return c.alterPartner(ctx, server, database, "SUSPEND")
}

// ResumeMirroring resumes a suspended mirroring partnership.
func (c *SQLServerController) ResumeMirroring(ctx context.Context, server, database string) error {
	return c.alterPartner(ctx, server, database, "RESUME")
}

func (c *SQLServerController) alterPartner(ctx context.Context, server, database, verb string) error {
	db, err := c.conn(server)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("ALTER DATABASE %s SET PARTNER %s", quoteIdent(database), verb)
	_, err = db.ExecContext(ctx, stmt)
	return err
}

// ApplyScript runs one .sql file against the database, batch by batch.
// USE is per-session state and the pool hands out connections per call,
// so the whole script is pinned to a single session: if that session is
// lost mid-script the remaining batches fail instead of silently running
// against the login's default database on a fresh connection.
func (c *SQLServerController) ApplyScript(ctx context.Context, server, database, path string) error {
	db, err := c.conn(server)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	session, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire session on %s: %w", server, err)
	}
	defer session.Close()
	if _, err := session.ExecContext(ctx, fmt.Sprintf("USE %s", quoteIdent(database))); err != nil {
		return fmt.Errorf("select database %s: %w", database, err)
	}
	for i, batch := range splitBatches(string(data)) {
		if _, err := session.ExecContext(ctx, batch); err != nil {
			return fmt.Errorf("batch %d: %w", i+1, err)
		}
	}
	return nil
}

// splitBatches splits a script on GO separator lines, the T-SQL batch
// delimiter, skipping empty batches.
func splitBatches(script string) []string {
	var batches []string
	var current []string
	flush := func() {
		batch := strings.TrimSpace(strings.Join(current, "\n"))
		if batch != "" {
			batches = append(batches, batch)
		}
		current = current[:0]
	}
	for _, line := range strings.Split(script, "\n") {
		if strings.EqualFold(strings.TrimSpace(strings.TrimRight(line, "\r")), "GO") {
			flush()
			continue
		}
		current = append(current, strings.TrimRight(line, "\r"))
	}
	flush()
	return batches
}

func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
