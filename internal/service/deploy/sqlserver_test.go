package deploy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mhutton/shipline/pkg/config"
)

// sessionRecorder is a minimal SQL driver that tags every executed
// statement with the connection it ran on, and can simulate losing the
// connection right after USE the way a dropped session would.
type sessionRecorder struct {
	mu           sync.Mutex
	nextID       int
	statements   []string
	dropAfterUse bool
}

func (r *sessionRecorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = append(r.statements, s)
}

func (r *sessionRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statements...)
}

func (r *sessionRecorder) Connect(context.Context) (driver.Conn, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	return &recorderConn{rec: r, id: id}, nil
}

func (r *sessionRecorder) Driver() driver.Driver { return nil }

type recorderConn struct {
	rec  *sessionRecorder
	id   int
	dead bool
}

func (c *recorderConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *recorderConn) Close() error { return nil }

func (c *recorderConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *recorderConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.dead {
		return nil, driver.ErrBadConn
	}
	c.rec.record(fmt.Sprintf("conn%d: %s", c.id, query))
	if c.rec.dropAfterUse && strings.HasPrefix(query, "USE ") {
		c.dead = true
	}
	return driver.RowsAffected(0), nil
}

func recordedController(rec *sessionRecorder) *SQLServerController {
	c := NewSQLServerController(config.PipelineConfig{DBUser: "sa", DBPassword: "x"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.conns["SQLA"] = sql.OpenDB(rec)
	return c
}

func writeSQLFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "001_change.sql")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestApplyScriptRunsAllBatchesOnOneSession(t *testing.T) {
	rec := &sessionRecorder{}
	c := recordedController(rec)
	path := writeSQLFixture(t, "CREATE TABLE t (id INT)\nGO\nINSERT INTO t VALUES (1)\n")

	if err := c.ApplyScript(context.Background(), "SQLA", "widgets", path); err != nil {
		t.Fatalf("apply: %v", err)
	}
	statements := rec.recorded()
	want := []string{
		"conn1: USE [widgets]",
		"conn1: CREATE TABLE t (id INT)",
		"conn1: INSERT INTO t VALUES (1)",
	}
	if len(statements) != len(want) {
		t.Fatalf("got %q, want %q", statements, want)
	}
	for i := range want {
		if statements[i] != want[i] {
			t.Fatalf("statement %d ran as %q, want %q", i, statements[i], want[i])
		}
	}
}

func TestApplyScriptFailsWhenSessionIsLost(t *testing.T) {
	rec := &sessionRecorder{dropAfterUse: true}
	c := recordedController(rec)
	path := writeSQLFixture(t, "CREATE TABLE t (id INT)\n")

	if err := c.ApplyScript(context.Background(), "SQLA", "widgets", path); err == nil {
		t.Fatalf("expected error after losing the session")
	}
	for _, stmt := range rec.recorded() {
		if !strings.Contains(stmt, "USE ") {
			t.Fatalf("batch ran outside the selected database session: %q", stmt)
		}
	}
}

func TestSplitBatches(t *testing.T) {
	script := "CREATE TABLE t (id INT)\nGO\r\n\nINSERT INTO t VALUES (1)\ngo\nSELECT * FROM t\n"
	batches := splitBatches(script)
	want := []string{
		"CREATE TABLE t (id INT)",
		"INSERT INTO t VALUES (1)",
		"SELECT * FROM t",
	}
	if len(batches) != len(want) {
		t.Fatalf("got %d batches %q, want %d", len(batches), batches, len(want))
	}
	for i := range want {
		if batches[i] != want[i] {
			t.Fatalf("batch %d: got %q want %q", i, batches[i], want[i])
		}
	}
}

func TestSplitBatchesKeepsGoInsideLines(t *testing.T) {
	batches := splitBatches("SELECT 'GO' AS keyword\nUPDATE t SET going = 1\n")
	if len(batches) != 1 {
		t.Fatalf("inline GO split the batch: %q", batches)
	}
}

func TestSplitBatchesSkipsEmpty(t *testing.T) {
	batches := splitBatches("GO\n\nGO\nSELECT 1\nGO\nGO\n")
	if len(batches) != 1 || batches[0] != "SELECT 1" {
		t.Fatalf("got %q", batches)
	}
}

func TestQuoteIdent(t *testing.T) {
	cases := map[string]string{
		"widgets":    "[widgets]",
		"odd]name":   "[odd]]name]",
		"with space": "[with space]",
	}
	for in, want := range cases {
		if got := quoteIdent(in); got != want {
			t.Fatalf("quoteIdent(%q) = %q, want %q", in, got, want)
		}
	}
}
