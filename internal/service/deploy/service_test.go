package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mhutton/shipline/internal/archive"
	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/notify"
	"github.com/mhutton/shipline/internal/pipeline"
	"github.com/mhutton/shipline/internal/registry"
	"github.com/mhutton/shipline/pkg/config"
	"github.com/mhutton/shipline/pkg/logger"
)

const widgetsDescriptor = `<Application>
  <General>
    <Name>WIDGETS</Name>
    <NotificationEmails><Email>widgets-team@example.com</Email></NotificationEmails>
  </General>
  <BuildSettings><BuildTasks><TaskProcess></TaskProcess></BuildTasks></BuildSettings>
  <DeploySettings>
    <DeployTargets>
      <Target><Name>WEB01</Name><NickName>DEVWEB</NickName></Target>
      <Target>
        <Name>SQLA</Name><NickName>DEVDB</NickName>
        <PartnerServer>SQLB</PartnerServer>
        <DatabaseName>widgets</DatabaseName>
      </Target>
    </DeployTargets>
    <DeployTasks><TaskProcess></TaskProcess></DeployTasks>
  </DeploySettings>
</Application>`

type fakeNotifier struct {
	sent []notify.Message
}

func (f *fakeNotifier) Send(ctx context.Context, msg notify.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

// fakeController records the administration calls the database path
// makes, in order.
type fakeController struct {
	online    map[string]bool
	onlineErr map[string]error
	mirroring bool

	suspended bool
	resumed   bool
	applied   []string
	applyErr  map[string]error
	calls     int
}

func (f *fakeController) key(server, path string) string {
	return server + ":" + filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
}

func (f *fakeController) Online(ctx context.Context, server, database string) (bool, error) {
	f.calls++
	if err := f.onlineErr[server]; err != nil {
		return false, err
	}
	return f.online[server], nil
}

func (f *fakeController) MirroringActive(ctx context.Context, server, database string) (bool, error) {
	f.calls++
	return f.mirroring, nil
}

func (f *fakeController) SuspendMirroring(ctx context.Context, server, database string) error {
	f.calls++
	f.suspended = true
	return nil
}

func (f *fakeController) ResumeMirroring(ctx context.Context, server, database string) error {
	f.calls++
	f.resumed = true
	return nil
}

func (f *fakeController) ApplyScript(ctx context.Context, server, database, path string) error {
	f.calls++
	key := f.key(server, path)
	f.applied = append(f.applied, key)
	return f.applyErr[filepath.Base(path)]
}

type deployEnv struct {
	svc      *Service
	db       *fakeController
	notifier *fakeNotifier
	reg      *registry.Registry
	root     string // the expanded deploy folder
	descPath string
}

func newDeployEnv(t *testing.T, version int) *deployEnv {
	t.Helper()
	stateRoot := t.TempDir()
	cfg := config.PipelineConfig{
		ReleasesRoot:        filepath.Join(stateRoot, "Releases"),
		CurrentVersionsRoot: filepath.Join(stateRoot, "CurrentVersions"),
		LogsArchiveRoot:     filepath.Join(stateRoot, "LogsArchive"),
		PackagesRoot:        filepath.Join(stateRoot, "Packages"),
		HistoryFile:         filepath.Join(stateRoot, "deploy_history.txt"),
		OpsEmails:           []string{"ops@example.com"},
		TaskTimeout:         time.Minute,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(cfg, log)

	root := t.TempDir()
	descPath := filepath.Join(root, "WIDGETS.xml")
	if err := os.WriteFile(descPath, []byte(widgetsDescriptor), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	if version > 0 {
		rel := domain.Release{Application: "WIDGETS", Version: version}
		if err := reg.WriteVersionFile(root, rel); err != nil {
			t.Fatalf("write version file: %v", err)
		}
	}

	db := &fakeController{online: map[string]bool{}, onlineErr: map[string]error{}, applyErr: map[string]error{}}
	notifier := &fakeNotifier{}
	svc := New(cfg, reg, notifier, db, testTee(), log)
	return &deployEnv{svc: svc, db: db, notifier: notifier, reg: reg, root: root, descPath: descPath}
}

func testTee() *logger.Tee {
	return logger.NewTeeTo(io.Discard)
}

func packTestZip(t *testing.T, dir, zipPath string) {
	t.Helper()
	if _, _, err := archive.Pack(dir, zipPath); err != nil {
		t.Fatalf("pack fixture: %v", err)
	}
}

func (e *deployEnv) writeScript(t *testing.T, folder, name, body string) {
	t.Helper()
	dir := filepath.Join(e.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", folder, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s/%s: %v", folder, name, err)
	}
}

func (e *deployEnv) history(t *testing.T) []domain.DeployRecord {
	t.Helper()
	records, err := e.reg.History()
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return records
}

func TestDeployWebTargetSucceeds(t *testing.T) {
	env := newDeployEnv(t, 42)
	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVWEB", User: "jsmith"})
	if res.Failed() {
		t.Fatalf("deploy failed: %v", res.Err)
	}

	v, err := env.reg.ReadPointer("WIDGETS", "DEVWEB")
	if err != nil || v != 42 {
		t.Fatalf("pointer not advanced: %d %v", v, err)
	}
	records := env.history(t)
	if len(records) != 1 || !records[0].Success {
		t.Fatalf("expected one success record, got %+v", records)
	}
	if records[0].Server != "WEB01" || records[0].User != "jsmith" {
		t.Fatalf("record missing context: %+v", records[0])
	}
	if len(env.notifier.sent) != 1 || !strings.Contains(env.notifier.sent[0].Subject, "succeeded") {
		t.Fatalf("unexpected notifications: %+v", env.notifier.sent)
	}
	if env.db.calls != 0 {
		t.Fatalf("web deploy touched the database controller %d times", env.db.calls)
	}
}

func TestDeployUnknownNicknameFailsOnce(t *testing.T) {
	env := newDeployEnv(t, 42)
	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "PRODWEB", User: "jsmith"})
	if !errors.Is(res.Err, pipeline.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "DEVWEB") {
		t.Fatalf("error does not list valid nicknames: %v", res.Err)
	}

	records := env.history(t)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("expected one failure record, got %+v", records)
	}
	if records[0].Nickname != "PRODWEB" {
		t.Fatalf("record kept wrong nickname: %+v", records[0])
	}
	if len(env.notifier.sent) != 1 || !strings.Contains(env.notifier.sent[0].Subject, "FAILED") {
		t.Fatalf("unexpected notifications: %+v", env.notifier.sent)
	}
	if _, err := env.reg.ReadPointer("WIDGETS", "PRODWEB"); !errors.Is(err, registry.ErrNoPointer) {
		t.Fatalf("pointer written for failed deploy: %v", err)
	}
	if env.db.calls != 0 {
		t.Fatalf("failed target resolution still touched the database")
	}
}

func TestDeployMissingVersionFileFails(t *testing.T) {
	env := newDeployEnv(t, 0) // no version file written
	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVWEB"})
	if res.Err == nil {
		t.Fatalf("expected failure without version file")
	}
	records := env.history(t)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("expected one failure record, got %+v", records)
	}
}

func TestDeployMissingDescriptorNotifiesOps(t *testing.T) {
	env := newDeployEnv(t, 42)
	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: filepath.Join(env.root, "nope.xml"), Nickname: "DEVWEB"})
	if !errors.Is(res.Err, pipeline.ErrDescriptorInvalid) {
		t.Fatalf("expected ErrDescriptorInvalid, got %v", res.Err)
	}
	if len(env.notifier.sent) != 1 {
		t.Fatalf("expected one failure email, got %d", len(env.notifier.sent))
	}
	if to := env.notifier.sent[0].To; len(to) != 1 || to[0] != "ops@example.com" {
		t.Fatalf("failure email went to %v", to)
	}
	// No application identified yet, so no history record.
	if records := env.history(t); len(records) != 0 {
		t.Fatalf("unexpected history: %+v", records)
	}
}

func TestDeployDatabaseAppliesScriptsInOrder(t *testing.T) {
	env := newDeployEnv(t, 42)
	env.db.online["SQLA"] = true
	env.db.mirroring = true
	env.writeScript(t, "ChangeScripts", "002_alter.sql", "ALTER TABLE t ADD c INT")
	env.writeScript(t, "ChangeScripts", "001_create.sql", "CREATE TABLE t (id INT)")
	env.writeScript(t, "Views", "v_orders.sql", "CREATE VIEW v AS SELECT 1")
	env.writeScript(t, "Views", "readme.txt", "not a script")

	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVDB"})
	if res.Failed() {
		t.Fatalf("deploy failed: %v", res.Err)
	}

	want := []string{
		"SQLA:ChangeScripts/001_create.sql",
		"SQLA:ChangeScripts/002_alter.sql",
		"SQLA:Views/v_orders.sql",
	}
	if len(env.db.applied) != len(want) {
		t.Fatalf("applied %v, want %v", env.db.applied, want)
	}
	for i := range want {
		if env.db.applied[i] != want[i] {
			t.Fatalf("applied %v, want %v", env.db.applied, want)
		}
	}
	if !env.db.suspended || !env.db.resumed {
		t.Fatalf("mirroring lifecycle incomplete: suspended=%v resumed=%v", env.db.suspended, env.db.resumed)
	}
	if v, err := env.reg.ReadPointer("WIDGETS", "DEVDB"); err != nil || v != 42 {
		t.Fatalf("pointer not advanced: %d %v", v, err)
	}
}

func TestDeployDatabaseFailsOverToPartner(t *testing.T) {
	env := newDeployEnv(t, 42)
	env.db.onlineErr["SQLA"] = errors.New("connection refused")
	env.db.online["SQLB"] = true
	env.writeScript(t, "StoredProcedures", "usp_list.sql", "CREATE PROC usp_list AS SELECT 1")

	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVDB"})
	if res.Failed() {
		t.Fatalf("deploy failed: %v", res.Err)
	}
	if len(env.db.applied) != 1 || env.db.applied[0] != "SQLB:StoredProcedures/usp_list.sql" {
		t.Fatalf("scripts not applied against the partner: %v", env.db.applied)
	}
}

func TestDeployDatabaseNeitherServerOnline(t *testing.T) {
	env := newDeployEnv(t, 42)
	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVDB"})
	if !errors.Is(res.Err, pipeline.ErrFailover) {
		t.Fatalf("expected ErrFailover, got %v", res.Err)
	}
	if len(env.db.applied) != 0 || env.db.suspended {
		t.Fatalf("work happened with no live server: %+v", env.db)
	}
	records := env.history(t)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("expected one failure record, got %+v", records)
	}
}

func TestDeployDatabaseResumesMirroringAfterScriptFailure(t *testing.T) {
	env := newDeployEnv(t, 42)
	env.db.online["SQLA"] = true
	env.db.mirroring = true
	env.db.applyErr["002_bad.sql"] = errors.New("syntax error near GO")
	env.writeScript(t, "ChangeScripts", "001_ok.sql", "SELECT 1")
	env.writeScript(t, "ChangeScripts", "002_bad.sql", "SELEC oops")
	env.writeScript(t, "ChangeScripts", "003_never.sql", "SELECT 3")

	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVDB"})
	if !errors.Is(res.Err, pipeline.ErrTaskProcess) {
		t.Fatalf("expected ErrTaskProcess, got %v", res.Err)
	}
	if !env.db.resumed {
		t.Fatalf("mirroring left suspended after a failed deploy")
	}
	if len(env.db.applied) != 2 {
		t.Fatalf("scripts after the failure still ran: %v", env.db.applied)
	}
	if _, err := env.reg.ReadPointer("WIDGETS", "DEVDB"); !errors.Is(err, registry.ErrNoPointer) {
		t.Fatalf("pointer moved for a failed deploy: %v", err)
	}
	records := env.history(t)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("expected one failure record, got %+v", records)
	}
}

func TestDeployDatabaseWithoutControllerFailsCleanly(t *testing.T) {
	env := newDeployEnv(t, 42)
	env.svc.db = nil
	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVDB"})
	if !errors.Is(res.Err, pipeline.ErrTaskProcess) {
		t.Fatalf("expected ErrTaskProcess, got %v", res.Err)
	}
}

func TestDeployExpandsPackageBeforeTasks(t *testing.T) {
	env := newDeployEnv(t, 42)
	env.db.online["SQLA"] = true

	// Scripts travel inside the package, not alongside the descriptor.
	staging := t.TempDir()
	if err := os.MkdirAll(filepath.Join(staging, "Views"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "Views", "v_packed.sql"), []byte("SELECT 1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	packTestZip(t, staging, filepath.Join(env.root, domain.PackageFileName))

	res := env.svc.Deploy(context.Background(), Request{DescriptorPath: env.descPath, Nickname: "DEVDB"})
	if res.Failed() {
		t.Fatalf("deploy failed: %v", res.Err)
	}
	if len(env.db.applied) != 1 || env.db.applied[0] != "SQLA:Views/v_packed.sql" {
		t.Fatalf("packaged script not applied: %v", env.db.applied)
	}
}
