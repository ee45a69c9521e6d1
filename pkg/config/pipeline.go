package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// PipelineConfig holds runtime configuration for the build/deploy
// pipeline. Values come from an optional TOML file with environment
// variables taking precedence.
type PipelineConfig struct {
	// Durable state roots.
	ReleasesRoot        string `toml:"releases_root"`
	CurrentVersionsRoot string `toml:"current_versions_root"`
	LogsArchiveRoot     string `toml:"logs_archive_root"`
	PackagesRoot        string `toml:"packages_root"`
	HistoryFile         string `toml:"history_file"`
	WorkRoot            string `toml:"work_root"`

	// Repository access.
	RepositoryURL     string `toml:"repository_url"`
	RepositoryBin     string `toml:"repository_bin"`
	DescriptorRepoDir string `toml:"descriptor_repo_dir"`
	DescriptorDir     string `toml:"descriptor_dir"`

	// Notification. OpsEmails receives failure mail when a descriptor is
	// too broken to provide its own notification list.
	OpsEmails    []string `toml:"ops_emails"`
	MailEnabled  bool     `toml:"mail_enabled"`
	SMTPHost     string `toml:"smtp_host"`
	SMTPPort     int    `toml:"smtp_port"`
	SMTPUser     string `toml:"smtp_user"`
	SMTPPassword string `toml:"smtp_password"`
	MailFrom     string `toml:"mail_from"`

	// Remote execution.
	RelayHost   string `toml:"relay_host"`
	SSHUser     string `toml:"ssh_user"`
	SSHPassword string `toml:"ssh_password"`
	SSHKeyPath  string `toml:"ssh_key_path"`
	SSHPort     int    `toml:"ssh_port"`

	// Database deploy credentials.
	DBUser     string `toml:"db_user"`
	DBPassword string `toml:"db_password"`

	// Framework self-deploy.
	InstallDir   string `toml:"install_dir"`
	FrameworkApp string `toml:"framework_app"`

	ExportTimeout time.Duration `toml:"export_timeout"`
	TaskTimeout   time.Duration `toml:"task_timeout"`
	RemoteTimeout time.Duration `toml:"remote_timeout"`
	PollInterval  time.Duration `toml:"poll_interval"`
	PollMaxWait   time.Duration `toml:"poll_max_wait"`
}

// LoadPipelineConfig constructs a PipelineConfig from the TOML file at
// path (skipped when path is empty or the file does not exist) with
// environment variable overrides applied on top.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	cfg := PipelineConfig{
		ReleasesRoot:        `/srv/shipline/releases`,
		CurrentVersionsRoot: `/srv/shipline/current-versions`,
		LogsArchiveRoot:     `/srv/shipline/logs-archive`,
		PackagesRoot:        `/srv/shipline/packages`,
		HistoryFile:         `/srv/shipline/deploy-history.log`,
		WorkRoot:            os.TempDir(),
		RepositoryBin:       "svn",
		DescriptorRepoDir:   "applications",
		MailEnabled:         true,
		SMTPPort:            25,
		SSHPort:             22,
		FrameworkApp:        "SHIPLINE",
		ExportTimeout:       2 * time.Minute,
		TaskTimeout:         30 * time.Minute,
		RemoteTimeout:       time.Hour,
		PollInterval:        5 * time.Second,
		PollMaxWait:         5 * time.Minute,
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config file %s: %w", path, err)
			}
		}
	}

	cfg.ReleasesRoot = GetString("SHIPLINE_RELEASES_ROOT", cfg.ReleasesRoot)
	cfg.CurrentVersionsRoot = GetString("SHIPLINE_CURRENT_VERSIONS_ROOT", cfg.CurrentVersionsRoot)
	cfg.LogsArchiveRoot = GetString("SHIPLINE_LOGS_ARCHIVE_ROOT", cfg.LogsArchiveRoot)
	cfg.PackagesRoot = GetString("SHIPLINE_PACKAGES_ROOT", cfg.PackagesRoot)
	cfg.HistoryFile = GetString("SHIPLINE_HISTORY_FILE", cfg.HistoryFile)
	cfg.WorkRoot = GetString("SHIPLINE_WORK_ROOT", cfg.WorkRoot)
	cfg.RepositoryURL = GetString("SHIPLINE_REPOSITORY_URL", cfg.RepositoryURL)
	cfg.RepositoryBin = GetString("SHIPLINE_REPOSITORY_BIN", cfg.RepositoryBin)
	cfg.DescriptorRepoDir = GetString("SHIPLINE_DESCRIPTOR_REPO_DIR", cfg.DescriptorRepoDir)
	cfg.DescriptorDir = GetString("SHIPLINE_DESCRIPTOR_DIR", cfg.DescriptorDir)
	if raw := GetString("SHIPLINE_OPS_EMAILS", ""); raw != "" {
		cfg.OpsEmails = splitList(raw)
	}
	cfg.MailEnabled = GetBool("SHIPLINE_MAIL_ENABLED", cfg.MailEnabled)
	cfg.SMTPHost = GetString("SHIPLINE_SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = GetInt("SHIPLINE_SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUser = GetString("SHIPLINE_SMTP_USER", cfg.SMTPUser)
	cfg.SMTPPassword = GetString("SHIPLINE_SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.MailFrom = GetString("SHIPLINE_MAIL_FROM", cfg.MailFrom)
	cfg.RelayHost = GetString("SHIPLINE_RELAY_HOST", cfg.RelayHost)
	cfg.SSHUser = GetString("SHIPLINE_SSH_USER", cfg.SSHUser)
	cfg.SSHPassword = GetString("SHIPLINE_SSH_PASSWORD", cfg.SSHPassword)
	cfg.SSHKeyPath = GetString("SHIPLINE_SSH_KEY_PATH", cfg.SSHKeyPath)
	cfg.SSHPort = GetInt("SHIPLINE_SSH_PORT", cfg.SSHPort)
	cfg.DBUser = GetString("SHIPLINE_DB_USER", cfg.DBUser)
	cfg.DBPassword = GetString("SHIPLINE_DB_PASSWORD", cfg.DBPassword)
	cfg.InstallDir = GetString("SHIPLINE_INSTALL_DIR", cfg.InstallDir)
	cfg.FrameworkApp = GetString("SHIPLINE_FRAMEWORK_APP", cfg.FrameworkApp)
	cfg.ExportTimeout = GetDuration("SHIPLINE_EXPORT_TIMEOUT", cfg.ExportTimeout)
	cfg.TaskTimeout = GetDuration("SHIPLINE_TASK_TIMEOUT", cfg.TaskTimeout)
	cfg.RemoteTimeout = GetDuration("SHIPLINE_REMOTE_TIMEOUT", cfg.RemoteTimeout)
	cfg.PollInterval = GetDuration("SHIPLINE_POLL_INTERVAL", cfg.PollInterval)
	cfg.PollMaxWait = GetDuration("SHIPLINE_POLL_MAX_WAIT", cfg.PollMaxWait)

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
