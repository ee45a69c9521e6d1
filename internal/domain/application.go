package domain

import "strings"

// Application describes one deployable application as declared by its
// versioned XML descriptor. Instances are produced by the descriptor
// package and are read-only afterwards.
type Application struct {
	Name               string
	NotificationEmails []string
	Targets            []DeployTarget
	BuildTasks         []TaskStep
	DeployTasks        []TaskStep
}

// Target resolves an environment nickname against the declared deploy
// targets. Nicknames are matched case-insensitively; descriptors are
// versioned, so the valid set can differ between releases of the same
// application.
func (a Application) Target(nickname string) (DeployTarget, bool) {
	for _, t := range a.Targets {
		if strings.EqualFold(t.NickName, nickname) {
			return t, true
		}
	}
	return DeployTarget{}, false
}

// Nicknames lists the declared environment nicknames in descriptor order.
func (a Application) Nicknames() []string {
	names := make([]string, 0, len(a.Targets))
	for _, t := range a.Targets {
		names = append(names, t.NickName)
	}
	return names
}

// DeployTarget maps an environment nickname to exactly one server. For
// database targets PartnerServer names the mirroring partner tried when
// the primary is offline, and DatabaseName selects the database the
// change scripts are applied to.
type DeployTarget struct {
	NickName      string
	ServerName    string
	PartnerServer string
	DatabaseName  string
}

// IsDatabase reports whether this target is deployed through the
// failover/mirroring database path rather than the task process.
func (t DeployTarget) IsDatabase() bool {
	return t.DatabaseName != ""
}

// TaskStep is one externally declared build or deploy step. Command and
// Args may reference ${Root}, ${ZipFolder}, ${LogPrefix}, ${Nickname}
// and ${Version}, expanded from the task context at invocation time.
type TaskStep struct {
	Name    string
	Command string
	Args    []string
	WorkDir string
}
