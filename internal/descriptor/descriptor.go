// Package descriptor loads the per-application XML descriptors that
// drive the pipeline. Parsing and validation happen in one place; a
// descriptor either yields a fully populated domain.Application or a
// pipeline.ErrDescriptorInvalid.
package descriptor

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/pipeline"
)

type xmlApplication struct {
	XMLName xml.Name `xml:"Application"`
	General struct {
		Name               string `xml:"Name"`
		NotificationEmails struct {
			Email []string `xml:"Email"`
		} `xml:"NotificationEmails"`
	} `xml:"General"`
	BuildSettings struct {
		BuildTasks struct {
			TaskProcess xmlTaskProcess `xml:"TaskProcess"`
		} `xml:"BuildTasks"`
	} `xml:"BuildSettings"`
	DeploySettings struct {
		DeployTargets struct {
			Target []xmlTarget `xml:"Target"`
		} `xml:"DeployTargets"`
		DeployTasks struct {
			TaskProcess xmlTaskProcess `xml:"TaskProcess"`
		} `xml:"DeployTasks"`
	} `xml:"DeploySettings"`
}

type xmlTarget struct {
	Name          string `xml:"Name"`
	NickName      string `xml:"NickName"`
	PartnerServer string `xml:"PartnerServer"`
	DatabaseName  string `xml:"DatabaseName"`
}

type xmlTaskProcess struct {
	Step []xmlStep `xml:"Step"`
}

type xmlStep struct {
	Name    string   `xml:"Name,attr"`
	Command string   `xml:"Command"`
	Arg     []string `xml:"Arg"`
	WorkDir string   `xml:"WorkDir"`
}

// Parse reads and validates one application descriptor.
func Parse(r io.Reader) (*domain.Application, error) {
	var raw xmlApplication
	if err := xml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrDescriptorInvalid, err)
	}

	name := strings.ToUpper(strings.TrimSpace(raw.General.Name))
	if name == "" {
		return nil, fmt.Errorf("%w: General/Name is required", pipeline.ErrDescriptorInvalid)
	}
	emails := make([]string, 0, len(raw.General.NotificationEmails.Email))
	for _, e := range raw.General.NotificationEmails.Email {
		if e = strings.TrimSpace(e); e != "" {
			emails = append(emails, e)
		}
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("%w: General/NotificationEmails must list at least one address", pipeline.ErrDescriptorInvalid)
	}

	app := &domain.Application{
		Name:               name,
		NotificationEmails: emails,
	}
	for i, t := range raw.DeploySettings.DeployTargets.Target {
		nick := strings.TrimSpace(t.NickName)
		server := strings.TrimSpace(t.Name)
		if nick == "" || server == "" {
			return nil, fmt.Errorf("%w: deploy target %d needs both Name and NickName", pipeline.ErrDescriptorInvalid, i)
		}
		app.Targets = append(app.Targets, domain.DeployTarget{
			NickName:      nick,
			ServerName:    server,
			PartnerServer: strings.TrimSpace(t.PartnerServer),
			DatabaseName:  strings.TrimSpace(t.DatabaseName),
		})
	}

	var err error
	if app.BuildTasks, err = steps(raw.BuildSettings.BuildTasks.TaskProcess, "build"); err != nil {
		return nil, err
	}
	if app.DeployTasks, err = steps(raw.DeploySettings.DeployTasks.TaskProcess, "deploy"); err != nil {
		return nil, err
	}
	return app, nil
}

func steps(tp xmlTaskProcess, kind string) ([]domain.TaskStep, error) {
	out := make([]domain.TaskStep, 0, len(tp.Step))
	for i, s := range tp.Step {
		cmd := strings.TrimSpace(s.Command)
		if cmd == "" {
			return nil, fmt.Errorf("%w: %s task step %d has no Command", pipeline.ErrDescriptorInvalid, kind, i)
		}
		out = append(out, domain.TaskStep{
			Name:    strings.TrimSpace(s.Name),
			Command: cmd,
			Args:    append([]string(nil), s.Arg...),
			WorkDir: strings.TrimSpace(s.WorkDir),
		})
	}
	return out, nil
}

// Load parses the descriptor file at path.
func Load(path string) (*domain.Application, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", pipeline.ErrDescriptorInvalid, path, err)
	}
	defer f.Close()
	app, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return app, nil
}

// PathFor returns the canonical descriptor path for an application name
// inside a descriptor directory.
func PathFor(dir, name string) string {
	return filepath.Join(dir, strings.ToUpper(name)+".xml")
}

// ListApplications derives the known application names from a descriptor
// directory, one XML descriptor per application.
func ListApplications(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".xml") {
			continue
		}
		names = append(names, strings.ToUpper(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))))
	}
	sort.Strings(names)
	return names, nil
}
