// Package task runs the externally declared, XML-ordered build and
// deploy steps. The pipeline hands each invocation an explicit Context
// value; steps never read ambient process-wide state.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/pipeline"
)

// Context carries the variables the pipeline sets before invocation and
// the task steps consume through ${...} expansion.
type Context struct {
	Root      string
	ZipFolder string
	LogPrefix string
	Nickname  string
	Version   int
}

func (c *Context) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"${Root}", c.Root,
		"${ZipFolder}", c.ZipFolder,
		"${LogPrefix}", c.LogPrefix,
		"${Nickname}", c.Nickname,
		"${Version}", strconv.Itoa(c.Version),
	)
}

// Process is an initialized ordered step list ready to invoke.
type Process struct {
	steps []domain.TaskStep
	log   *slog.Logger
}

// New initializes a process from the descriptor's parsed task list.
func New(steps []domain.TaskStep, log *slog.Logger) *Process {
	return &Process{steps: steps, log: log}
}

// Len reports the number of declared steps.
func (p *Process) Len() int {
	return len(p.steps)
}

// Invoke runs every step in declared order, mirroring output to the
// attempt log. The first failing step aborts the rest.
func (p *Process) Invoke(ctx context.Context, tc *Context) error {
	if tc == nil {
		return fmt.Errorf("%w: nil task context", pipeline.ErrTaskProcess)
	}
	expand := tc.replacer()
	for i, step := range p.steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		args := make([]string, len(step.Args))
		for j, a := range step.Args {
			args[j] = expand.Replace(a)
		}
		cmd := exec.CommandContext(ctx, expand.Replace(step.Command), args...)
		if step.WorkDir != "" {
			cmd.Dir = expand.Replace(step.WorkDir)
		} else {
			cmd.Dir = tc.Root
		}
		cmd.Env = os.Environ()

		p.log.Info("task step starting", "step", name, "command", step.Command)
		output, err := cmd.CombinedOutput()
		if len(output) > 0 {
			p.log.Info("task step output", "step", name, "output", strings.TrimSpace(string(output)))
		}
		if err != nil {
			return fmt.Errorf("%w: step %q: %v", pipeline.ErrTaskProcess, name, err)
		}
		p.log.Info("task step finished", "step", name)
	}
	return nil
}
