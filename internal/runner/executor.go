package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// Execution is one job run as seen by an executor.
type Execution struct {
	Image     string
	Script    []string
	Env       map[string]string
	Workspace string
}

// Command joins the script lines into a single shell command that stops
// at the first failing line.
func (e Execution) Command() string {
	return strings.Join(e.Script, " && ")
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (e Execution) EnvList() []string {
	out := make([]string, 0, len(e.Env))
	for _, k := range slices.Sorted(maps.Keys(e.Env)) {
		out = append(out, k+"="+e.Env[k])
	}
	return out
}

// Executor runs a job script and writes its combined output to out. It
// returns the process exit code. Canceling ctx must stop the execution;
// Run then returns ctx.Err().
type Executor interface {
	Run(ctx context.Context, e Execution, out io.Writer) (int, error)
}

// ShellExecutor runs scripts directly on the host. The image is ignored.
type ShellExecutor struct {
	shell string
}

// NewShellExecutor creates a ShellExecutor. An empty shell means bash.
func NewShellExecutor(shell string) *ShellExecutor {
	if shell == "" {
		shell = "bash"
	}
	return &ShellExecutor{shell: shell}
}

func (s *ShellExecutor) Run(ctx context.Context, e Execution, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, s.shell, "-c", e.Command())
	cmd.Dir = e.Workspace
	cmd.Env = append(os.Environ(), e.EnvList()...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("running %s: %w", s.shell, err)
}

var _ Executor = (*ShellExecutor)(nil)
