package health

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// DefaultCommand lists processes and keeps the cron daemon's line.
const DefaultCommand = "ps -e | grep crond"

// CommandRunner runs a shell pipeline and returns its stdout.
// grep exits 1 on no match; that is reported as empty output, not an error.
type CommandRunner struct {
	Shell   string
	Command string
}

func (c CommandRunner) Run(ctx context.Context) ([]byte, error) {
	shell := strings.TrimSpace(c.Shell)
	if shell == "" {
		shell = "/bin/sh"
	}
	command := strings.TrimSpace(c.Command)
	if command == "" {
		command = DefaultCommand
	}
	out, err := exec.CommandContext(ctx, shell, "-c", command).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}
