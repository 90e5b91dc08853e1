package runner

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/logger"
	"github.com/vfriday/skillet/pkg/manifest"
	"github.com/vfriday/skillet/pkg/state"
)

// runChecks runs the skill's post_apply commands and then its declared
// test command inside the merged tree. Any non-zero exit, timeout, or
// cancellation counts as failure; there is no partial credit.
func runChecks(ctx context.Context, opts Options, m *manifest.SkillManifest, outcome *Outcome) (state.TestResult, error) {
	for _, command := range m.PostApply {
		output, err := runCommand(ctx, opts.Root, command, opts.TestTimeout)
		outcome.TestOutput = output
		if err != nil {
			return "", errors.Wrapf(err, "post_apply command %q", command)
		}
	}

	if m.Test == "" {
		logger.G(ctx).Debug("skill declares no test command")
		return state.TestSkipped, nil
	}

	output, err := runCommand(ctx, opts.Root, m.Test, opts.TestTimeout)
	outcome.TestOutput = output
	if err != nil {
		return "", err
	}
	return state.TestPass, nil
}

// runCommand executes a shell command with the working tree root as its
// working directory, bounded by timeout.
func runCommand(ctx context.Context, root, command string, timeout time.Duration) (string, error) {
	log := logger.G(ctx).WithField("command", command)
	log.Debug("running command")

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = root

	raw, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(raw), "\n")
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, errors.Wrapf(ErrTestTimeout, "command exceeded %s", timeout)
		}
		if ctx.Err() == context.Canceled {
			return output, errors.Wrap(ErrTestFailure, "command cancelled")
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, errors.Wrapf(ErrTestFailure, "exit status %d", exitErr.ExitCode())
		}
		return output, errors.Wrap(ErrTestFailure, err.Error())
	}
	return output, nil
}
