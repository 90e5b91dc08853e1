package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vfriday/skillet/pkg/presenter"
	"github.com/vfriday/skillet/pkg/runner"
)

type ApplyConfig struct {
	Update       bool
	Recover      string
	TestTimeout  time.Duration
	ApprovalTTL  time.Duration
	ApprovalPoll time.Duration
}

func NewApplyConfig() *ApplyConfig {
	return &ApplyConfig{
		TestTimeout:  2 * time.Minute,
		ApprovalTTL:  time.Hour,
		ApprovalPoll: 2 * time.Second,
	}
}

var applyCmd = &cobra.Command{
	Use:   "apply <skill-dir>",
	Short: "Apply a skill package to the working tree",
	Long: `Apply the skill package at <skill-dir> as a single transaction.

The package is validated, the affected files are snapshotted, the declared
adds and anchor edits are merged, post_apply commands and the declared test
run inside the merged tree, and on success the application is recorded in
the ledger. Any failure rolls the tree back byte-for-byte.

Examples:
  skillet apply ./skills/lean-config
  skillet apply ./skills/lean-config --update
  skillet apply --recover restore`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := getApplyConfigFromFlags(cmd)
		root := workingRoot(cmd)

		if config.Recover != "" {
			if err := runner.Recover(cmd.Context(), root, runner.Decision(config.Recover)); err != nil {
				presenter.Error(err, "recovery failed")
				os.Exit(1)
			}
			presenter.Success("recovery complete")
			return
		}

		if len(args) != 1 {
			presenter.Error(errors.New("missing skill package directory"), "usage: skillet apply <skill-dir>")
			os.Exit(1)
		}

		outcome, err := runner.Apply(cmd.Context(), runner.Options{
			Root:         root,
			SkillDir:     args[0],
			Update:       config.Update,
			TestTimeout:  config.TestTimeout,
			ApprovalTTL:  config.ApprovalTTL,
			ApprovalPoll: config.ApprovalPoll,
		})
		if err != nil {
			reportFailure(outcome, err)
			os.Exit(1)
		}

		presenter.Success(fmt.Sprintf("applied %s %s", outcome.Skill, outcome.Version))
		for path, hash := range outcome.AffectedFiles {
			presenter.Info(fmt.Sprintf("  %s %s", shortHash(hash), path))
		}
		if len(outcome.EnvAdded) > 0 {
			presenter.Info(fmt.Sprintf("added env keys to .env.example: %v", outcome.EnvAdded))
		}
	},
}

func reportFailure(outcome *runner.Outcome, err error) {
	switch {
	case outcome != nil && outcome.Conflict != nil:
		presenter.Error(err, "merge conflict; no changes were kept")
	case errors.Is(err, runner.ErrTestFailure), errors.Is(err, runner.ErrTestTimeout):
		presenter.Error(err, "verification failed; the working tree was rolled back")
		if outcome != nil && outcome.TestOutput != "" {
			presenter.Section("test output")
			presenter.Info(outcome.TestOutput)
		}
	case outcome != nil && outcome.RolledBack:
		presenter.Error(err, "apply failed; the working tree was rolled back")
	default:
		presenter.Error(err, "apply failed")
	}
}

func getApplyConfigFromFlags(cmd *cobra.Command) *ApplyConfig {
	config := NewApplyConfig()
	config.Update, _ = cmd.Flags().GetBool("update")
	config.Recover, _ = cmd.Flags().GetString("recover")
	config.TestTimeout, _ = cmd.Flags().GetDuration("test-timeout")
	config.ApprovalTTL, _ = cmd.Flags().GetDuration("approval-ttl")
	config.ApprovalPoll, _ = cmd.Flags().GetDuration("approval-poll")
	return config
}

func init() {
	defaults := NewApplyConfig()
	applyCmd.Flags().Bool("update", false, "Allow re-applying an already applied skill, superseding its record")
	applyCmd.Flags().String("recover", "", "Resolve an orphaned transaction (restore or discard) instead of applying")
	applyCmd.Flags().Duration("test-timeout", defaults.TestTimeout, "Timeout for post_apply and test commands")
	applyCmd.Flags().Duration("approval-ttl", defaults.ApprovalTTL, "How long an approval request stays valid")
	applyCmd.Flags().Duration("approval-poll", defaults.ApprovalPoll, "Polling interval while waiting for approval")
}
