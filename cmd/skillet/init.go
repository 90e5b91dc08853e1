package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vfriday/skillet/pkg/presenter"
	"github.com/vfriday/skillet/pkg/state"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the engine for a working tree",
	Long: `Initialize the .skillet state directory: capture a base snapshot of the
working tree and create an empty ledger. Running init on an already
initialized tree is a no-op unless --force is given, which discards the
existing ledger and re-captures the base snapshot.`,
	Run: func(cmd *cobra.Command, _ []string) {
		force, _ := cmd.Flags().GetBool("force")
		root := workingRoot(cmd)

		tracker := state.New(root)
		existed := tracker.Initialized()

		ledger, err := tracker.Init(force)
		if err != nil {
			presenter.Error(err, "failed to initialize engine")
			os.Exit(1)
		}

		switch {
		case existed && !force:
			presenter.Info(fmt.Sprintf("already initialized (%d skills recorded)", len(ledger.Records)))
		case existed && force:
			presenter.Success(fmt.Sprintf("reinitialized; base snapshot %s", shortHash(ledger.BaseSnapshotID)))
		default:
			presenter.Success(fmt.Sprintf("initialized; base snapshot %s", shortHash(ledger.BaseSnapshotID)))
		}
	},
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	initCmd.Flags().Bool("force", false, "Discard the existing ledger and re-capture the base snapshot")
}
