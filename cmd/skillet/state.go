package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aymanbagabas/go-udiff"
	"github.com/spf13/cobra"

	"github.com/vfriday/skillet/pkg/presenter"
	"github.com/vfriday/skillet/pkg/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the ledger of applied skills",
	Long: `Show the engine state for the working tree: the base snapshot, every
recorded skill application in order, and the ledger hash.`,
	Run: func(cmd *cobra.Command, _ []string) {
		root := workingRoot(cmd)
		asJSON, _ := cmd.Flags().GetBool("json")

		tracker := state.New(root)
		ledger, err := tracker.Load()
		if err != nil {
			presenter.Error(err, "failed to load ledger")
			os.Exit(1)
		}

		if asJSON {
			out, err := json.MarshalIndent(ledger, "", "  ")
			if err != nil {
				presenter.Error(err, "failed to encode ledger")
				os.Exit(1)
			}
			fmt.Println(string(out))
			return
		}

		presenter.Section("ledger")
		presenter.Info(fmt.Sprintf("base snapshot  %s", shortHash(ledger.BaseSnapshotID)))
		hash, err := ledger.Hash()
		if err != nil {
			presenter.Error(err, "failed to hash ledger")
			os.Exit(1)
		}
		presenter.Info(fmt.Sprintf("ledger hash    %s", shortHash(hash)))
		presenter.Info(fmt.Sprintf("records        %d", len(ledger.Records)))

		for _, rec := range ledger.Records {
			marker := " "
			if rec.Superseded {
				marker = "s"
			}
			presenter.Info(fmt.Sprintf("%3d %s %-24s %-10s %s %d files",
				rec.Seq, marker, rec.Name, rec.Version, rec.TestResult, len(rec.AffectedFiles)))
		}
	},
}

var stateVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Detect out-of-band drift in tracked files",
	Long: `Compare every tracked file's live content hash against the ledger.
With --replay the whole ledger is replayed over the base snapshot and the
result checked against the recorded hashes, catching ledger corruption as
well as tree drift. With --diff each drifted file is shown as a unified
diff from its expected content.

Exits non-zero when drift is found.`,
	Run: func(cmd *cobra.Command, _ []string) {
		root := workingRoot(cmd)
		asJSON, _ := cmd.Flags().GetBool("json")
		withDiff, _ := cmd.Flags().GetBool("diff")
		withReplay, _ := cmd.Flags().GetBool("replay")

		tracker := state.New(root)
		ledger, err := tracker.Load()
		if err != nil {
			presenter.Error(err, "failed to load ledger")
			os.Exit(1)
		}

		if withReplay {
			if err := tracker.VerifyReplay(ledger); err != nil {
				presenter.Error(err, "replay verification failed")
				os.Exit(1)
			}
			presenter.Success("replay matches the ledger")
		}

		reports, err := tracker.Verify(ledger)
		if err != nil {
			presenter.Error(err, "verification failed")
			os.Exit(1)
		}

		if asJSON {
			out, err := json.MarshalIndent(reports, "", "  ")
			if err != nil {
				presenter.Error(err, "failed to encode drift report")
				os.Exit(1)
			}
			fmt.Println(string(out))
			if len(reports) > 0 {
				os.Exit(1)
			}
			return
		}

		if len(reports) == 0 {
			presenter.Success("no drift detected")
			return
		}

		var expected map[string][]byte
		if withDiff {
			expected, err = tracker.Replay(ledger)
			if err != nil {
				presenter.Error(err, "failed to replay ledger for diff")
				os.Exit(1)
			}
		}

		for _, report := range reports {
			if report.Missing {
				presenter.Warning(fmt.Sprintf("%s: tracked file is missing", report.Path))
			} else {
				presenter.Warning(fmt.Sprintf("%s: drifted (recorded %s, live %s)",
					report.Path, shortHash(report.RecordedHash), shortHash(report.LiveHash)))
			}
			if withDiff {
				printDrift(root, report, expected[report.Path])
			}
		}
		os.Exit(1)
	},
}

// printDrift renders the drifted file as a diff from the content the
// ledger says it should have.
func printDrift(root string, report state.DriftReport, want []byte) {
	live, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(report.Path)))
	if err != nil {
		if !os.IsNotExist(err) {
			presenter.Error(err, "failed to read drifted file")
			return
		}
		live = nil
	}
	diff := udiff.Unified("recorded/"+report.Path, "live/"+report.Path, string(want), string(live))
	fmt.Print(diff)
}

func init() {
	stateCmd.Flags().Bool("json", false, "Print the ledger as JSON")
	stateVerifyCmd.Flags().Bool("json", false, "Print the drift report as JSON")
	stateVerifyCmd.Flags().Bool("diff", false, "Show drifted files as unified diffs from their expected content")
	stateVerifyCmd.Flags().Bool("replay", false, "Also replay the full ledger over the base snapshot")
	stateCmd.AddCommand(stateVerifyCmd)
}
