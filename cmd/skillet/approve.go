package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vfriday/skillet/pkg/gate"
	"github.com/vfriday/skillet/pkg/presenter"
)

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending sensitive-path request",
	Long: `Approve a pending confirm-gate request. An apply transaction that
touches sensitive paths blocks until its request is approved; run this
from a second terminal with the request id the blocked apply printed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := gate.NewStore(workingRoot(cmd))
		req, err := store.Approve(args[0])
		if err != nil {
			presenter.Error(err, "approval failed")
			os.Exit(1)
		}
		presenter.Success(fmt.Sprintf("approved request %s for skill %s", req.ID, req.Skill))
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List confirm-gate requests",
	Run: func(cmd *cobra.Command, _ []string) {
		store := gate.NewStore(workingRoot(cmd))
		reqs, err := store.List()
		if err != nil {
			presenter.Error(err, "failed to list approval requests")
			os.Exit(1)
		}
		if len(reqs) == 0 {
			presenter.Info("no approval requests")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSKILL\tSTATUS\tEXPIRES\tPATHS")
		for _, req := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				req.ID, req.Skill, req.Status,
				req.ExpiresAt.Local().Format(time.RFC3339),
				strings.Join(req.Paths, ","))
		}
		w.Flush()
	},
}
