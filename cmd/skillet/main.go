package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vfriday/skillet/pkg/logger"
	"github.com/vfriday/skillet/pkg/presenter"
)

func init() {
	viper.SetEnvPrefix("SKILLET")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.skillet")
	viper.AddConfigPath(".skillet")

	// config file is optional
	_ = viper.ReadInConfig()
}

var rootCmd = &cobra.Command{
	Use:   "skillet",
	Short: "Deterministic skill application for working trees",
	Long: `Skillet applies self-contained skill packages onto a working tree as
all-or-nothing transactions. Every application is validated, snapshotted,
merged through anchor-based edits, tested, and recorded in a
content-addressed ledger that supports drift detection and replay.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logger.SetLogLevel(viper.GetString("log_level"))
		logger.SetLogFormat(viper.GetString("log_format"))
		if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
			presenter.SetQuiet(true)
		}
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

// workingRoot resolves the working tree root flag, defaulting to the
// current directory.
func workingRoot(cmd *cobra.Command) string {
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		root = "."
	}
	return root
}

func main() {
	rootCmd.PersistentFlags().String("root", "", "Working tree root (defaults to the current directory)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, json, text)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress non-essential output")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
