package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vfriday/skillet/pkg/manifest"
	"github.com/vfriday/skillet/pkg/presenter"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema for skill.yaml",
	Long:  `Print the JSON schema describing the skill.yaml manifest format, for editor integration and package validation.`,
	Run: func(_ *cobra.Command, _ []string) {
		out, err := json.MarshalIndent(manifest.Schema(), "", "  ")
		if err != nil {
			presenter.Error(err, "failed to encode schema")
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}
