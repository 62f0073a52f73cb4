package main

import (
	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/importer"
)

var vulnrichmentCmd = &cobra.Command{
	Use:   "import-vulnrich",
	Short: "Import CISA vulnrichment records",
	RunE:  runImportVulnrichment,
}

func runImportVulnrichment(cmd *cobra.Command, args []string) error {
	i, err := importer.New(App().Engine, App().Config)
	if err != nil {
		return err
	}
	return i.VulnrichFeed(cmd.Context())
}

func init() {
	rootCmd.AddCommand(vulnrichmentCmd)
}
