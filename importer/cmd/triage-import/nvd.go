package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/importer"
)

var nvdCmd = &cobra.Command{
	Use:   "import-nvd",
	Short: "Import the NVD change feed",
	RunE:  runImportNVD,
}

var nvdFlags = struct {
	period time.Duration
}{}

func runImportNVD(cmd *cobra.Command, args []string) error {
	return App().Importer.NVDFeed(
		cmd.Context(),
		&importer.APIv2{APIKey: os.Getenv("NVD_API_KEY")},
		nvdFlags.period,
	)
}

func init() {
	nvdCmd.Flags().DurationVarP(&nvdFlags.period, "period", "p", 7*24*time.Hour, "How far back to look for changed records")
	rootCmd.AddCommand(nvdCmd)
}
