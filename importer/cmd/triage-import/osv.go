package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var osvCmd = &cobra.Command{
	Use:   "import-osv <file>...",
	Short: "Import OSV advisories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImportOSV,
}

func runImportOSV(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, name := range args {
		if err := importOSVFile(cmd, name); err != nil {
			slog.Error("could not import osv advisory", "file", name, "err", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d advisories failed", failed, len(args))
	}
	return nil
}

func importOSVFile(cmd *cobra.Command, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	return App().Importer.ImportOSV(cmd.Context(), f)
}

func init() {
	rootCmd.AddCommand(osvCmd)
}
