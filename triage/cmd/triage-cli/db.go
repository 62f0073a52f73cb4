package main

import (
	"os"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Commands to work with the database",
}

var dbCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Commands to cleanup the database",
}

var dbCleanServiceCmd = &cobra.Command{
	Use:   "service <service-id>",
	Short: "Remove a service with its dependencies and tickets",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBCleanService,
}

var dbCleanOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Remove threats and tickets whose dependency or vulnerability is gone",
	RunE:  runDBCleanOrphans,
}

var gcFlags = struct {
	dryRun bool
}{}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runDBMigrate,
}

func runDBCleanService(cmd *cobra.Command, args []string) error {
	return triage.CleanupService(
		cmd.Context(),
		_app.Engine,
		os.Stdout,
		args[0],
		gcFlags.dryRun,
	)
}

func runDBCleanOrphans(cmd *cobra.Command, args []string) error {
	_, err := triage.CleanupOrphans(cmd.Context(), _app.DB, os.Stdout, gcFlags.dryRun)
	return err
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	return triage.Migrate(_app.DB)
}

func init() {
	dbCmd.PersistentFlags().BoolVarP(&gcFlags.dryRun, "dry-run", "n", false, "Only show the amount of records found")

	dbCleanCmd.AddCommand(dbCleanServiceCmd)
	dbCleanCmd.AddCommand(dbCleanOrphansCmd)
	dbCmd.AddCommand(dbCleanCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}
