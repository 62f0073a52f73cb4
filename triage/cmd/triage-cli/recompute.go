package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute threats and tickets",
}

var recomputeKinds = map[string]triage.TriggerKind{
	"vulnerability": triage.VulnerabilityChanged,
	"dependency":    triage.DependencyVersionUpdated,
	"team":          triage.TeamZonesChanged,
	"service":       triage.ServiceImpactChanged,
}

func newRecomputeCmd(name string, kind triage.TriggerKind) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>...",
		Short: fmt.Sprintf("Recompute every pair of the given %s", name),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			triggers := make([]triage.Trigger, 0, len(args))
			for _, id := range args {
				triggers = append(triggers, triage.Trigger{Kind: kind, ID: id})
			}
			return runRecompute(cmd, triggers)
		},
	}
}

var recomputeAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Recompute every dependency",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecompute(cmd, []triage.Trigger{{Kind: triage.FullRescan}})
	},
}

func runRecompute(cmd *cobra.Command, triggers []triage.Trigger) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	task := App().Engine.Coordinator().Submit(ctx, triggers...)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-task.Done():
			report, err := task.Wait()
			fmt.Printf(
				"Processed %d of %d pairs: %d created, %d updated, %d deleted, %d closed, %d failed\n",
				report.Processed, report.Total, report.Created, report.Updated,
				report.Deleted, report.Closed, report.Failed,
			)
			return err
		case <-ticker.C:
			done, total := task.Progress()
			slog.Info("Recomputing", "done", done, "total", total)
		}
	}
}

func init() {
	for name, kind := range recomputeKinds {
		recomputeCmd.AddCommand(newRecomputeCmd(name, kind))
	}
	recomputeCmd.AddCommand(recomputeAllCmd)
	rootCmd.AddCommand(recomputeCmd)
}
