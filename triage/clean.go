package triage

import (
	"context"
	"fmt"
	"io"

	"gorm.io/gorm"
)

// CleanupService deletes a service with its inventory and tickets. With
// dryRun it only reports what would be removed.
func CleanupService(ctx context.Context, e *Engine, out io.Writer, serviceID string, dryRun bool) error {
	tx := e.db.WithContext(ctx)
	var service Service
	if err := takeByID(tx, &service, "service_id", serviceID, "service"); err != nil {
		return err
	}

	var dependencies, tickets int64
	if err := tx.Model(&Dependency{}).Where("service_id = ?", serviceID).Count(&dependencies).Error; err != nil {
		return fmt.Errorf("could not count dependencies: %w", err)
	}
	if err := tx.Model(&Ticket{}).Where("service_id = ?", serviceID).Count(&tickets).Error; err != nil {
		return fmt.Errorf("could not count tickets: %w", err)
	}

	fmt.Fprintf(out, "Found %d dependencies\n", dependencies)
	fmt.Fprintf(out, "Found %d tickets\n", tickets)
	if dryRun {
		return nil
	}

	fmt.Fprintf(out, "Deleting records for %s\n", service.Name)
	return e.DeleteService(ctx, serviceID)
}

type OrphanReport struct {
	Threats    int
	Tickets    int
	Statuses   int
	ActionLogs int
}

// CleanupOrphans removes derived rows whose inputs vanished without a
// recomputation, for example after manual edits of the database.
func CleanupOrphans(ctx context.Context, db *gorm.DB, out io.Writer, dryRun bool) (OrphanReport, error) {
	var report OrphanReport
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var threats []Threat
		err := tx.Where("dependency_id NOT IN (?) OR vuln_id NOT IN (?)",
			tx.Model(&Dependency{}).Select("dependency_id"),
			tx.Model(&Vulnerability{}).Select("vuln_id"),
		).Find(&threats).Error
		if err != nil {
			return fmt.Errorf("could not find orphaned threats: %w", err)
		}
		report.Threats = len(threats)

		var tickets []Ticket
		err = tx.Where("threat_id NOT IN (?)", tx.Model(&Threat{}).Select("threat_id")).Find(&tickets).Error
		if err != nil {
			return fmt.Errorf("could not find orphaned tickets: %w", err)
		}
		report.Tickets = len(tickets)

		var statuses []TicketStatus
		err = tx.Where("ticket_id NOT IN (?)", tx.Model(&Ticket{}).Select("ticket_id")).Find(&statuses).Error
		if err != nil {
			return fmt.Errorf("could not find orphaned statuses: %w", err)
		}
		report.Statuses = len(statuses)

		var logs []ActionLog
		err = tx.Where("status_id NOT IN (?)", tx.Model(&TicketStatus{}).Select("status_id")).Find(&logs).Error
		if err != nil {
			return fmt.Errorf("could not find orphaned action logs: %w", err)
		}
		report.ActionLogs = len(logs)

		fmt.Fprintf(out, "Found %d orphaned threats\n", report.Threats)
		fmt.Fprintf(out, "Found %d orphaned tickets\n", report.Tickets)
		fmt.Fprintf(out, "Found %d orphaned ticket statuses\n", report.Statuses)
		fmt.Fprintf(out, "Found %d orphaned action logs\n", report.ActionLogs)
		if dryRun {
			return nil
		}

		for _, threat := range threats {
			if err := deleteThreat(tx, threat); err != nil {
				return err
			}
		}
		for _, ticket := range tickets {
			if err := deleteThreat(tx, Threat{ThreatID: ticket.ThreatID}); err != nil {
				return err
			}
		}
		if len(statuses) > 0 {
			ids := make([]int, 0, len(statuses))
			for _, s := range statuses {
				ids = append(ids, s.StatusID)
			}
			if err := tx.Where("status_id IN ?", ids).Delete(&ActionLog{}).Error; err != nil {
				return fmt.Errorf("could not delete action logs of orphaned statuses: %w", err)
			}
			if err := tx.Delete(&statuses).Error; err != nil {
				return fmt.Errorf("could not delete orphaned statuses: %w", err)
			}
		}
		if len(logs) > 0 {
			if err := tx.Delete(&logs).Error; err != nil {
				return fmt.Errorf("could not delete orphaned action logs: %w", err)
			}
		}
		return nil
	})
	return report, err
}
