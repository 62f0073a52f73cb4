package triage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

type TicketFilter struct {
	ServiceID   string
	PackageName string
	Status      TopicStatus
	Priority    Priority
}

// TicketView is a ticket together with its current status and the threat
// behind it.
type TicketView struct {
	Ticket        Ticket
	Status        TopicStatus
	CurrentStatus *TicketStatus
	Threat        Threat
	Dependency    Dependency
	Package       Package
	Service       Service
	Vulnerability Vulnerability
}

// visibleTickets selects the tickets of enabled teams and services.
func visibleTickets(tx *gorm.DB) *gorm.DB {
	return tx.Model(&Ticket{}).
		Joins("JOIN service ON service.service_id = ticket.service_id").
		Joins("JOIN team ON team.team_id = ticket.team_id").
		Where("service.disabled = ? AND team.disabled = ?", false, false)
}

func (e *Engine) ListTickets(ctx context.Context, teamID string, filter TicketFilter) ([]TicketView, error) {
	tx := e.db.WithContext(ctx)
	if err := takeByID(tx, &Team{}, "team_id", teamID, "team"); err != nil {
		return nil, err
	}

	query := visibleTickets(tx).Where("ticket.team_id = ?", teamID)
	if filter.ServiceID != "" {
		query = query.Where("ticket.service_id = ?", filter.ServiceID)
	}
	if filter.Priority != "" {
		query = query.Where("ticket.priority = ?", filter.Priority)
	}
	if filter.PackageName != "" {
		query = query.
			Joins("JOIN dependency ON dependency.dependency_id = ticket.dependency_id").
			Joins("JOIN package ON package.package_id = dependency.package_id").
			Where("package.name = ?", filter.PackageName)
	}

	var tickets []Ticket
	if err := query.Order("ticket.created_at, ticket.ticket_id").Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("could not list tickets of team %s: %w", teamID, err)
	}

	views, err := ticketViews(tx, tickets)
	if err != nil {
		return nil, err
	}
	if filter.Status == "" {
		return views, nil
	}
	filtered := []TicketView{}
	for _, v := range views {
		if v.Status == filter.Status {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (TicketView, error) {
	tx := e.db.WithContext(ctx)
	var tickets []Ticket
	if err := visibleTickets(tx).Where("ticket.ticket_id = ?", ticketID).Find(&tickets).Error; err != nil {
		return TicketView{}, fmt.Errorf("could not load ticket %s: %w", ticketID, err)
	}
	if len(tickets) == 0 {
		return TicketView{}, fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
	}
	views, err := ticketViews(tx, tickets)
	if err != nil {
		return TicketView{}, err
	}
	return views[0], nil
}

// TicketHistory returns every status row of the ticket, oldest first.
func (e *Engine) TicketHistory(ctx context.Context, ticketID string) ([]TicketStatus, error) {
	tx := e.db.WithContext(ctx)
	var count int64
	if err := visibleTickets(tx).Where("ticket.ticket_id = ?", ticketID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("could not load ticket %s: %w", ticketID, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
	}

	var history []TicketStatus
	err := tx.Preload("ActionLogs").Where("ticket_id = ?", ticketID).Order("status_id").Find(&history).Error
	if err != nil {
		return nil, fmt.Errorf("could not load history of ticket %s: %w", ticketID, err)
	}
	return history, nil
}

// SetTicketStatus applies a user status change.
func (e *Engine) SetTicketStatus(ctx context.Context, ticketID, actor string, req StatusRequest) (TicketStatus, error) {
	var status TicketStatus
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tickets []Ticket
		if err := visibleTickets(tx).Where("ticket.ticket_id = ?", ticketID).Find(&tickets).Error; err != nil {
			return fmt.Errorf("could not load ticket %s: %w", ticketID, err)
		}
		if len(tickets) == 0 {
			return fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
		}
		var err error
		status, err = e.coordinator.Lifecycle().SetStatus(tx, tickets[0], actor, req)
		return err
	})
	return status, err
}

func (e *Engine) CountByPriority(ctx context.Context, teamID string) (map[Priority]int, error) {
	tx := e.db.WithContext(ctx)
	if err := takeByID(tx, &Team{}, "team_id", teamID, "team"); err != nil {
		return nil, err
	}

	var rows []struct {
		Priority Priority
		N        int
	}
	err := visibleTickets(tx).
		Select("ticket.priority AS priority, COUNT(*) AS n").
		Where("ticket.team_id = ?", teamID).
		Group("ticket.priority").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("could not count tickets of team %s: %w", teamID, err)
	}

	counts := map[Priority]int{
		PriorityImmediate:  0,
		PriorityOutOfCycle: 0,
		PriorityScheduled:  0,
		PriorityDefer:      0,
	}
	for _, row := range rows {
		counts[row.Priority] = row.N
	}
	return counts, nil
}

func (e *Engine) CountByStatus(ctx context.Context, teamID string) (map[TopicStatus]int, error) {
	tx := e.db.WithContext(ctx)
	if err := takeByID(tx, &Team{}, "team_id", teamID, "team"); err != nil {
		return nil, err
	}

	var ticketIDs []string
	err := visibleTickets(tx).Where("ticket.team_id = ?", teamID).Pluck("ticket.ticket_id", &ticketIDs).Error
	if err != nil {
		return nil, fmt.Errorf("could not list tickets of team %s: %w", teamID, err)
	}
	current, err := currentStatuses(tx, ticketIDs)
	if err != nil {
		return nil, err
	}

	counts := map[TopicStatus]int{
		StatusAlerted:      0,
		StatusAcknowledged: 0,
		StatusScheduled:    0,
		StatusCompleted:    0,
	}
	for _, id := range ticketIDs {
		if status, ok := current[id]; ok {
			counts[status.TopicStatus]++
		} else {
			counts[StatusAlerted]++
		}
	}
	return counts, nil
}

// currentStatuses loads the newest status row per ticket.
func currentStatuses(tx *gorm.DB, ticketIDs []string) (map[string]TicketStatus, error) {
	result := map[string]TicketStatus{}
	if len(ticketIDs) == 0 {
		return result, nil
	}
	latest := tx.Model(&TicketStatus{}).
		Select("MAX(status_id)").
		Where("ticket_id IN ?", ticketIDs).
		Group("ticket_id")

	var statuses []TicketStatus
	if err := tx.Preload("ActionLogs").Where("status_id IN (?)", latest).Find(&statuses).Error; err != nil {
		return nil, fmt.Errorf("could not load current statuses: %w", err)
	}
	for _, s := range statuses {
		result[s.TicketID] = s
	}
	return result, nil
}

func ticketViews(tx *gorm.DB, tickets []Ticket) ([]TicketView, error) {
	views := make([]TicketView, 0, len(tickets))
	if len(tickets) == 0 {
		return views, nil
	}

	var ticketIDs, threatIDs, dependencyIDs, serviceIDs, vulnIDs []string
	for _, t := range tickets {
		ticketIDs = append(ticketIDs, t.TicketID)
		threatIDs = append(threatIDs, t.ThreatID)
		dependencyIDs = append(dependencyIDs, t.DependencyID)
		serviceIDs = append(serviceIDs, t.ServiceID)
		vulnIDs = append(vulnIDs, t.VulnID)
	}

	current, err := currentStatuses(tx, ticketIDs)
	if err != nil {
		return nil, err
	}

	var threats []Threat
	if err := tx.Where("threat_id IN ?", uniqueStrings(threatIDs)).Find(&threats).Error; err != nil {
		return nil, fmt.Errorf("could not load threats: %w", err)
	}
	var deps []Dependency
	if err := tx.Where("dependency_id IN ?", uniqueStrings(dependencyIDs)).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("could not load dependencies: %w", err)
	}
	packageIDs := make([]string, 0, len(deps))
	for _, d := range deps {
		packageIDs = append(packageIDs, d.PackageID)
	}
	var pkgs []Package
	if err := tx.Where("package_id IN ?", uniqueStrings(packageIDs)).Find(&pkgs).Error; err != nil {
		return nil, fmt.Errorf("could not load packages: %w", err)
	}
	var services []Service
	if err := tx.Where("service_id IN ?", uniqueStrings(serviceIDs)).Find(&services).Error; err != nil {
		return nil, fmt.Errorf("could not load services: %w", err)
	}
	var vulns []Vulnerability
	if err := tx.Preload("AffectedPackages").Where("vuln_id IN ?", uniqueStrings(vulnIDs)).Find(&vulns).Error; err != nil {
		return nil, fmt.Errorf("could not load vulnerabilities: %w", err)
	}

	threatByID := indexBy(threats, func(t Threat) string { return t.ThreatID })
	depByID := indexBy(deps, func(d Dependency) string { return d.DependencyID })
	pkgByID := indexBy(pkgs, func(p Package) string { return p.PackageID })
	serviceByID := indexBy(services, func(s Service) string { return s.ServiceID })
	vulnByID := indexBy(vulns, func(v Vulnerability) string { return v.VulnID })

	for _, t := range tickets {
		view := TicketView{
			Ticket:        t,
			Status:        StatusAlerted,
			Threat:        threatByID[t.ThreatID],
			Dependency:    depByID[t.DependencyID],
			Service:       serviceByID[t.ServiceID],
			Vulnerability: vulnByID[t.VulnID],
		}
		view.Package = pkgByID[view.Dependency.PackageID]
		if s, ok := current[t.TicketID]; ok {
			view.Status = s.TopicStatus
			view.CurrentStatus = &s
		}
		views = append(views, view)
	}
	return views, nil
}

func indexBy[T any](items []T, key func(T) string) map[string]T {
	m := make(map[string]T, len(items))
	for _, item := range items {
		m[key(item)] = item
	}
	return m
}
