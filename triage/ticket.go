package triage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.alpinelinux.org/alpine/security/threat-triage/versionrange"
)

// StatusRequest is a user initiated status change.
type StatusRequest struct {
	TopicStatus TopicStatus
	Note        string
	Assignees   []string
	// ScheduledAt is None when the caller did not mention it and Some(nil)
	// when the caller explicitly cleared it.
	ScheduledAt optional.Option[*time.Time]
	ActionIDs   []string
}

type AutoCloseResult int

const (
	// AutoCloseSkipped means no action proves the dependency safe.
	AutoCloseSkipped AutoCloseResult = iota
	// AutoCloseUnchanged means the ticket was already closed for the same reason.
	AutoCloseUnchanged
	AutoCloseClosed
)

// Lifecycle owns ticket creation and status history.
type Lifecycle struct {
	now func() time.Time
}

func NewLifecycle(now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{now: now}
}

// EnsureTicket creates the ticket of a threat, or updates the priority of
// the existing one. A new ticket has no status rows; its current status is
// alerted until someone writes one. It returns the priority held before the
// call, empty for a new ticket.
func (l *Lifecycle) EnsureTicket(
	tx *gorm.DB,
	threat Threat,
	serviceID, teamID string,
	priority Priority,
) (ticket Ticket, previous Priority, err error) {
	err = tx.Where("threat_id = ?", threat.ThreatID).Take(&ticket).Error
	switch {
	case err == nil:
		previous = ticket.Priority
		if ticket.Priority != priority || ticket.ServiceID != serviceID || ticket.TeamID != teamID {
			err = tx.Model(&ticket).Updates(map[string]any{
				"priority":   priority,
				"service_id": serviceID,
				"team_id":    teamID,
				"updated_at": l.now(),
			}).Error
			if err != nil {
				return ticket, previous, fmt.Errorf("could not update ticket %s: %w", ticket.TicketID, err)
			}
		}
		return ticket, previous, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return ticket, "", fmt.Errorf("could not load ticket for threat %s: %w", threat.ThreatID, err)
	}

	now := l.now()
	ticket = Ticket{
		ThreatID:     threat.ThreatID,
		DependencyID: threat.DependencyID,
		VulnID:       threat.VulnID,
		ServiceID:    serviceID,
		TeamID:       teamID,
		Priority:     priority,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err = tx.Create(&ticket).Error; err != nil {
		return ticket, "", fmt.Errorf("could not create ticket for threat %s: %w", threat.ThreatID, err)
	}
	return ticket, "", nil
}

// CurrentTopicStatus resolves the ticket's current status, alerted when no
// row was written yet.
func CurrentTopicStatus(tx *gorm.DB, ticketID string) (TopicStatus, error) {
	status, ok, err := CurrentStatus(tx, ticketID)
	if err != nil {
		return "", err
	}
	if !ok {
		return StatusAlerted, nil
	}
	return status.TopicStatus, nil
}

// CurrentStatus returns the newest status row of the ticket.
func CurrentStatus(tx *gorm.DB, ticketID string) (TicketStatus, bool, error) {
	var rows []TicketStatus
	err := tx.Preload("ActionLogs").
		Where("ticket_id = ?", ticketID).
		Order("status_id desc").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return TicketStatus{}, false, fmt.Errorf("could not load status of ticket %s: %w", ticketID, err)
	}
	if len(rows) == 0 {
		return TicketStatus{}, false, nil
	}
	return rows[0], true, nil
}

// SetStatus validates req against ticket and appends the new status row.
func (l *Lifecycle) SetStatus(tx *gorm.DB, ticket Ticket, actor string, req StatusRequest) (TicketStatus, error) {
	now := l.now().UTC()

	if !req.TopicStatus.Valid() {
		return TicketStatus{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, req.TopicStatus)
	}
	if req.TopicStatus == StatusAlerted {
		return TicketStatus{}, fmt.Errorf("%w: status %q is set by the system only", ErrInvalidTransition, req.TopicStatus)
	}

	var scheduledAt *time.Time
	requested := req.ScheduledAt.Unwrap()
	if req.TopicStatus == StatusScheduled {
		if !req.ScheduledAt.IsSome() || requested == nil {
			return TicketStatus{}, fmt.Errorf("%w: scheduled status requires scheduled_at", ErrInvalidTransition)
		}
		if !requested.After(now) {
			return TicketStatus{}, fmt.Errorf("%w: scheduled_at must be in the future", ErrInvalidTransition)
		}
		at := requested.UTC()
		scheduledAt = &at
	} else if req.ScheduledAt.IsSome() {
		if requested != nil {
			return TicketStatus{}, fmt.Errorf("%w: scheduled_at is only accepted with status %q",
				ErrInvalidTransition, StatusScheduled)
		}
		current, err := CurrentTopicStatus(tx, ticket.TicketID)
		if err != nil {
			return TicketStatus{}, err
		}
		if current != StatusScheduled {
			return TicketStatus{}, fmt.Errorf("%w: scheduled_at can only be reset on a scheduled ticket",
				ErrInvalidTransition)
		}
	}

	assignees := uniqueStrings(req.Assignees)
	if len(assignees) == 0 {
		assignees = []string{actor}
	}
	if req.TopicStatus == StatusCompleted || req.TopicStatus == StatusScheduled {
		var members int64
		err := tx.Model(&TeamMember{}).
			Where("team_id = ? AND user_id IN ?", ticket.TeamID, assignees).
			Count(&members).Error
		if err != nil {
			return TicketStatus{}, fmt.Errorf("could not check team membership: %w", err)
		}
		if int(members) != len(assignees) {
			return TicketStatus{}, fmt.Errorf("%w: assignees must be members of team %s",
				ErrInvalidTransition, ticket.TeamID)
		}
	}

	logs := []ActionLog{}
	if actionIDs := uniqueStrings(req.ActionIDs); len(actionIDs) > 0 {
		var actions []Action
		err := tx.Where("vuln_id = ? AND action_id IN ?", ticket.VulnID, actionIDs).Find(&actions).Error
		if err != nil {
			return TicketStatus{}, fmt.Errorf("could not load actions: %w", err)
		}
		if len(actions) != len(actionIDs) {
			return TicketStatus{}, fmt.Errorf("%w: actions must belong to vulnerability %s",
				ErrInvalidTransition, ticket.VulnID)
		}
		for _, a := range actions {
			logs = append(logs, ActionLog{
				TicketID:   ticket.TicketID,
				ActionID:   a.ActionID,
				Text:       a.Text,
				UserID:     actor,
				ExecutedAt: now,
			})
		}
	}

	status := TicketStatus{
		TicketID:    ticket.TicketID,
		TopicStatus: req.TopicStatus,
		Note:        req.Note,
		Assignees:   assignees,
		ScheduledAt: scheduledAt,
		AuthoredBy:  actor,
		ActionLogs:  logs,
		CreatedAt:   now,
	}
	if err := tx.Create(&status).Error; err != nil {
		return TicketStatus{}, fmt.Errorf("could not append status to ticket %s: %w", ticket.TicketID, err)
	}
	return status, nil
}

// TryAutoClose completes the ticket when every applicable action proves the
// installed version is no longer vulnerable. Unknown evaluations never close.
func (l *Lifecycle) TryAutoClose(tx *gorm.DB, tc threatContext, ticket Ticket) (AutoCloseResult, error) {
	var actions []Action
	err := tx.Where("vuln_id = ?", tc.vuln.VulnID).Order("created_at, action_id").Find(&actions).Error
	if err != nil {
		return AutoCloseSkipped, fmt.Errorf("could not load actions of %s: %w", tc.vuln.VulnID, err)
	}

	names := tc.packageNames()
	satisfied := []Action{}
	for _, a := range actions {
		if !IsVisible(a.Zones, tc.dep.Team.Zones) || !actionCovers(a, names) {
			continue
		}
		if evaluateAction(a, names, tc.dep.Package.Ecosystem, tc.dep.Dependency.Version) != versionrange.False {
			return AutoCloseSkipped, nil
		}
		satisfied = append(satisfied, a)
	}
	if len(satisfied) == 0 {
		return AutoCloseSkipped, nil
	}

	current, ok, err := CurrentStatus(tx, ticket.TicketID)
	if err != nil {
		return AutoCloseSkipped, err
	}
	if ok && current.TopicStatus == StatusCompleted {
		if current.AuthoredBy != SystemUserID || sameActions(current.ActionLogs, satisfied) {
			return AutoCloseUnchanged, nil
		}
	}

	now := l.now().UTC()
	logs := make([]ActionLog, 0, len(satisfied))
	for _, a := range satisfied {
		logs = append(logs, ActionLog{
			TicketID:   ticket.TicketID,
			ActionID:   a.ActionID,
			Text:       a.Text,
			UserID:     SystemUserID,
			ExecutedAt: now,
		})
	}
	status := TicketStatus{
		TicketID:    ticket.TicketID,
		TopicStatus: StatusCompleted,
		Note:        "closed automatically: installed version is not vulnerable",
		Assignees:   []string{},
		AuthoredBy:  SystemUserID,
		ActionLogs:  logs,
		CreatedAt:   now,
	}
	if err := tx.Create(&status).Error; err != nil {
		return AutoCloseSkipped, fmt.Errorf("could not close ticket %s: %w", ticket.TicketID, err)
	}
	return AutoCloseClosed, nil
}

// actionCovers reports whether the action's package scope includes one of
// names. An empty scope covers every package.
func actionCovers(a Action, names []string) bool {
	if len(a.PackageNames) == 0 {
		return true
	}
	for _, name := range names {
		if contains(a.PackageNames, name) {
			return true
		}
	}
	return false
}

// evaluateAction looks up the constraint for the first known name. An action
// without an entry for the package cannot prove anything.
func evaluateAction(a Action, names []string, ecosystem, version string) versionrange.Result {
	for _, name := range names {
		if c, ok := a.VulnerableVersions[name]; ok {
			return c.Evaluate(ecosystem, version)
		}
	}
	return versionrange.Unknown
}

func sameActions(logs []ActionLog, actions []Action) bool {
	logged := make([]string, 0, len(logs))
	for _, log := range logs {
		logged = append(logged, log.ActionID)
	}
	wanted := make([]string, 0, len(actions))
	for _, a := range actions {
		wanted = append(wanted, a.ActionID)
	}
	logged = uniqueStrings(logged)
	wanted = uniqueStrings(wanted)
	if len(logged) != len(wanted) {
		return false
	}
	sort.Strings(logged)
	sort.Strings(wanted)
	for i := range logged {
		if logged[i] != wanted[i] {
			return false
		}
	}
	return true
}

// deleteThreat removes the threat together with its ticket and the whole
// status history.
func deleteThreat(tx *gorm.DB, threat Threat) error {
	var ticketIDs []string
	if err := tx.Model(&Ticket{}).Where("threat_id = ?", threat.ThreatID).Pluck("ticket_id", &ticketIDs).Error; err != nil {
		return fmt.Errorf("could not look up ticket of threat %s: %w", threat.ThreatID, err)
	}
	if len(ticketIDs) > 0 {
		if err := tx.Where("ticket_id IN ?", ticketIDs).Delete(&ActionLog{}).Error; err != nil {
			return fmt.Errorf("could not delete action logs: %w", err)
		}
		if err := tx.Where("ticket_id IN ?", ticketIDs).Delete(&TicketStatus{}).Error; err != nil {
			return fmt.Errorf("could not delete ticket statuses: %w", err)
		}
		if err := tx.Where("ticket_id IN ?", ticketIDs).Delete(&Ticket{}).Error; err != nil {
			return fmt.Errorf("could not delete tickets: %w", err)
		}
	}
	if err := tx.Where("threat_id = ?", threat.ThreatID).Delete(&Threat{}).Error; err != nil {
		return fmt.Errorf("could not delete threat %s: %w", threat.ThreatID, err)
	}
	return nil
}

// upsertThreat returns the threat for the pair, creating it when missing.
func upsertThreat(tx *gorm.DB, dependencyID, vulnID string, now time.Time) (Threat, bool, error) {
	threat := Threat{DependencyID: dependencyID, VulnID: vulnID, CreatedAt: now}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&threat)
	if result.Error != nil {
		return threat, false, fmt.Errorf("could not create threat: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return threat, true, nil
	}

	threat = Threat{}
	err := tx.Where("dependency_id = ? AND vuln_id = ?", dependencyID, vulnID).Take(&threat).Error
	if err != nil {
		return threat, false, fmt.Errorf("could not load threat: %w", err)
	}
	return threat, false, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
