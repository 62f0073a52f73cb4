package api

import (
	"time"

	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

type TicketResponse struct {
	TicketID     string             `json:"ticket_id"`
	ThreatID     string             `json:"threat_id"`
	Priority     triage.Priority    `json:"priority"`
	Status       triage.TopicStatus `json:"status"`
	ServiceID    string             `json:"service_id"`
	ServiceName  string             `json:"service_name"`
	DependencyID string             `json:"dependency_id"`
	PackageName  string             `json:"package_name"`
	Ecosystem    string             `json:"ecosystem"`
	Version      string             `json:"version"`
	Target       string             `json:"target"`
	VulnID       string             `json:"vuln_id"`
	CveID        string             `json:"cve_id"`
	Title        string             `json:"title"`
	CvssScore    *float64           `json:"cvss_score,omitempty"`
	Current      *StatusResponse    `json:"current_status,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type StatusResponse struct {
	StatusID    int                 `json:"status_id"`
	TopicStatus triage.TopicStatus  `json:"topic_status"`
	Note        string              `json:"note"`
	Assignees   []string            `json:"assignees"`
	ScheduledAt *time.Time          `json:"scheduled_at"`
	AuthoredBy  string              `json:"authored_by"`
	CreatedAt   time.Time           `json:"created_at"`
	Actions     []ActionLogResponse `json:"actions"`
}

type ActionLogResponse struct {
	ActionID   string    `json:"action_id"`
	Text       string    `json:"text"`
	UserID     string    `json:"user_id"`
	ExecutedAt time.Time `json:"executed_at"`
}

func newTicketResponse(v triage.TicketView) TicketResponse {
	resp := TicketResponse{
		TicketID:     v.Ticket.TicketID,
		ThreatID:     v.Ticket.ThreatID,
		Priority:     v.Ticket.Priority,
		Status:       v.Status,
		ServiceID:    v.Service.ServiceID,
		ServiceName:  v.Service.Name,
		DependencyID: v.Dependency.DependencyID,
		PackageName:  v.Package.Name,
		Ecosystem:    v.Package.Ecosystem,
		Version:      v.Dependency.Version,
		Target:       v.Dependency.Target,
		VulnID:       v.Vulnerability.VulnID,
		CveID:        v.Vulnerability.CveID,
		Title:        v.Vulnerability.Title,
		CvssScore:    v.Vulnerability.CvssScore,
		CreatedAt:    v.Ticket.CreatedAt,
		UpdatedAt:    v.Ticket.UpdatedAt,
	}
	if v.CurrentStatus != nil {
		current := newStatusResponse(*v.CurrentStatus)
		resp.Current = &current
	}
	return resp
}

func newStatusResponse(s triage.TicketStatus) StatusResponse {
	resp := StatusResponse{
		StatusID:    s.StatusID,
		TopicStatus: s.TopicStatus,
		Note:        s.Note,
		Assignees:   s.Assignees,
		ScheduledAt: s.ScheduledAt,
		AuthoredBy:  s.AuthoredBy,
		CreatedAt:   s.CreatedAt,
		Actions:     make([]ActionLogResponse, 0, len(s.ActionLogs)),
	}
	if resp.Assignees == nil {
		resp.Assignees = []string{}
	}
	for _, log := range s.ActionLogs {
		resp.Actions = append(resp.Actions, ActionLogResponse{
			ActionID:   log.ActionID,
			Text:       log.Text,
			UserID:     log.UserID,
			ExecutedAt: log.ExecutedAt,
		})
	}
	return resp
}
