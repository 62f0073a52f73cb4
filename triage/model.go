package triage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SystemUserID authors every status row written by the auto-closer. It is
// passed explicitly through the lifecycle rather than looked up.
const SystemUserID = "00000000-0000-0000-0000-000000000000"

type Exploitation string

const (
	ExploitationNone      Exploitation = "none"
	ExploitationPublicPoC Exploitation = "public_poc"
	ExploitationActive    Exploitation = "active"
)

type Automatable string

const (
	AutomatableYes Automatable = "yes"
	AutomatableNo  Automatable = "no"
)

type MissionImpact string

const (
	MissionDegraded           MissionImpact = "degraded"
	MissionMEFSupportCrippled MissionImpact = "mef_support_crippled"
	MissionMEFFailure         MissionImpact = "mef_failure"
	MissionFailure            MissionImpact = "mission_failure"
)

type SafetyImpact string

const (
	SafetyNegligible   SafetyImpact = "negligible"
	SafetyMarginal     SafetyImpact = "marginal"
	SafetyCritical     SafetyImpact = "critical"
	SafetyCatastrophic SafetyImpact = "catastrophic"
)

// Priority is the SSVC deployer priority of a ticket.
type Priority string

const (
	PriorityImmediate  Priority = "immediate"
	PriorityOutOfCycle Priority = "out_of_cycle"
	PriorityScheduled  Priority = "scheduled"
	PriorityDefer      Priority = "defer"
)

// Rank orders priorities; the empty priority ranks below all others.
func (p Priority) Rank() int {
	switch p {
	case PriorityDefer:
		return 1
	case PriorityScheduled:
		return 2
	case PriorityOutOfCycle:
		return 3
	case PriorityImmediate:
		return 4
	}
	return 0
}

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

type TopicStatus string

const (
	StatusAlerted      TopicStatus = "alerted"
	StatusAcknowledged TopicStatus = "acknowledged"
	StatusScheduled    TopicStatus = "scheduled"
	StatusCompleted    TopicStatus = "completed"
)

func (s TopicStatus) Valid() bool {
	switch s {
	case StatusAlerted, StatusAcknowledged, StatusScheduled, StatusCompleted:
		return true
	}
	return false
}

type Zone struct {
	ZoneID string `gorm:"primaryKey;type:varchar(36)"`
	Name   string `gorm:"not null;uniqueIndex:ux_zone_name"`
}

type Team struct {
	TeamID         string   `gorm:"primaryKey;type:varchar(36)"`
	Name           string   `gorm:"not null"`
	Zones          []string `gorm:"serializer:json"`
	AlertThreshold Priority `gorm:"type:varchar(20)"`
	AlertRecipient string
	Disabled       bool
	MuteAlerts     bool
}

type TeamMember struct {
	TeamID string `gorm:"primaryKey;type:varchar(36)"`
	UserID string `gorm:"primaryKey;type:varchar(80)"`
}

type Service struct {
	ServiceID     string        `gorm:"primaryKey;type:varchar(36)"`
	TeamID        string        `gorm:"not null;index:ix_service_team_id"`
	Name          string        `gorm:"not null"`
	MissionImpact MissionImpact `gorm:"type:varchar(30)"`
	SafetyImpact  SafetyImpact  `gorm:"type:varchar(30)"`
	Disabled      bool
	MuteAlerts    bool
}

// Package is immutable once created. ParentID points at a family-level
// wildcard package in the same table.
type Package struct {
	PackageID string  `gorm:"primaryKey;type:varchar(36)"`
	Name      string  `gorm:"not null;uniqueIndex:ux_package_name_ecosystem"`
	Ecosystem string  `gorm:"not null;uniqueIndex:ux_package_name_ecosystem"`
	ParentID  *string `gorm:"type:varchar(36);index:ix_package_parent_id"`
}

type Dependency struct {
	DependencyID   string `gorm:"primaryKey;type:varchar(36)"`
	ServiceID      string `gorm:"not null;uniqueIndex:ux_dependency_natural;index:ix_dependency_service_id"`
	PackageID      string `gorm:"not null;uniqueIndex:ux_dependency_natural;index:ix_dependency_package_id"`
	Target         string `gorm:"not null;uniqueIndex:ux_dependency_natural"`
	Version        string
	PackageManager string
}

type Vulnerability struct {
	VulnID           string `gorm:"primaryKey;type:varchar(36)"`
	CveID            string `gorm:"type:varchar(80);index:ix_vulnerability_cve_id"`
	Title            string
	Detail           string
	Exploitation     Exploitation      `gorm:"type:varchar(20)"`
	Automatable      Automatable       `gorm:"type:varchar(20)"`
	CvssScore        *float64          `gorm:"type:numeric"`
	Zones            []string          `gorm:"serializer:json"`
	AffectedPackages []AffectedPackage `gorm:"foreignKey:VulnID"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type AffectedPackage struct {
	AffectedID       string   `gorm:"primaryKey;type:varchar(36)"`
	VulnID           string   `gorm:"not null;uniqueIndex:ux_affected_package"`
	AffectedName     string   `gorm:"not null;uniqueIndex:ux_affected_package"`
	Ecosystem        string   `gorm:"not null;uniqueIndex:ux_affected_package"`
	AffectedVersions []string `gorm:"serializer:json"`
	FixedVersions    []string `gorm:"serializer:json"`
}

// Action is a remediation recommendation for a vulnerability. An empty
// PackageNames scope applies to every affected package.
type Action struct {
	ActionID           string `gorm:"primaryKey;type:varchar(36)"`
	VulnID             string `gorm:"not null;index:ix_action_vuln_id"`
	Text               string
	PackageNames       []string           `gorm:"serializer:json"`
	VulnerableVersions VulnerableVersions `gorm:"serializer:json"`
	Zones              []string           `gorm:"serializer:json"`
	CreatedAt          time.Time
}

// Threat pairs one dependency with one vulnerability that currently applies.
type Threat struct {
	ThreatID     string `gorm:"primaryKey;type:varchar(36)"`
	DependencyID string `gorm:"not null;uniqueIndex:ux_threat_pair"`
	VulnID       string `gorm:"not null;uniqueIndex:ux_threat_pair;index:ix_threat_vuln_id"`
	CreatedAt    time.Time
}

// Ticket carries copies of the threat's keys so queries and fan-out planning
// need no joins through the inventory.
type Ticket struct {
	TicketID     string   `gorm:"primaryKey;type:varchar(36)"`
	ThreatID     string   `gorm:"not null;uniqueIndex:ux_ticket_threat_id"`
	DependencyID string   `gorm:"not null;index:ix_ticket_dependency_id"`
	VulnID       string   `gorm:"not null;index:ix_ticket_vuln_id"`
	ServiceID    string   `gorm:"not null;index:ix_ticket_service_id"`
	TeamID       string   `gorm:"not null;index:ix_ticket_team_id"`
	Priority     Priority `gorm:"type:varchar(20);index:ix_ticket_priority"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TicketStatus is append-only. The row with the highest StatusID is the
// current status of its ticket.
type TicketStatus struct {
	StatusID    int         `gorm:"primaryKey;autoIncrement"`
	TicketID    string      `gorm:"not null;index:ix_ticket_status_ticket_id"`
	TopicStatus TopicStatus `gorm:"type:varchar(20);not null"`
	Note        string
	Assignees   []string `gorm:"serializer:json"`
	ScheduledAt *time.Time
	AuthoredBy  string      `gorm:"type:varchar(80)"`
	ActionLogs  []ActionLog `gorm:"foreignKey:StatusID"`
	CreatedAt   time.Time
}

type ActionLog struct {
	LogID      int    `gorm:"primaryKey;autoIncrement"`
	StatusID   int    `gorm:"not null;index:ix_action_log_status_id"`
	TicketID   string `gorm:"not null;index:ix_action_log_ticket_id"`
	ActionID   string `gorm:"type:varchar(36)"`
	Text       string
	UserID     string `gorm:"type:varchar(80)"`
	ExecutedAt time.Time
}

func (z *Zone) BeforeCreate(*gorm.DB) error            { assignID(&z.ZoneID); return nil }
func (t *Team) BeforeCreate(*gorm.DB) error            { assignID(&t.TeamID); return nil }
func (s *Service) BeforeCreate(*gorm.DB) error         { assignID(&s.ServiceID); return nil }
func (p *Package) BeforeCreate(*gorm.DB) error         { assignID(&p.PackageID); return nil }
func (d *Dependency) BeforeCreate(*gorm.DB) error      { assignID(&d.DependencyID); return nil }
func (v *Vulnerability) BeforeCreate(*gorm.DB) error   { assignID(&v.VulnID); return nil }
func (a *AffectedPackage) BeforeCreate(*gorm.DB) error { assignID(&a.AffectedID); return nil }
func (a *Action) BeforeCreate(*gorm.DB) error          { assignID(&a.ActionID); return nil }
func (t *Threat) BeforeCreate(*gorm.DB) error          { assignID(&t.ThreatID); return nil }
func (t *Ticket) BeforeCreate(*gorm.DB) error          { assignID(&t.TicketID); return nil }

func assignID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Zone{},
		&Team{},
		&TeamMember{},
		&Service{},
		&Package{},
		&Dependency{},
		&Vulnerability{},
		&AffectedPackage{},
		&Action{},
		&Threat{},
		&Ticket{},
		&TicketStatus{},
		&ActionLog{},
	}
}
