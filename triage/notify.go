package triage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// AlertSettings are the effective alert preferences for one ticket.
type AlertSettings struct {
	Enabled   bool
	Threshold Priority
	Recipient string
}

// ShouldAlert reports whether a priority change crosses the alert threshold
// upward. Completed tickets and muted services never alert.
func ShouldAlert(settings AlertSettings, previous, current Priority, status TopicStatus) bool {
	if !settings.Enabled || status == StatusCompleted {
		return false
	}
	threshold := settings.Threshold.Rank()
	if current.Rank() < threshold {
		return false
	}
	return previous == "" || previous.Rank() < threshold
}

// alertSettingsFor merges team and service preferences.
func alertSettingsFor(team Team, service Service, defaultThreshold Priority) AlertSettings {
	threshold := team.AlertThreshold
	if !threshold.Valid() {
		threshold = defaultThreshold
	}
	return AlertSettings{
		Enabled:   !team.MuteAlerts && !service.MuteAlerts,
		Threshold: threshold,
		Recipient: team.AlertRecipient,
	}
}

type AlertPayload struct {
	TicketID     string
	TeamID       string
	ServiceID    string
	ServiceName  string
	DependencyID string
	PackageName  string
	VulnID       string
	CveID        string
	Title        string
	Priority     Priority
	Previous     Priority
}

// Alerter delivers alert notifications.
type Alerter interface {
	SendAlert(ctx context.Context, recipient string, payload AlertPayload) error
}

type alert struct {
	recipient string
	payload   AlertPayload
}

// Dispatcher sends alerts after the triggering transaction committed.
// Delivery failures are retried and then logged; they never roll back
// ticket state.
type Dispatcher struct {
	alerter         Alerter
	maxRetries      uint64
	initialInterval time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(alerter Alerter, maxRetries uint64, initialInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		alerter:         alerter,
		maxRetries:      maxRetries,
		initialInterval: initialInterval,
	}
}

// Dispatch delivers alerts in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []alert) {
	if d == nil || d.alerter == nil || len(alerts) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, a := range alerts {
			d.send(ctx, a)
		}
	}()
}

func (d *Dispatcher) send(ctx context.Context, a alert) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	policy := backoff.WithMaxRetries(b, d.maxRetries)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return d.alerter.SendAlert(ctx, a.recipient, a.payload)
	}, policy)
	if err != nil {
		slog.Error("could not deliver alert",
			"ticket_id", a.payload.TicketID,
			"team_id", a.payload.TeamID,
			"attempts", attempt,
			"err", err,
		)
		return
	}
	slog.Debug("delivered alert", "ticket_id", a.payload.TicketID, "priority", a.payload.Priority)
}

// Wait blocks until every dispatched alert was delivered or given up on.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct{}

func (LogAlerter) SendAlert(_ context.Context, recipient string, payload AlertPayload) error {
	slog.Warn("threat alert",
		"recipient", recipient,
		"ticket_id", payload.TicketID,
		"team_id", payload.TeamID,
		"service", payload.ServiceName,
		"package", payload.PackageName,
		"cve_id", payload.CveID,
		"title", payload.Title,
		"priority", payload.Priority,
		"previous", payload.Previous,
	)
	return nil
}
