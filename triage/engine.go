package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// Engine is the entry point for every mutation of the tracked data. Each
// mutation commits first and then recomputes the pairs it affects.
type Engine struct {
	db          *gorm.DB
	coordinator *Coordinator
	dispatcher  *Dispatcher
}

func NewEngine(db *gorm.DB, opts ...CoordinatorOption) *Engine {
	c := NewCoordinator(db, opts...)
	return &Engine{
		db:          db,
		coordinator: c,
		dispatcher:  c.dispatcher,
	}
}

// NewEngineFromConfig wires the coordinator and alert dispatcher from config.
func NewEngineFromConfig(db *gorm.DB, config Config, alerter Alerter) *Engine {
	dispatcher := NewDispatcher(alerter, config.Alerts.MaxRetries, config.Alerts.InitialInterval.Duration)
	return NewEngine(db,
		WithWorkers(config.Workers),
		WithDefaultThreshold(config.Alerts.DefaultThreshold),
		WithDispatcher(dispatcher),
	)
}

func (e *Engine) DB() *gorm.DB {
	return e.db
}

func (e *Engine) Coordinator() *Coordinator {
	return e.coordinator
}

// Close waits for pending alert deliveries.
func (e *Engine) Close() {
	e.dispatcher.Wait()
}

func (e *Engine) recompute(ctx context.Context, triggers ...Trigger) (Report, error) {
	if len(triggers) == 0 {
		return Report{}, nil
	}
	report, err := e.coordinator.Run(ctx, triggers...)
	if err != nil {
		return report, fmt.Errorf("could not recompute threats: %w", err)
	}
	return report, nil
}

// requireZones fails with ErrNotFound unless every zone name exists.
func requireZones(tx *gorm.DB, zones []string) error {
	zones = uniqueStrings(zones)
	if len(zones) == 0 {
		return nil
	}
	var found []string
	if err := tx.Model(&Zone{}).Where("name IN ?", zones).Pluck("name", &found).Error; err != nil {
		return fmt.Errorf("could not look up zones: %w", err)
	}
	for _, z := range zones {
		if !contains(found, z) {
			return fmt.Errorf("%w: zone %s", ErrNotFound, z)
		}
	}
	return nil
}

func takeByID(tx *gorm.DB, dest any, column, id, kind string) error {
	err := tx.Where(column+" = ?", id).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return fmt.Errorf("could not load %s %s: %w", kind, id, err)
	}
	return nil
}

func logReport(msg string, report Report, args ...any) {
	args = append(args,
		"pairs", report.Total,
		"created", report.Created,
		"deleted", report.Deleted,
		"failed", report.Failed,
	)
	slog.Debug(msg, args...)
}
