package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Report summarises one recomputation pass.
type Report struct {
	Total     int
	Processed int
	Created   int
	Updated   int
	Deleted   int
	Closed    int
	Alerted   int
	Failed    int
}

func (r *Report) record(res pairResult, err error) {
	r.Processed++
	if err != nil {
		r.Failed++
		return
	}
	if res.created {
		r.Created++
	}
	if res.updated {
		r.Updated++
	}
	if res.deleted {
		r.Deleted++
	}
	if res.closed {
		r.Closed++
	}
	r.Alerted += len(res.alerts)
}

type pairResult struct {
	created bool
	updated bool
	deleted bool
	closed  bool
	alerts  []alert
}

// Coordinator keeps threats and tickets consistent with their inputs. Every
// pair is reconciled in its own transaction; reconciling a pair twice with
// unchanged inputs changes nothing.
type Coordinator struct {
	db               *gorm.DB
	lifecycle        *Lifecycle
	dispatcher       *Dispatcher
	workers          int
	defaultThreshold Priority
	logger           *slog.Logger
	now              func() time.Time
}

type CoordinatorOption func(*Coordinator)

func WithWorkers(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithDispatcher(d *Dispatcher) CoordinatorOption {
	return func(c *Coordinator) { c.dispatcher = d }
}

func WithDefaultThreshold(p Priority) CoordinatorOption {
	return func(c *Coordinator) {
		if p.Valid() {
			c.defaultThreshold = p
		}
	}
}

func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(db *gorm.DB, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		db:               db,
		workers:          4,
		defaultThreshold: PriorityImmediate,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lifecycle = NewLifecycle(c.now)
	return c
}

func (c *Coordinator) Lifecycle() *Lifecycle {
	return c.lifecycle
}

// Run plans and reconciles the triggers synchronously.
func (c *Coordinator) Run(ctx context.Context, triggers ...Trigger) (Report, error) {
	var done atomic.Int64
	var total atomic.Int64
	return c.run(ctx, triggers, &done, &total)
}

// Submit starts the recomputation in the background.
func (c *Coordinator) Submit(ctx context.Context, triggers ...Trigger) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	go func() {
		defer close(t.finished)
		defer cancel()
		t.report, t.err = c.run(ctx, triggers, &t.done, &t.total)
	}()
	return t
}

func (c *Coordinator) run(ctx context.Context, triggers []Trigger, done, total *atomic.Int64) (Report, error) {
	start := time.Now()
	pairs, err := c.plan(ctx, triggers)
	if err != nil {
		return Report{}, err
	}
	total.Store(int64(len(pairs)))

	report := c.process(ctx, pairs, done)
	c.logger.Info("recomputed threats",
		"triggers", len(triggers),
		"pairs", report.Total,
		"created", report.Created,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"closed", report.Closed,
		"alerted", report.Alerted,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("recomputation stopped after %d of %d pairs: %w",
			report.Processed, report.Total, err)
	}
	return report, nil
}

func (c *Coordinator) plan(ctx context.Context, triggers []Trigger) ([]Pair, error) {
	tx := c.db.WithContext(ctx)
	seen := map[Pair]struct{}{}
	pairs := []Pair{}
	for _, t := range triggers {
		planned, err := plan(tx, t)
		if err != nil {
			return nil, err
		}
		for _, p := range planned {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

func (c *Coordinator) process(ctx context.Context, pairs []Pair, done *atomic.Int64) Report {
	report := Report{Total: len(pairs)}
	var mu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, pair := range pairs {
		if groupCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			res, err := c.reconcile(groupCtx, pair)
			// A pair interrupted by cancellation is neither processed nor
			// failed; the next run picks it up again.
			if err != nil && groupCtx.Err() != nil {
				return nil
			}
			done.Add(1)

			mu.Lock()
			report.record(res, err)
			mu.Unlock()

			if err != nil {
				c.logger.Error("could not reconcile threat",
					"dependency_id", pair.DependencyID,
					"vuln_id", pair.VulnID,
					"err", err,
				)
				return nil
			}
			c.dispatcher.Dispatch(groupCtx, res.alerts)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// reconcile brings one pair in line with its inputs. A live pair gets its
// threat, ticket, priority and auto-close evaluated; anything else loses its
// threat together with the ticket history.
func (c *Coordinator) reconcile(ctx context.Context, pair Pair) (pairResult, error) {
	var res pairResult
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = pairResult{}

		dc, err := loadDependencyContext(tx, pair.DependencyID)
		depMissing := errors.Is(err, ErrNotFound)
		if err != nil && !depMissing {
			return err
		}
		vuln, err := loadVulnerability(tx, pair.VulnID)
		vulnMissing := errors.Is(err, ErrNotFound)
		if err != nil && !vulnMissing {
			return err
		}

		if depMissing || vulnMissing || !(threatContext{dep: dc, vuln: vuln}).correlates() {
			var threats []Threat
			err := tx.Where("dependency_id = ? AND vuln_id = ?", pair.DependencyID, pair.VulnID).
				Find(&threats).Error
			if err != nil {
				return fmt.Errorf("could not look up threat: %w", err)
			}
			for _, threat := range threats {
				if err := deleteThreat(tx, threat); err != nil {
					return err
				}
				res.deleted = true
			}
			return nil
		}

		tc := threatContext{dep: dc, vuln: vuln}
		threat, created, err := upsertThreat(tx, pair.DependencyID, pair.VulnID, c.now())
		if err != nil {
			return err
		}

		priority := CalculatePriority(vuln.Exploitation, vuln.Automatable, dc.Service.MissionImpact, dc.Service.SafetyImpact)
		ticket, previous, err := c.lifecycle.EnsureTicket(tx, threat, dc.Service.ServiceID, dc.Team.TeamID, priority)
		if err != nil {
			return err
		}
		res.created = created
		res.updated = !created && previous != priority

		closed, err := c.lifecycle.TryAutoClose(tx, tc, ticket)
		if err != nil {
			return err
		}
		res.closed = closed == AutoCloseClosed

		if previous == priority {
			return nil
		}
		status, err := CurrentTopicStatus(tx, ticket.TicketID)
		if err != nil {
			return err
		}
		settings := alertSettingsFor(dc.Team, dc.Service, c.defaultThreshold)
		settings.Enabled = settings.Enabled && !dc.Team.Disabled && !dc.Service.Disabled
		if ShouldAlert(settings, previous, priority, status) {
			res.alerts = append(res.alerts, alert{
				recipient: settings.Recipient,
				payload: AlertPayload{
					TicketID:     ticket.TicketID,
					TeamID:       dc.Team.TeamID,
					ServiceID:    dc.Service.ServiceID,
					ServiceName:  dc.Service.Name,
					DependencyID: dc.Dependency.DependencyID,
					PackageName:  dc.Package.Name,
					VulnID:       vuln.VulnID,
					CveID:        vuln.CveID,
					Title:        vuln.Title,
					Priority:     priority,
					Previous:     previous,
				},
			})
		}
		return nil
	})
	if err != nil {
		return pairResult{}, err
	}
	return res, nil
}

// Task is a recomputation running in the background.
type Task struct {
	done     atomic.Int64
	total    atomic.Int64
	cancel   context.CancelFunc
	finished chan struct{}

	report Report
	err    error
}

// Progress returns the number of reconciled pairs and the planned total.
// The total is zero until planning finished.
func (t *Task) Progress() (done, total int) {
	return int(t.done.Load()), int(t.total.Load())
}

// Cancel stops scheduling further pairs. Pairs already committed stay
// committed; re-running the same triggers resumes the work.
func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) Done() <-chan struct{} {
	return t.finished
}

// Wait blocks until the task finished and returns its report.
func (t *Task) Wait() (Report, error) {
	<-t.finished
	return t.report, t.err
}
