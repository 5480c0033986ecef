package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/metrics"
	"github.com/sipeed/misskeybot/pkg/persistence"
)

// Job is a cron-scheduled maintenance task. Run reports how many rows it
// affected.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) (int64, error)
}

// MaintenanceStore is the part of the persistence store the jobs need.
type MaintenanceStore interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (persistence.CleanupResult, error)
	Vacuum(ctx context.Context) error
}

// CleanupJob deletes records older than age.
func CleanupJob(expr string, store MaintenanceStore, age time.Duration) Job {
	return Job{
		Name: "cleanup",
		Expr: expr,
		Run: func(ctx context.Context) (int64, error) {
			res, err := store.Cleanup(ctx, age)
			return res.Total(), err
		},
	}
}

// VacuumJob compacts the database file.
func VacuumJob(expr string, store MaintenanceStore) Job {
	return Job{
		Name: "vacuum",
		Expr: expr,
		Run: func(ctx context.Context) (int64, error) {
			return 0, store.Vacuum(ctx)
		},
	}
}

type Maintenance struct {
	jobs     []Job
	loc      *time.Location
	metrics  *metrics.Metrics
	notifier Notifier
	now      func() time.Time
}

// NewMaintenance validates every job's cron expression. Expressions are
// evaluated in loc.
func NewMaintenance(loc *time.Location, m *metrics.Metrics, n Notifier, jobs ...Job) (*Maintenance, error) {
	g := gronx.New()
	for _, j := range jobs {
		if !g.IsValid(j.Expr) {
			return nil, fmt.Errorf("job %s: invalid cron expression %q", j.Name, j.Expr)
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Maintenance{jobs: jobs, loc: loc, metrics: m, notifier: n, now: time.Now}, nil
}

// Next returns the earliest fire time after t and the jobs due then.
func (m *Maintenance) Next(t time.Time) (time.Time, []Job, error) {
	var (
		at  time.Time
		due []Job
	)
	ref := t.In(m.loc)
	for _, j := range m.jobs {
		next, err := gronx.NextTickAfter(j.Expr, ref, false)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		switch {
		case at.IsZero() || next.Before(at):
			at, due = next, []Job{j}
		case next.Equal(at):
			due = append(due, j)
		}
	}
	return at, due, nil
}

// Run sleeps until the next due job, runs it, and repeats until ctx is done.
func (m *Maintenance) Run(ctx context.Context) error {
	if len(m.jobs) == 0 {
		<-ctx.Done()
		return nil
	}
	for {
		at, due, err := m.Next(m.now())
		if err != nil {
			return err
		}
		logger.DebugCF("maintenance", "Next maintenance run", map[string]interface{}{
			"at":   at.Format(time.RFC3339),
			"jobs": len(due),
		})

		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		for _, j := range due {
			m.run(ctx, j)
		}
	}
}

// RunJob runs the named job immediately.
func (m *Maintenance) RunJob(ctx context.Context, name string) (int64, error) {
	for _, j := range m.jobs {
		if j.Name == name {
			return m.run(ctx, j)
		}
	}
	return 0, fmt.Errorf("unknown maintenance job %q", name)
}

// Jobs lists the configured jobs.
func (m *Maintenance) Jobs() []Job {
	return append([]Job(nil), m.jobs...)
}

func (m *Maintenance) run(ctx context.Context, j Job) (int64, error) {
	start := time.Now()
	affected, err := j.Run(ctx)
	m.metrics.MaintenanceRan(j.Name, err)

	data := events.MaintenanceData{Job: j.Name, Affected: affected}
	if err != nil {
		data.Error = err.Error()
		logger.ErrorCF("maintenance", "Maintenance job failed", map[string]interface{}{
			"job":   j.Name,
			"error": err.Error(),
		})
	} else {
		logger.InfoCF("maintenance", "Maintenance job completed", map[string]interface{}{
			"job":      j.Name,
			"affected": affected,
			"took":     time.Since(start).String(),
		})
	}
	if m.notifier != nil {
		m.notifier.PublishSystem(events.NewSystem(events.MaintenanceRan, "maintenance", data))
	}
	return affected, err
}
