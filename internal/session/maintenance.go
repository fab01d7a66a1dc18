package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/asheshgoplani/groupwatch/internal/logging"
)

var maintLog = logging.ForComponent(logging.CompMaint)

const (
	// DefaultMaintenanceSchedule runs housekeeping every fifteen minutes.
	DefaultMaintenanceSchedule = "@every 15m"

	maintenanceTimeout = time.Minute
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// checkpointer is implemented by stores backed by a write-ahead log.
type checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// MaintenanceResult holds the outcome of a maintenance run.
type MaintenanceResult struct {
	PrunedLimiters int
	Checkpointed   bool
	Sessions       int
	Connected      int
	Duration       time.Duration
}

// Maintenance runs periodic housekeeping: idle throttle entries are pruned,
// the state database WAL is checkpointed and a registry summary is logged.
type Maintenance struct {
	manager  *Manager
	schedule string
	idleTTL  time.Duration

	sched      *cron.Cron
	onComplete func(MaintenanceResult)
}

// NewMaintenance creates a maintenance worker. An empty schedule uses
// DefaultMaintenanceSchedule.
func NewMaintenance(m *Manager, schedule string, idleTTL time.Duration) *Maintenance {
	if schedule == "" {
		schedule = DefaultMaintenanceSchedule
	}
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &Maintenance{manager: m, schedule: schedule, idleTTL: idleTTL}
}

// OnComplete registers a callback invoked after each scheduled run.
func (mt *Maintenance) OnComplete(fn func(MaintenanceResult)) {
	mt.onComplete = fn
}

// RunOnce executes every maintenance task once.
func (mt *Maintenance) RunOnce(ctx context.Context) MaintenanceResult {
	start := time.Now()
	res := MaintenanceResult{}

	res.PrunedLimiters = mt.manager.throttle.Prune(mt.idleTTL)

	if cp, ok := mt.manager.store.(checkpointer); ok {
		if err := cp.Checkpoint(ctx); err != nil {
			maintLog.Warn("checkpoint_failed", slog.String("error", err.Error()))
		} else {
			res.Checkpointed = true
		}
	}

	for _, sum := range mt.manager.registry.List() {
		res.Sessions++
		if sum.Status == StatusConnected {
			res.Connected++
		}
	}
	res.Duration = time.Since(start)

	maintLog.Info("maintenance_complete",
		slog.Int("pruned_limiters", res.PrunedLimiters),
		slog.Bool("checkpointed", res.Checkpointed),
		slog.Int("sessions", res.Sessions),
		slog.Int("connected", res.Connected),
		slog.Duration("duration", res.Duration))
	return res
}

// Start schedules RunOnce on the configured cron schedule.
func (mt *Maintenance) Start() error {
	mt.sched = cron.New(cron.WithParser(cronParser))
	_, err := mt.sched.AddFunc(mt.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		defer cancel()
		res := mt.RunOnce(ctx)
		if mt.onComplete != nil {
			mt.onComplete(res)
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance: invalid schedule %q: %w", mt.schedule, err)
	}
	mt.sched.Start()
	maintLog.Info("maintenance_scheduled", slog.String("schedule", mt.schedule))
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (mt *Maintenance) Stop() {
	if mt.sched == nil {
		return
	}
	<-mt.sched.Stop().Done()
}
