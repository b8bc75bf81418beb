package app

import (
	"fmt"

	"github.com/jobquest/progress-engine/internal/application/eventhandler"
	"github.com/jobquest/progress-engine/internal/infrastructure/messaging"
	"github.com/jobquest/progress-engine/internal/infrastructure/scheduler"
	"github.com/jobquest/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/jobquest/progress-engine/internal/infrastructure/telemetry"
)

// ConsumerGroup is the bus group of the progress consumers.
const ConsumerGroup = "progress"

// Consumers builds the dispatcher, registers the progress handlers on it and
// subscribes it to every topic. Call before Start.
func (a *App) Consumers() (*messaging.Dispatcher, error) {
	eb := a.Config.EventBus
	d := messaging.NewDispatcherBuilder().
		WithRetryConfig(messaging.RetryConfig{
			MaxRetries:        eb.MaxRetries,
			InitialBackoff:    eb.InitialBackoff,
			MaxBackoff:        eb.MaxBackoff,
			BackoffMultiplier: 2,
		}).
		WithHandlerTimeout(eb.HandlerTimeout).
		WithCancelGrace(eb.CancelGrace).
		WithDeadLetterQueue(eb.DeadLetterSize).
		WithLogger(a.Logger).
		WithTracing(telemetry.Tracer("progress-engine/consumers")).
		Build()

	if err := eventhandler.NewOnActivityRecordedHandler(a.Evaluator, a.Clock, a.Logger).Register(d); err != nil {
		return nil, fmt.Errorf("register activity handler: %w", err)
	}
	if err := eventhandler.NewNotificationRelay(a.Bus, a.Logger).Register(d); err != nil {
		return nil, fmt.Errorf("register notification relay: %w", err)
	}
	if err := a.Bus.Subscribe(ConsumerGroup, messaging.AllTopics(), d); err != nil {
		return nil, fmt.Errorf("subscribe consumers: %w", err)
	}
	return d, nil
}

// Scheduler builds the background job scheduler. dispatcher may be nil, in
// which case the dead-letter replay job is not registered.
func (a *App) Scheduler(dispatcher *messaging.Dispatcher) (*scheduler.Scheduler, error) {
	sc := a.Config.Scheduler
	s := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   a.Logger,
		Timezone: a.Clock.Location(),
	})

	reconcile := jobs.NewReconcileXPJob(a.Ledger, a.Logger, jobs.ReconcileXPConfig{BatchSize: sc.ReconcileBatchSize})
	if err := s.RegisterSpec(reconcile, sc.ReconcileSchedule); err != nil {
		return nil, err
	}
	if err := s.RegisterSpec(jobs.NewRefreshCatalogJob(a.Catalog, a.Logger), sc.CatalogSchedule); err != nil {
		return nil, err
	}
	if dispatcher != nil {
		replay := jobs.NewReplayDeadLettersJob(dispatcher, sc.ReplayLimit, a.Logger)
		if err := s.RegisterSpec(replay, sc.ReplaySchedule); err != nil {
			return nil, err
		}
	}
	return s, nil
}
