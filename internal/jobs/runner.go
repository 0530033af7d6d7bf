package jobs

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/postpilot/postpilot-backend/internal/config"
)

// Runner owns the cron process for the background jobs. Each job is
// wrapped with SkipIfStillRunning so a slow cycle is never overlapped
// by the next tick.
type Runner struct {
	c        *cron.Cron
	cycle    *Cycle
	notifier *Notifier
	logger   *zap.SugaredLogger

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewRunner(cycle *Cycle, notifier *Notifier, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		cycle:    cycle,
		notifier: notifier,
		logger:   logger,
	}
}

// Start registers both jobs at the configured intervals and starts the
// cron loop. It returns immediately; jobs run on cron's goroutines
// until Stop.
func (r *Runner) Start(ctx context.Context, cfg config.SchedulerConfig) {
	r.baseCtx, r.cancel = context.WithCancel(ctx)

	cronLogger := newCronLogger(r.logger)
	r.c = cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	r.c.Schedule(cron.Every(cfg.CycleInterval), cron.FuncJob(func() {
		if _, err := r.cycle.Run(r.baseCtx); err != nil {
			r.logger.Errorw("Scheduler cycle failed", "error", err)
		}
	}))
	r.c.Schedule(cron.Every(cfg.NotifierInterval), cron.FuncJob(func() {
		if _, err := r.notifier.Run(r.baseCtx); err != nil {
			r.logger.Errorw("Due notifier failed", "error", err)
		}
	}))

	r.c.Start()
	r.logger.Infow("Background jobs started",
		"cycleInterval", cfg.CycleInterval,
		"notifierInterval", cfg.NotifierInterval,
	)
}

// Stop halts scheduling and waits for any in-flight job to finish.
func (r *Runner) Stop() {
	if r.c != nil {
		<-r.c.Stop().Done()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Infow("Background jobs stopped")
}

// cronLogger adapts the zap sugared logger to cron's Logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func newCronLogger(s *zap.SugaredLogger) cronLogger {
	return cronLogger{s: s}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
