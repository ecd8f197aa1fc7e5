// Package scheduler runs periodic housekeeping jobs on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs registered jobs until Stop.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	ctx  context.Context

	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a stopped scheduler.
func New(log *slog.Logger) *Scheduler {
	log = log.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{log}))),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
}

// Add registers fn under name on a standard five-field or descriptor
// schedule such as "*/5 * * * *" or "@every 5m".
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context)) error {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return errors.Wrapf(err, "parse schedule %q for %s", spec, name)
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.log.Debug("running scheduled job", "job", name)
		fn(s.ctx)
	}))
	return nil
}

// Start runs the registered jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs. It is safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cancel != nil {
			s.cancel()
		}
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	})
}

// Done is closed once Stop has been called.
func (s *Scheduler) Done() <-chan struct{} { return s.stop }

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
