// Package refresh re-pulls the listing snapshot on a cron schedule so that
// changes made by other actors show up without a user action.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/carmarket/internal/logging"
)

// Target is refreshed on every tick.
type Target interface {
	Refresh(ctx context.Context) error
}

// Scheduler runs Target.Refresh on a cron schedule. A tick that arrives while
// the previous refresh is still running is skipped.
type Scheduler struct {
	spec    string
	target  Target
	timeout time.Duration
	log     *logging.Logger
	cron    *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates spec and creates a stopped scheduler. spec accepts the
// standard five-field syntax and descriptors such as "@every 30s". Each
// refresh is bounded by timeout when it is positive.
func New(spec string, target Target, timeout time.Duration, log *logging.Logger) (*Scheduler, error) {
	if target == nil {
		return nil, fmt.Errorf("refresh target required")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logging.NewDefault("carmarket")
	}

	s := &Scheduler{spec: spec, target: target, timeout: timeout, log: log}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{log}),
		cron.SkipIfStillRunning(cronLogger{log}),
	))
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("schedule refresh: %w", err)
	}
	return s, nil
}

// Start begins ticking. Refreshes run under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.log.WithField("schedule", s.spec).Info("listing refresh scheduled")
}

// Stop halts the schedule, cancels a running refresh and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// RunOnce performs a single refresh.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = logging.WithTraceID(ctx, logging.NewTraceID())

	start := time.Now()
	err := s.target.Refresh(ctx)
	entry := s.log.WithContext(ctx).WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		entry.WithError(err).Warn("scheduled refresh failed")
		return err
	}
	entry.Debug("scheduled refresh complete")
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.RunOnce(ctx)
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).WithError(err).Error(msg)
}

func pairs(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
