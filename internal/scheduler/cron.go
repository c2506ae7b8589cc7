package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// JobScheduler keeps at most one recurring entry per key.
type JobScheduler interface {
	// Register installs job under key. Registering the same expression again
	// is a no-op; a different expression replaces the entry.
	Register(key, expr string, job func()) error
	// Remove drops the entry for key. Unknown keys are ignored.
	Remove(key string)
	Keys() []string
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CheckSchedule reports whether expr has five fields, or six with a leading
// seconds field.
func CheckSchedule(expr string) error {
	n := len(strings.Fields(expr))
	if n != 5 && n != 6 {
		return fmt.Errorf("%w: %q has %d fields, want 5 or 6", ErrInvalidSchedule, expr, n)
	}
	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	if err := CheckSchedule(expr); err != nil {
		return err
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	if err := ValidateCronExpression(expr); err != nil {
		return time.Time{}, err
	}
	sched, _ := parser.Parse(expr)
	return sched.Next(from), nil
}

type entry struct {
	id   cron.EntryID
	expr string
}

// CronScheduler is the in-process JobScheduler backed by robfig/cron.
type CronScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]entry
	log     zerolog.Logger
}

func NewCronScheduler(loc *time.Location, logger zerolog.Logger) *CronScheduler {
	if loc == nil {
		loc = time.Local
	}
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: logger}
	return &CronScheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]entry),
		log:     logger,
	}
}

func (s *CronScheduler) Register(key, expr string, job func()) error {
	if err := CheckSchedule(expr); err != nil {
		return err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok {
		if cur.expr == expr {
			return nil
		}
		s.cron.Remove(cur.id)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(job))
	s.entries[key] = entry{id: id, expr: expr}
	s.log.Info().Str("job_key", key).Str("cron", expr).Msg("registered recurring job")
	return nil
}

func (s *CronScheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		return
	}
	s.cron.Remove(cur.id)
	delete(s.entries, key)
	s.log.Info().Str("job_key", key).Msg("removed recurring job")
}

func (s *CronScheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Next returns the next fire time of key. It is zero until Start is called.
func (s *CronScheduler) Next(key string) (time.Time, bool) {
	s.mu.Lock()
	cur, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(cur.id).Next, true
}

func (s *CronScheduler) Start() {
	s.cron.Start()
}

// Stop halts the timer and waits for running jobs until ctx is done.
func (s *CronScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out with jobs still running")
	}
}

// cronLogger routes robfig/cron's logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
