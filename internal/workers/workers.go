package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/metrics"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Task is one unit of scheduled work.
type Task func(ctx context.Context) error

// Scheduler runs the registered tasks on their cron specs. A task never
// overlaps with itself, whether started by cron or by RunNow.
type Scheduler struct {
	cron     *cron.Cron
	log      *logrus.Entry
	timeout  time.Duration
	validate func() error

	mu    sync.Mutex
	tasks map[string]Task
	locks map[string]*sync.Mutex
}

// New builds a scheduler. validate is called before every run; a failing
// check skips the run. timeout bounds each run.
func New(timeout time.Duration, validate func() error, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "scheduler")
	logger := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
		log:      log,
		timeout:  timeout,
		validate: validate,
		tasks:    make(map[string]Task),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Register adds a task under name with a standard five-field cron spec.
func (s *Scheduler) Register(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("job %q registered twice", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { _ = s.run(context.Background(), name) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.tasks[name] = task
	s.locks[name] = &sync.Mutex{}
	s.log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("job registered")
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	return s.run(ctx, name)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.Jobs())).Info("scheduler started")
}

// Stop halts the cron loop and waits for running jobs to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	lock := s.locks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	log := s.log.WithField("job", name)
	if !lock.TryLock() {
		metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
		log.Warn("previous run still in progress, skipping")
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer lock.Unlock()

	if s.validate != nil {
		if err := s.validate(); err != nil {
			metrics.JobRuns.WithLabelValues(name, "invalid_config").Inc()
			log.WithError(err).Error("configuration invalid, job not run")
			return err
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	log.Info("job started")
	err := s.safeRun(ctx, task)
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	log = log.WithField("duration", elapsed.String())
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "failure").Inc()
		log.WithError(err).Error("job failed")
		return err
	}
	metrics.JobRuns.WithLabelValues(name, "success").Inc()
	log.Info("job finished")
	return nil
}

func (s *Scheduler) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return task(ctx)
}
