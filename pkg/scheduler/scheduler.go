// Package scheduler runs sync passes for external sources on their cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/robfig/cron/v3"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sourcesync"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrPassRunning is returned by RunNow while a pass for the source is in flight.
var ErrPassRunning = errors.New("sync pass already running")

// PassFunc runs one full pass over src.
type PassFunc func(ctx context.Context, src models.ExternalSource) (*sourcesync.SyncReport, error)

type job struct {
	source  models.ExternalSource
	entryID cron.EntryID
	running sync.Mutex
}

type Scheduler struct {
	cron    *cron.Cron
	run     PassFunc
	logger  ectologger.Logger
	timeout time.Duration

	mu     sync.RWMutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. timeout bounds each pass; zero means no bound.
func New(run PassFunc, logger ectologger.Logger, timeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		run:     run,
		logger:  logger,
		timeout: timeout,
		jobs:    map[string]*job{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds every source. Sources without a schedule can still be run
// with RunNow. Invalid cron expressions are skipped and returned joined.
func (s *Scheduler) Register(sources ...models.ExternalSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, src := range sources {
		if existing, ok := s.jobs[src.Slug]; ok && existing.entryID != 0 {
			s.cron.Remove(existing.entryID)
		}
		j := &job{source: src}
		if src.Schedule != "" {
			slug := src.Slug
			id, err := s.cron.AddFunc(src.Schedule, func() { s.scheduled(slug) })
			if err != nil {
				s.logger.WithError(err).WithFields(map[string]any{
					"source":   src.Slug,
					"schedule": src.Schedule,
				}).Error("Invalid source schedule, skipping")
				errs = append(errs, fmt.Errorf("source %s: %w", src.Slug, err))
				continue
			}
			j.entryID = id
		}
		s.jobs[src.Slug] = j
	}
	return errors.Join(errs...)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("scheduled", len(s.cron.Entries())).Info("Scheduler started")
}

// Stop cancels running passes and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sources lists the registered sources ordered by slug.
func (s *Scheduler) Sources() []models.ExternalSource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ExternalSource, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.source)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Slug < out[k].Slug })
	return out
}

// Next returns when the source runs next, or the zero time when it has no schedule.
func (s *Scheduler) Next(slug string) time.Time {
	s.mu.RLock()
	j, ok := s.jobs[slug]
	s.mu.RUnlock()
	if !ok || j.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(j.entryID).Next
}

// RunNow runs a pass for slug synchronously.
func (s *Scheduler) RunNow(ctx context.Context, slug string) (*sourcesync.SyncReport, error) {
	s.mu.RLock()
	j, ok := s.jobs[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, ferrors.NotFound("source", slug)
	}
	if !j.running.TryLock() {
		return nil, ErrPassRunning
	}
	defer j.running.Unlock()

	return s.pass(ctx, j)
}

func (s *Scheduler) scheduled(slug string) {
	s.mu.RLock()
	j, ok := s.jobs[slug]
	s.mu.RUnlock()
	if !ok {
		return
	}

	log := s.logger.WithField("source", slug)
	if !j.running.TryLock() {
		metrics.RecordScheduledRun(slug, "skipped")
		log.Warn("Previous sync pass still running, skipping")
		return
	}
	defer j.running.Unlock()

	report, err := s.pass(s.ctx, j)
	if err != nil {
		metrics.RecordScheduledRun(slug, "failed")
		log.WithError(err).Error("Scheduled sync pass failed")
		return
	}
	metrics.RecordScheduledRun(slug, "ok")
	log.WithFields(map[string]any{
		"pass_id":   report.PassID,
		"processed": report.Processed,
		"errors":    len(report.Errors),
	}).Info("Scheduled sync pass finished")
}

func (s *Scheduler) pass(ctx context.Context, j *job) (*sourcesync.SyncReport, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Scheduler.pass")
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report, err := s.run(ctx, j.source)
	if err != nil {
		tracing.RecordError(span, err)
		return report, err
	}
	return report, nil
}

// cronLogger adapts ectologger to cron.Logger.
type cronLogger struct {
	logger ectologger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []any) map[string]any {
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
