// Package scheduler drives the keep-alive loop. Each website is an
// Idle(nextDue) -> Visiting -> Idle(nextDue') state machine; a short ticker
// selects due sites and visits them one at a time, so browser resource
// usage stays bounded. Revisit times are drawn independently per site from
// the configured interval window, which keeps sites from converging onto
// the same schedule.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/foxy1402/keep-me-alive/internal/domain"
	"github.com/foxy1402/keep-me-alive/internal/state"
	"github.com/foxy1402/keep-me-alive/internal/syncer"
	"github.com/foxy1402/keep-me-alive/internal/visitor"
)

var ErrRunInProgress = errors.New("a visit run is already in progress")

const DefaultPollInterval = 5 * time.Second

type Service struct {
	cache  *state.Cache
	sync   *syncer.Coordinator
	driver visitor.Driver

	pollEvery time.Duration
	stop      chan struct{}
	stopOnce  sync.Once

	// Injection points for time-travel tests.
	now    func() time.Time
	jitter func(min, max time.Duration) time.Duration

	mu       sync.Mutex
	visiting bool
	lastRun  time.Time
	running  bool
}

func NewService(cache *state.Cache, sync *syncer.Coordinator, driver visitor.Driver, pollEvery time.Duration) *Service {
	if pollEvery <= 0 {
		pollEvery = DefaultPollInterval
	}
	return &Service{
		cache:     cache,
		sync:      sync,
		driver:    driver,
		pollEvery: pollEvery,
		stop:      make(chan struct{}),
		now:       time.Now,
		jitter:    uniformJitter,
	}
}

// Start runs the loop until the context is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	log.Info().Dur("poll", s.pollEvery).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Tick visits every enabled due website exactly once, then requests a
// flush if anything changed. Exported so manual triggers and tests drive
// the loop without real clock sleeps.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()
	doc, _ := s.cache.Snapshot()

	var due []domain.Website
	for _, w := range doc.Websites {
		if w.Enabled && !w.NextDueAt.After(now) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		s.flushIfDirty(ctx)
		return
	}

	s.mu.Lock()
	if s.visiting {
		s.mu.Unlock()
		return
	}
	s.visiting = true
	s.lastRun = now
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.visiting = false
		s.mu.Unlock()
	}()

	log.Info().Int("due", len(due)).Msg("visiting due websites")
	for _, w := range due {
		if ctx.Err() != nil {
			return
		}
		s.visitAndRecord(ctx, w.ID, false)
	}
	s.flushIfDirty(ctx)
}

// visitAndRecord performs one visit and folds the outcome into the cache.
// The website is re-read at visit time: an admin may have disabled or
// removed it mid-cycle, or edited its URL. force bypasses the enabled
// check for manual triggers.
func (s *Service) visitAndRecord(ctx context.Context, id string, force bool) {
	doc, _ := s.cache.Snapshot()
	w, ok := doc.Website(id)
	if !ok || (!w.Enabled && !force) {
		return
	}
	settings := doc.Settings

	result := s.driver.Visit(ctx, *w, settings)

	next := s.now().Add(s.jitter(settings.IntervalMin, settings.IntervalMax))
	err := s.cache.Apply(func(d *domain.Document) error {
		// Keep the history record even if the site was removed mid-visit.
		d.AppendVisit(result)
		if live, ok := d.Website(id); ok {
			live.NextDueAt = next
			live.LastVisit = &result
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("website_id", id).Msg("record visit")
		return
	}

	evt := log.Info()
	if !result.Success() {
		evt = log.Warn()
	}
	evt.Str("website_id", id).
		Str("url", result.URL).
		Str("outcome", string(result.Outcome)).
		Int64("duration_ms", result.DurationMS).
		Time("next_due", next).
		Msg("visit recorded")
}

// RunAll visits every enabled website immediately, regardless of due time.
// Rejected while a scheduled or manual run is in progress.
func (s *Service) RunAll(ctx context.Context) error {
	s.mu.Lock()
	if s.visiting {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	s.visiting = true
	s.lastRun = s.now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.visiting = false
		s.mu.Unlock()
	}()

	doc, _ := s.cache.Snapshot()
	for _, w := range doc.Websites {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.Enabled {
			s.visitAndRecord(ctx, w.ID, false)
		}
	}
	s.flushIfDirty(ctx)
	return nil
}

// VisitOne visits a single website immediately and returns the result.
func (s *Service) VisitOne(ctx context.Context, id string) (domain.VisitResult, error) {
	doc, _ := s.cache.Snapshot()
	if _, ok := doc.Website(id); !ok {
		return domain.VisitResult{}, domain.ErrUnknownWebsite
	}
	s.visitAndRecord(ctx, id, true)
	doc, _ = s.cache.Snapshot()
	w, ok := doc.Website(id)
	if !ok || w.LastVisit == nil {
		return domain.VisitResult{}, domain.ErrUnknownWebsite
	}
	return *w.LastVisit, nil
}

func (s *Service) flushIfDirty(ctx context.Context) {
	if !s.cache.Dirty() {
		return
	}
	if err := s.sync.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("flush after tick failed, state stays dirty")
	}
}

type Status struct {
	Running  bool       `json:"running"`
	Visiting bool       `json:"visiting"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextDue  *time.Time `json:"next_due,omitempty"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running, Visiting: s.visiting}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	s.mu.Unlock()

	doc, _ := s.cache.Snapshot()
	for _, w := range doc.Websites {
		if !w.Enabled {
			continue
		}
		d := w.NextDueAt
		if st.NextDue == nil || d.Before(*st.NextDue) {
			t := d
			st.NextDue = &t
		}
	}
	return st
}

// uniformJitter draws an independent revisit delay in [min, max].
func uniformJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}
