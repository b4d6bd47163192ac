// Package syncer mediates between the in-process cache and the remote
// document store. The store offers only whole-document read/replace, so
// every flush is an optimistic read-merge-write cycle: admin-owned fields
// (website list, settings) take the local copy, history merges additively.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/foxy1402/keep-me-alive/internal/domain"
	"github.com/foxy1402/keep-me-alive/internal/state"
	"github.com/foxy1402/keep-me-alive/internal/store"
)

// ErrSyncFailed is surfaced after the retry budget is exhausted. Local
// state stays dirty and a later flush retries from scratch.
var ErrSyncFailed = errors.New("sync failed")

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Second
	maxBackoff         = 30 * time.Second
)

type Coordinator struct {
	store store.Store
	cache *state.Cache

	maxAttempts int
	backoffBase time.Duration

	// Single-writer discipline: one flush cycle at a time.
	flushMu sync.Mutex
}

type Option func(*Coordinator)

// WithRetry overrides the attempt budget and backoff base (tests).
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Coordinator) {
		c.maxAttempts = attempts
		c.backoffBase = base
	}
}

func New(st store.Store, cache *state.Cache, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		cache:       cache,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Flush pushes dirty local state to the remote store. Concurrent calls
// serialize: a caller arriving while a flush is in flight waits for it, and
// if that cycle's snapshot predates the caller's mutation the cache is
// still dirty, so the caller runs its own cycle rather than returning with
// the edit unsaved. Returns nil when the cache is clean.
func (c *Coordinator) Flush(ctx context.Context) error {
	if !c.cache.Dirty() {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if !c.cache.Dirty() {
		// The flush we waited on carried this state.
		return nil
	}
	return c.flushCycle(ctx)
}

func (c *Coordinator) flushCycle(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoff(attempt-1, c.backoffBase)); err != nil {
				return err
			}
		}
		snapshot, generation := c.cache.Snapshot()
		version, err := c.saveMerged(ctx, snapshot)
		if err == nil {
			c.cache.MarkSynced(version, generation)
			log.Debug().Int("attempts", attempt).Str("version", string(version)).Msg("sync complete")
			return nil
		}
		if errors.Is(err, store.ErrAuth) {
			log.Error().Err(err).Msg("sync rejected: credentials invalid")
			return err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max", c.maxAttempts).Msg("sync attempt failed")
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrSyncFailed, c.maxAttempts, lastErr)
}

// saveMerged runs one read-merge-write pass.
func (c *Coordinator) saveMerged(ctx context.Context, local domain.Document) (store.Version, error) {
	remote, _, err := c.store.Load(ctx)
	if err != nil {
		// An unparseable remote blocks merging; the caller retries the
		// whole cycle in case another writer repairs it.
		return "", fmt.Errorf("load before merge: %w", err)
	}
	merged := Merge(local, remote)
	return c.store.Save(ctx, merged)
}

// Refresh pulls the remote document into the cache. Dirty local state is
// flushed first so a reload never discards unsaved edits, and the swap is
// abandoned if a mutation lands while the reload is in flight; the next
// refresh picks it up after that mutation has been flushed.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.cache.Dirty() {
		if err := c.Flush(ctx); err != nil {
			return err
		}
	}
	generation := c.cache.Generation()
	doc, version, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if !c.cache.ReplaceAll(doc, version, generation) {
		log.Debug().Msg("refresh abandoned, local edits arrived during reload")
		return nil
	}
	log.Debug().Str("version", string(version)).Msg("cache refreshed from store")
	return nil
}

// Merge combines the local snapshot with the current remote document.
// Website list and settings follow the local copy, which has absorbed all
// admin edits through the cache. Histories from both sides are united by
// (website_id, timestamp), ordered newest first, and trimmed to the bound,
// so independent appends on either side both survive. Remote entries from
// before a local history clear stay dropped.
func Merge(local, remote domain.Document) domain.Document {
	merged := local.Clone()

	type visitKey struct {
		websiteID string
		startedAt int64
	}
	seen := make(map[visitKey]struct{}, len(merged.VisitHistory))
	for _, v := range merged.VisitHistory {
		seen[visitKey{v.WebsiteID, v.StartedAt.UnixNano()}] = struct{}{}
	}
	for _, v := range remote.VisitHistory {
		if !local.HistoryClearedAt.IsZero() && !v.StartedAt.After(local.HistoryClearedAt) {
			continue
		}
		k := visitKey{v.WebsiteID, v.StartedAt.UnixNano()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged.VisitHistory = append(merged.VisitHistory, v)
	}
	sort.SliceStable(merged.VisitHistory, func(i, j int) bool {
		return merged.VisitHistory[i].StartedAt.After(merged.VisitHistory[j].StartedAt)
	})
	if max := merged.HistoryMax; max > 0 && len(merged.VisitHistory) > max {
		merged.VisitHistory = merged.VisitHistory[:max]
	}
	return merged
}

func backoff(attempts int, base time.Duration) time.Duration {
	d := base << (attempts - 1) // 1,2,4,8...
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
