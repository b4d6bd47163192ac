package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxy1402/keep-me-alive/internal/domain"
)

func newTestCache() *Cache {
	doc := domain.DefaultDocument()
	doc.Websites = []domain.Website{{ID: "web_1", URL: "https://a.example.com", Enabled: true}}
	return NewCache(doc, "v0")
}

func TestApplySetsDirty(t *testing.T) {
	c := newTestCache()
	require.False(t, c.Dirty())

	err := c.Apply(func(d *domain.Document) error {
		d.Websites[0].Enabled = false
		return nil
	})
	require.NoError(t, err)
	assert.True(t, c.Dirty())

	doc, _ := c.Snapshot()
	assert.False(t, doc.Websites[0].Enabled)
}

func TestApplyErrorDoesNotDirty(t *testing.T) {
	c := newTestCache()
	boom := errors.New("boom")
	err := c.Apply(func(d *domain.Document) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Dirty())
}

func TestSnapshotIsIsolated(t *testing.T) {
	c := newTestCache()
	doc, _ := c.Snapshot()
	doc.Websites[0].URL = "https://mutated.example.com"

	current, _ := c.Snapshot()
	assert.Equal(t, "https://a.example.com", current.Websites[0].URL)
}

func TestMarkSyncedClearsOnlyWithoutNewMutations(t *testing.T) {
	c := newTestCache()
	require.NoError(t, c.Apply(func(d *domain.Document) error { return nil }))
	_, gen := c.Snapshot()

	t.Run("clears when generation matches", func(t *testing.T) {
		c.MarkSynced("v1", gen)
		assert.False(t, c.Dirty())
		assert.EqualValues(t, "v1", c.LastSyncedVersion())
	})

	t.Run("stays dirty when a mutation landed mid-save", func(t *testing.T) {
		require.NoError(t, c.Apply(func(d *domain.Document) error { return nil }))
		_, before := c.Snapshot()
		require.NoError(t, c.Apply(func(d *domain.Document) error { return nil }))

		c.MarkSynced("v2", before)
		assert.True(t, c.Dirty())
		assert.EqualValues(t, "v2", c.LastSyncedVersion())
	})
}

func TestReplaceAllCarriesSchedulingState(t *testing.T) {
	c := newTestCache()
	due := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	visit := domain.VisitResult{WebsiteID: "web_1", Outcome: domain.OutcomeSuccess}
	require.NoError(t, c.Apply(func(d *domain.Document) error {
		d.Websites[0].NextDueAt = due
		d.Websites[0].LastVisit = &visit
		return nil
	}))
	_, gen := c.Snapshot()
	c.MarkSynced("v1", gen)

	incoming := domain.DefaultDocument()
	incoming.Websites = []domain.Website{
		{ID: "web_1", URL: "https://a.example.com", Label: "renamed", Enabled: true},
		{ID: "web_2", URL: "https://b.example.com", Enabled: true},
	}
	require.True(t, c.ReplaceAll(incoming, "v9", c.Generation()))

	doc, _ := c.Snapshot()
	require.Len(t, doc.Websites, 2)
	assert.Equal(t, "renamed", doc.Websites[0].Label)
	assert.True(t, doc.Websites[0].NextDueAt.Equal(due))
	require.NotNil(t, doc.Websites[0].LastVisit)
	assert.True(t, doc.Websites[1].NextDueAt.IsZero()) // new site: due now
	assert.False(t, c.Dirty())
	assert.EqualValues(t, "v9", c.LastSyncedVersion())
}

func TestReplaceAllRefusesPendingEdits(t *testing.T) {
	t.Run("while dirty", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.Apply(func(d *domain.Document) error { return nil }))

		assert.False(t, c.ReplaceAll(domain.DefaultDocument(), "v9", c.Generation()))
		doc, _ := c.Snapshot()
		require.Len(t, doc.Websites, 1)
		assert.True(t, c.Dirty())
	})

	t.Run("when a mutation landed after the generation read", func(t *testing.T) {
		c := newTestCache()
		gen := c.Generation()
		require.NoError(t, c.Apply(func(d *domain.Document) error {
			return d.AddWebsite(domain.Website{ID: "web_2", URL: "https://b.example.com", Enabled: true})
		}))

		assert.False(t, c.ReplaceAll(domain.DefaultDocument(), "v9", gen))
		doc, _ := c.Snapshot()
		_, ok := doc.Website("web_2")
		assert.True(t, ok, "the edit must survive the attempted swap")
	})
}

func TestReplaceAllKeepsHistoryCleared(t *testing.T) {
	cleared := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	c := newTestCache()
	require.NoError(t, c.Apply(func(d *domain.Document) error {
		d.ClearHistory(cleared)
		return nil
	}))
	_, gen := c.Snapshot()
	c.MarkSynced("v1", gen)

	// A stale remote copy still holding pre-clear entries plus one newer.
	incoming := domain.DefaultDocument()
	incoming.VisitHistory = []domain.VisitResult{
		{WebsiteID: "web_1", StartedAt: cleared.Add(time.Minute), Outcome: domain.OutcomeSuccess},
		{WebsiteID: "web_1", StartedAt: cleared.Add(-time.Minute), Outcome: domain.OutcomeSuccess},
	}
	require.True(t, c.ReplaceAll(incoming, "v9", c.Generation()))

	doc, _ := c.Snapshot()
	require.Len(t, doc.VisitHistory, 1)
	assert.True(t, doc.VisitHistory[0].StartedAt.After(cleared))
}

func TestConcurrentApply(t *testing.T) {
	c := NewCache(domain.DefaultDocument(), "v0")
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Apply(func(d *domain.Document) error {
				d.AppendVisit(domain.VisitResult{WebsiteID: "web_1", Outcome: domain.OutcomeSuccess})
				return nil
			})
		}()
	}
	wg.Wait()

	doc, gen := c.Snapshot()
	assert.Len(t, doc.VisitHistory, domain.DefaultHistoryMax)
	assert.EqualValues(t, n, gen)
}
