package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults mirror the persisted document's initial state.
const (
	DefaultIntervalMin = 10 * time.Minute
	DefaultIntervalMax = 14 * time.Minute
	DefaultHistoryMax  = 50
)

var (
	ErrDuplicateURL   = errors.New("website with this URL already exists")
	ErrUnknownWebsite = errors.New("website not found")
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

type Website struct {
	ID      string
	URL     string
	Label   string
	Enabled bool
	AddedAt time.Time

	// Scheduling state, owned by the scheduler. Not persisted remotely.
	NextDueAt time.Time
	LastVisit *VisitResult
}

// VisitResult is immutable once created.
type VisitResult struct {
	WebsiteID  string
	URL        string
	StartedAt  time.Time
	DurationMS int64
	Outcome    Outcome
	Error      string
	Screenshot []byte
}

func (v VisitResult) Success() bool { return v.Outcome == OutcomeSuccess }

type Settings struct {
	IntervalMin        time.Duration
	IntervalMax        time.Duration
	ScreenshotsEnabled bool
}

func DefaultSettings() Settings {
	return Settings{IntervalMin: DefaultIntervalMin, IntervalMax: DefaultIntervalMax}
}

// Validate rejects non-positive or inverted intervals rather than clamping.
func (s Settings) Validate() error {
	if s.IntervalMin <= 0 || s.IntervalMax <= 0 {
		return fmt.Errorf("intervals must be positive, got min=%s max=%s", s.IntervalMin, s.IntervalMax)
	}
	if s.IntervalMin > s.IntervalMax {
		return fmt.Errorf("interval_min %s exceeds interval_max %s", s.IntervalMin, s.IntervalMax)
	}
	return nil
}

// Document is the unit persisted in the remote store. VisitHistory is
// ordered newest first.
type Document struct {
	Websites     []Website
	Settings     Settings
	VisitHistory []VisitResult
	HistoryMax   int

	// HistoryClearedAt marks the last time the admin wiped the history.
	// Process-local, never persisted: it exists so that merging with a
	// remote copy written before the clear cannot bring entries back.
	HistoryClearedAt time.Time
}

func DefaultDocument() Document {
	return Document{Settings: DefaultSettings(), HistoryMax: DefaultHistoryMax}
}

func (d *Document) historyMax() int {
	if d.HistoryMax <= 0 {
		return DefaultHistoryMax
	}
	return d.HistoryMax
}

// AddWebsite rejects URLs already on the list, case-insensitively. The new
// site is appended as given; callers set Enabled and NextDueAt.
func (d *Document) AddWebsite(w Website) error {
	for _, existing := range d.Websites {
		if strings.EqualFold(existing.URL, w.URL) {
			return ErrDuplicateURL
		}
	}
	d.Websites = append(d.Websites, w)
	return nil
}

func (d *Document) RemoveWebsite(id string) error {
	for i, w := range d.Websites {
		if w.ID == id {
			d.Websites = append(d.Websites[:i], d.Websites[i+1:]...)
			return nil
		}
	}
	return ErrUnknownWebsite
}

func (d *Document) Website(id string) (*Website, bool) {
	for i := range d.Websites {
		if d.Websites[i].ID == id {
			return &d.Websites[i], true
		}
	}
	return nil, false
}

// AppendVisit prepends the result and evicts the oldest entries beyond the
// history bound.
func (d *Document) AppendVisit(v VisitResult) {
	d.VisitHistory = append([]VisitResult{v}, d.VisitHistory...)
	if max := d.historyMax(); len(d.VisitHistory) > max {
		d.VisitHistory = d.VisitHistory[:max]
	}
}

// ClearHistory drops every recorded visit and remembers the cutoff so a
// later merge against a stale remote copy does not resurrect them.
func (d *Document) ClearHistory(at time.Time) {
	d.VisitHistory = nil
	d.HistoryClearedAt = at
}

// DropVisitsThrough removes history entries that started at or before the
// cutoff.
func (d *Document) DropVisitsThrough(cutoff time.Time) {
	kept := d.VisitHistory[:0]
	for _, v := range d.VisitHistory {
		if v.StartedAt.After(cutoff) {
			kept = append(kept, v)
		}
	}
	d.VisitHistory = kept
}

// Validate checks document-level invariants: unique website IDs and a sane
// interval range.
func (d *Document) Validate() error {
	seen := make(map[string]struct{}, len(d.Websites))
	for _, w := range d.Websites {
		if w.ID == "" {
			return fmt.Errorf("website %q has empty id", w.URL)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("duplicate website id %q", w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	return d.Settings.Validate()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *Document) Clone() Document {
	out := *d
	out.Websites = make([]Website, len(d.Websites))
	copy(out.Websites, d.Websites)
	for i := range out.Websites {
		if lv := out.Websites[i].LastVisit; lv != nil {
			cp := *lv
			out.Websites[i].LastVisit = &cp
		}
	}
	out.VisitHistory = make([]VisitResult, len(d.VisitHistory))
	copy(out.VisitHistory, d.VisitHistory)
	return out
}
