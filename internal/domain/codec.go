package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire types for the persisted document. Intervals travel as integer
// minutes and timestamps as ISO-8601 strings; this layout is shared with
// other frontends and must stay stable.

type wireWebsite struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
	AddedAt string `json:"added_at,omitempty"`
}

type wireSettings struct {
	IntervalMin        int  `json:"interval_min"`
	IntervalMax        int  `json:"interval_max"`
	ScreenshotsEnabled bool `json:"screenshots_enabled"`
}

type wireVisit struct {
	WebsiteID  string  `json:"website_id"`
	URL        string  `json:"url,omitempty"`
	Timestamp  string  `json:"timestamp"`
	Success    bool    `json:"success"`
	DurationMS int64   `json:"duration_ms"`
	Error      *string `json:"error"`
}

type wireDocument struct {
	Websites     []wireWebsite `json:"websites"`
	Settings     wireSettings  `json:"settings"`
	VisitHistory []wireVisit   `json:"visit_history"`
}

// EncodeDocument serialises a document into the stable wire JSON.
// Scheduling state and screenshots are process-local and omitted.
func EncodeDocument(d Document) ([]byte, error) {
	wd := wireDocument{
		Websites: make([]wireWebsite, 0, len(d.Websites)),
		Settings: wireSettings{
			IntervalMin:        int(d.Settings.IntervalMin / time.Minute),
			IntervalMax:        int(d.Settings.IntervalMax / time.Minute),
			ScreenshotsEnabled: d.Settings.ScreenshotsEnabled,
		},
		VisitHistory: make([]wireVisit, 0, len(d.VisitHistory)),
	}
	for _, w := range d.Websites {
		ww := wireWebsite{ID: w.ID, URL: w.URL, Label: w.Label, Enabled: w.Enabled}
		if !w.AddedAt.IsZero() {
			ww.AddedAt = w.AddedAt.UTC().Format(time.RFC3339)
		}
		wd.Websites = append(wd.Websites, ww)
	}
	for _, v := range d.VisitHistory {
		wv := wireVisit{
			WebsiteID:  v.WebsiteID,
			URL:        v.URL,
			Timestamp:  v.StartedAt.UTC().Format(time.RFC3339),
			Success:    v.Success(),
			DurationMS: v.DurationMS,
		}
		if v.Error != "" {
			msg := v.Error
			wv.Error = &msg
		}
		wd.VisitHistory = append(wd.VisitHistory, wv)
	}
	return json.MarshalIndent(wd, "", "  ")
}

// DecodeDocument parses wire JSON and validates document invariants.
func DecodeDocument(data []byte) (Document, error) {
	var wd wireDocument
	if err := json.Unmarshal(data, &wd); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	d := Document{HistoryMax: DefaultHistoryMax}
	d.Settings = Settings{
		IntervalMin:        time.Duration(wd.Settings.IntervalMin) * time.Minute,
		IntervalMax:        time.Duration(wd.Settings.IntervalMax) * time.Minute,
		ScreenshotsEnabled: wd.Settings.ScreenshotsEnabled,
	}
	// A hand-created document may omit settings entirely.
	if wd.Settings.IntervalMin == 0 && wd.Settings.IntervalMax == 0 {
		d.Settings.IntervalMin = DefaultIntervalMin
		d.Settings.IntervalMax = DefaultIntervalMax
	}
	for _, ww := range wd.Websites {
		w := Website{ID: ww.ID, URL: ww.URL, Label: ww.Label, Enabled: ww.Enabled}
		if ww.AddedAt != "" {
			if t, err := time.Parse(time.RFC3339, ww.AddedAt); err == nil {
				w.AddedAt = t
			}
		}
		d.Websites = append(d.Websites, w)
	}
	for _, wv := range wd.VisitHistory {
		v := VisitResult{
			WebsiteID:  wv.WebsiteID,
			URL:        wv.URL,
			DurationMS: wv.DurationMS,
		}
		t, err := time.Parse(time.RFC3339, wv.Timestamp)
		if err != nil {
			return Document{}, fmt.Errorf("decode document: visit timestamp %q: %w", wv.Timestamp, err)
		}
		v.StartedAt = t
		switch {
		case wv.Success:
			v.Outcome = OutcomeSuccess
		case wv.Error != nil:
			v.Outcome = OutcomeError
			v.Error = *wv.Error
		default:
			v.Outcome = OutcomeTimeout
		}
		d.VisitHistory = append(d.VisitHistory, v)
	}
	if err := d.Validate(); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}
