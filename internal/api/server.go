package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/foxy1402/keep-me-alive/internal/domain"
	"github.com/foxy1402/keep-me-alive/internal/scheduler"
	"github.com/foxy1402/keep-me-alive/internal/state"
	"github.com/foxy1402/keep-me-alive/internal/syncer"
)

type Server struct {
	r          *chi.Mux
	cache      *state.Cache
	sync       *syncer.Coordinator
	sched      *scheduler.Service
	adminToken string
	now        func() time.Time
}

func NewServer(cache *state.Cache, sync *syncer.Coordinator, sched *scheduler.Service, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, cache: cache, sync: sync, sched: sched, adminToken: adminToken, now: time.Now}

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/api/status", s.status)
		r.Get("/api/websites", s.listWebsites)
		r.Post("/api/websites", s.addWebsite)
		r.Delete("/api/websites/{id}", s.removeWebsite)
		r.Post("/api/websites/{id}/toggle", s.toggleWebsite)
		r.Post("/api/websites/{id}/visit", s.visitWebsite)
		r.Post("/api/visits/run", s.runAll)
		r.Get("/api/settings", s.getSettings)
		r.Put("/api/settings", s.updateSettings)
		r.Get("/api/history", s.listHistory)
		r.Delete("/api/history", s.clearHistory)
		r.Post("/api/sync/refresh", s.refresh)
	})

	return r
}

// auth requires the admin bearer token on everything under /api.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"scheduler": s.sched.Status(),
		"dirty":     s.cache.Dirty(),
		"version":   string(s.cache.LastSyncedVersion()),
	})
}

type websiteResp struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Label     string     `json:"label"`
	Enabled   bool       `json:"enabled"`
	AddedAt   *time.Time `json:"added_at,omitempty"`
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
	LastVisit *visitResp `json:"last_visit,omitempty"`
}

type visitResp struct {
	WebsiteID  string    `json:"website_id"`
	URL        string    `json:"url"`
	Timestamp  time.Time `json:"timestamp"`
	Outcome    string    `json:"outcome"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func toVisitResp(v domain.VisitResult) visitResp {
	return visitResp{
		WebsiteID:  v.WebsiteID,
		URL:        v.URL,
		Timestamp:  v.StartedAt,
		Outcome:    string(v.Outcome),
		Success:    v.Success(),
		DurationMS: v.DurationMS,
		Error:      v.Error,
	}
}

func toWebsiteResp(w domain.Website) websiteResp {
	resp := websiteResp{ID: w.ID, URL: w.URL, Label: w.Label, Enabled: w.Enabled}
	if !w.AddedAt.IsZero() {
		t := w.AddedAt
		resp.AddedAt = &t
	}
	if !w.NextDueAt.IsZero() {
		t := w.NextDueAt
		resp.NextDueAt = &t
	}
	if w.LastVisit != nil {
		v := toVisitResp(*w.LastVisit)
		resp.LastVisit = &v
	}
	return resp
}

func (s *Server) listWebsites(w http.ResponseWriter, r *http.Request) {
	doc, _ := s.cache.Snapshot()
	out := make([]websiteResp, 0, len(doc.Websites))
	for _, site := range doc.Websites {
		out = append(out, toWebsiteResp(site))
	}
	writeJSON(w, 200, out)
}

type addWebsiteReq struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

func (s *Server) addWebsite(w http.ResponseWriter, r *http.Request) {
	var req addWebsiteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", 400)
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		req.URL = "https://" + req.URL
	}
	if req.Label == "" {
		req.Label = req.URL
	}

	now := s.now()
	site := domain.Website{
		ID:      "web_" + uuid.NewString(),
		URL:     req.URL,
		Label:   req.Label,
		Enabled: true,
		AddedAt: now,
		// Due immediately: the next scheduler tick visits it.
		NextDueAt: now,
	}
	err := s.cache.Apply(func(d *domain.Document) error {
		return d.AddWebsite(site)
	})
	if errors.Is(err, domain.ErrDuplicateURL) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.flush(r)
	writeJSON(w, http.StatusCreated, toWebsiteResp(site))
}

func (s *Server) removeWebsite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.cache.Apply(func(d *domain.Document) error {
		return d.RemoveWebsite(id)
	})
	if errors.Is(err, domain.ErrUnknownWebsite) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.flush(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleWebsite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var enabled bool
	err := s.cache.Apply(func(d *domain.Document) error {
		site, ok := d.Website(id)
		if !ok {
			return domain.ErrUnknownWebsite
		}
		site.Enabled = !site.Enabled
		enabled = site.Enabled
		return nil
	})
	if errors.Is(err, domain.ErrUnknownWebsite) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.flush(r)
	writeJSON(w, 200, map[string]bool{"enabled": enabled})
}

func (s *Server) visitWebsite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.sched.VisitOne(r.Context(), id)
	if errors.Is(err, domain.ErrUnknownWebsite) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toVisitResp(result))
}

func (s *Server) runAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RunAll(r.Context()); err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type settingsResp struct {
	IntervalMin        int  `json:"interval_min"`
	IntervalMax        int  `json:"interval_max"`
	ScreenshotsEnabled bool `json:"screenshots_enabled"`
}

type updateSettingsReq struct {
	IntervalMin        *int  `json:"interval_min"`
	IntervalMax        *int  `json:"interval_max"`
	ScreenshotsEnabled *bool `json:"screenshots_enabled"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	doc, _ := s.cache.Snapshot()
	writeJSON(w, 200, settingsResp{
		IntervalMin:        int(doc.Settings.IntervalMin / time.Minute),
		IntervalMax:        int(doc.Settings.IntervalMax / time.Minute),
		ScreenshotsEnabled: doc.Settings.ScreenshotsEnabled,
	})
}

// updateSettings applies a partial update. An update that would leave
// interval_min above interval_max is rejected outright, never clamped.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	var updated domain.Settings
	err := s.cache.Apply(func(d *domain.Document) error {
		next := d.Settings
		if req.IntervalMin != nil {
			next.IntervalMin = time.Duration(*req.IntervalMin) * time.Minute
		}
		if req.IntervalMax != nil {
			next.IntervalMax = time.Duration(*req.IntervalMax) * time.Minute
		}
		if req.ScreenshotsEnabled != nil {
			next.ScreenshotsEnabled = *req.ScreenshotsEnabled
		}
		if err := next.Validate(); err != nil {
			return err
		}
		d.Settings = next
		updated = next
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	s.flush(r)
	writeJSON(w, 200, settingsResp{
		IntervalMin:        int(updated.IntervalMin / time.Minute),
		IntervalMax:        int(updated.IntervalMax / time.Minute),
		ScreenshotsEnabled: updated.ScreenshotsEnabled,
	})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	doc, _ := s.cache.Snapshot()
	history := doc.VisitHistory
	if len(history) > limit {
		history = history[:limit]
	}
	out := make([]visitResp, 0, len(history))
	for _, v := range history {
		out = append(out, toVisitResp(v))
	}
	writeJSON(w, 200, out)
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	err := s.cache.Apply(func(d *domain.Document) error {
		d.ClearHistory(now)
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.flush(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// flushBudget bounds how long an admin request waits on the store. A flush
// that cannot finish in time leaves the state dirty for the periodic cycle.
const flushBudget = 5 * time.Second

// flush pushes the mutation to the store. Failures are not surfaced to the
// admin caller: the edit is already applied locally and stays dirty for the
// next sync cycle. The budget is detached from the request context so a
// client disconnect does not abort a save already underway.
func (s *Server) flush(r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), flushBudget)
	defer cancel()
	_ = s.sync.Flush(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
