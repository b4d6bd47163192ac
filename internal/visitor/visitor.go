// Package visitor performs a single keep-alive hit against a website using
// a real headless Chrome, driven through Rod. One browser process is shared
// across visits; every visit gets a fresh stealth page that is closed on
// every exit path. A visit never fails loudly: all failures come back as a
// VisitResult with an error or timeout outcome.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/foxy1402/keep-me-alive/internal/domain"
)

// Driver is what the scheduler needs from a visitor.
type Driver interface {
	Visit(ctx context.Context, w domain.Website, settings domain.Settings) domain.VisitResult
}

const (
	// NavTimeout bounds navigation plus load wait so one unreachable site
	// cannot stall the scheduler cycle.
	NavTimeout = 30 * time.Second

	// Settle window: after load, linger a random moment so client-side
	// rendering counts as real activity on the visited platform. This is a
	// fixed range, unrelated to the revisit interval.
	settleMin = 2 * time.Second
	settleMax = 5 * time.Second
)

// Browser owns the Chrome process lifecycle.
type Browser struct {
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

func NewBrowser() *Browser { return &Browser{} }

// Start launches headless Chrome and connects. Idempotent; Visit calls it
// lazily so a deployment with zero websites never pays for a browser.
func (b *Browser) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked()
}

func (b *Browser) startLocked() error {
	if b.closed {
		return fmt.Errorf("visitor: browser is closed")
	}
	if b.browser != nil {
		return nil
	}
	l := launcher.New().
		Headless(true).
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu")
	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("visitor: launch chrome: %w", err)
	}
	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		l.Cleanup()
		return fmt.Errorf("visitor: connect: %w", err)
	}
	b.lnch = l
	b.browser = br
	log.Info().Str("url", wsURL).Msg("chrome launched")
	return nil
}

// Close shuts the browser down. Safe to call more than once.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return nil
}

func (b *Browser) handle() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.startLocked(); err != nil {
		return nil, err
	}
	return b.browser, nil
}

// Visit navigates to the website, waits for load plus a settle interval,
// and optionally captures a screenshot. The returned result always carries
// a classified outcome; Rod panics are recovered into error outcomes.
func (b *Browser) Visit(ctx context.Context, w domain.Website, settings domain.Settings) (res domain.VisitResult) {
	start := time.Now()
	res = domain.VisitResult{WebsiteID: w.ID, URL: w.URL, StartedAt: start}
	defer func() {
		res.DurationMS = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			res.Outcome = domain.OutcomeError
			res.Error = fmt.Sprintf("browser panic: %v", r)
		}
	}()

	br, err := b.handle()
	if err != nil {
		res.Outcome, res.Error = classify(err, ctx)
		return res
	}

	navCtx, cancel := context.WithTimeout(ctx, NavTimeout)
	defer cancel()

	page, err := stealth.Page(br)
	if err != nil {
		res.Outcome, res.Error = classify(err, navCtx)
		return res
	}
	defer page.Close()
	page = page.Context(navCtx)

	if err := page.Navigate(w.URL); err != nil {
		res.Outcome, res.Error = classify(err, navCtx)
		return res
	}
	if err := page.WaitLoad(); err != nil {
		res.Outcome, res.Error = classify(err, navCtx)
		return res
	}

	if err := sleepCtx(navCtx, settleDuration()); err != nil {
		res.Outcome, res.Error = classify(err, navCtx)
		return res
	}

	if settings.ScreenshotsEnabled {
		shot, err := page.Screenshot(false, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", w.URL).Msg("screenshot failed")
		} else {
			res.Screenshot = shot
		}
	}

	res.Outcome = domain.OutcomeSuccess
	return res
}

// settleDuration draws a uniform wait within the settle window.
func settleDuration() time.Duration {
	return settleMin + rand.N(settleMax-settleMin)
}

// classify turns a failure into an outcome. A deadline hit anywhere in the
// visit is a timeout; everything else (DNS, TLS, refused connection,
// protocol errors) is an error with its message preserved.
func classify(err error, ctx context.Context) (domain.Outcome, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.OutcomeTimeout, "page took too long to load"
	}
	if err == nil {
		err = ctx.Err()
	}
	return domain.OutcomeError, err.Error()
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
