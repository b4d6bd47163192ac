package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/foxy1402/keep-me-alive/internal/api"
	"github.com/foxy1402/keep-me-alive/internal/config"
	"github.com/foxy1402/keep-me-alive/internal/domain"
	"github.com/foxy1402/keep-me-alive/internal/scheduler"
	"github.com/foxy1402/keep-me-alive/internal/state"
	"github.com/foxy1402/keep-me-alive/internal/store"
	"github.com/foxy1402/keep-me-alive/internal/syncer"
	"github.com/foxy1402/keep-me-alive/internal/visitor"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP bind address")
		storeBackend = flag.String("store", config.StoreGist, "document store backend: gist or local")
		dbPath       = flag.String("db", "keepalive.db", "SQLite path for the local store")
		poll         = flag.Duration("poll", scheduler.DefaultPollInterval, "scheduler poll interval")
		refreshEvery = flag.Duration("refresh", 10*time.Minute, "remote refresh interval")
		flushEvery   = flag.Duration("flush", time.Minute, "dirty-state flush interval")
		bootstrap    = flag.Bool("bootstrap", false, "create a new gist seeded with the default document and exit")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if *bootstrap {
		token, err := config.LoadBootstrap()
		if err != nil {
			log.Fatal().Err(err).Msg("bootstrap")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		id, err := store.NewGistStore(ctx, token, "").Create(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("create gist")
		}
		fmt.Printf("created gist %s\nset GIST_ID=%s and restart without -bootstrap\n", id, id)
		return
	}

	cfg, err := config.Load(*storeBackend)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, *storeBackend, *dbPath, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	doc, version, err := loadInitial(ctx, st, cfg.HistoryMax)
	if err != nil {
		log.Fatal().Err(err).Msg("load document")
	}
	log.Info().
		Int("websites", len(doc.Websites)).
		Int("history", len(doc.VisitHistory)).
		Str("version", string(version)).
		Msg("document loaded")

	cache := state.NewCache(doc, version)
	coord := syncer.New(st, cache)

	browser := visitor.NewBrowser()
	defer browser.Close()

	sched := scheduler.NewService(cache, coord, browser, *poll)
	go sched.Start(ctx)

	// Background maintenance: pull remote edits made by other frontends,
	// and retry any dirty state a failed sync left behind.
	maint := cron.New()
	_, _ = maint.AddFunc(fmt.Sprintf("@every %s", *refreshEvery), func() {
		if err := coord.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("periodic refresh failed")
		}
	})
	_, _ = maint.AddFunc(fmt.Sprintf("@every %s", *flushEvery), func() {
		if err := coord.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("periodic flush failed")
		}
	})
	maint.Start()
	defer maint.Stop()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(cache, coord, sched, cfg.AdminPassword)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	sched.Stop()
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	// Best-effort final flush so restarts lose nothing that could be saved.
	if cache.Dirty() {
		if err := coord.Flush(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("final flush failed, remote copy is behind")
		}
	}
}

func openStore(ctx context.Context, backend, dbPath string, cfg config.Config) (store.Store, func(), error) {
	switch backend {
	case config.StoreLocal:
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", dbPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := store.EnsureSchema(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.NewSQLiteStore(db), func() { db.Close() }, nil
	case config.StoreGist:
		return store.NewGistStore(ctx, cfg.GistToken, cfg.GistID), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// loadInitial fetches the document at boot. An unreachable store is retried
// briefly; an auth failure or unparseable document is fatal here, since
// there is no previous in-memory state to fall back on.
func loadInitial(ctx context.Context, st store.Store, historyMax int) (domain.Document, store.Version, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		doc, version, err := st.Load(ctx)
		if err == nil {
			doc.HistoryMax = historyMax
			return doc, version, nil
		}
		if !errors.Is(err, store.ErrUnreachable) {
			return domain.Document{}, "", err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("store unreachable at boot")
		select {
		case <-ctx.Done():
			return domain.Document{}, "", ctx.Err()
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	return domain.Document{}, "", lastErr
}
