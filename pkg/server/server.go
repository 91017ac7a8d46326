// Package server wires the RelayDesk components into a ready HTTP server.
//
// Usage:
//
//	cfg, _ := config.Load()
//	srv, err := server.New(ctx, cfg)
//	go srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	srv.Shutdown(shutdownCtx)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/relaydesk/relaydesk/internal/api"
	"github.com/relaydesk/relaydesk/internal/api/handlers"
	"github.com/relaydesk/relaydesk/internal/behavior"
	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/internal/llm/gemini"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/internal/persona"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/relay"
	"github.com/relaydesk/relaydesk/internal/retention"
	"github.com/relaydesk/relaydesk/internal/sessions"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized RelayDesk components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store selected by config.
	Store store.Store

	// Relay runs the background half of webhook deliveries.
	Relay *relay.Relay

	// Locker serializes conversation updates per (owner, chat).
	Locker *sessions.KeyLocker

	// Janitor enforces audit retention.
	Janitor *retention.Janitor

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes every component from cfg and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	keys := keypool.NewManager(dataStore)
	personas := persona.NewResolver(dataStore)
	provider := gemini.New(gemini.Config{
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
	})
	locker := sessions.NewKeyLocker()
	engine := completion.New(keys, personas, dataStore, provider, completion.Config{
		Locker:          locker,
		Model:           cfg.LLM.Model,
		HistoryWindow:   cfg.LLM.HistoryWindow,
		MemoryLimit:     cfg.LLM.MemoryLimit,
		ProviderTimeout: cfg.LLM.ProviderTimeout,
	})
	log.Info().Str("model", cfg.LLM.Model).Msg("Completion engine initialized")

	httpClient := &http.Client{Timeout: cfg.Platforms.HTTPTimeout}
	fetcher := media.NewFetcher(httpClient, cfg.Media.MaxDownloadBytes, cfg.Media.DownloadTimeout)
	registry := platform.NewRegistry(platform.Options{
		GraphBaseURL:    cfg.Platforms.GraphBaseURL,
		GraphAPIVersion: cfg.Platforms.GraphAPIVersion,
		TelegramBaseURL: cfg.Platforms.TelegramBaseURL,
		HTTPClient:      httpClient,
		UserAgents:      platform.NewUserAgents(cfg.Platforms.UserAgents),
		Fetcher:         fetcher,
	})

	rl := relay.New(registry, engine, dataStore,
		behavior.New(cfg.Behavior),
		media.NewTranscoder(cfg.Media.FFmpegPath))

	janitor := retention.NewJanitor(dataStore, cfg.Retention.AuditTTL, cfg.Retention.Schedule)
	if cfg.Retention.ArchiveDir != "" {
		janitor.SetArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.ArchiveCompress))
	}

	h := handlers.New(dataStore, keys, personas, engine, rl, registry)
	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        dataStore,
		Relay:        rl,
		Locker:       locker,
		Janitor:      janitor,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.SQLitePath()
		if cfg.Store.SQLitePath == "" {
			if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		s := store.NewMemoryStore(cfg.Store.DataDir)
		log.Info().Str("data_dir", cfg.Store.DataDir).Msg("In-memory store initialized")
		return s, nil
	}
}

// Start runs the background services until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if err := s.Janitor.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Retention janitor failed to start")
	}
}

// Shutdown waits for in-flight message tasks, then releases the store and
// flushes telemetry. The HTTP server must already be stopped.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Relay.Wait(ctx); err != nil {
		log.Warn().Err(err).Int("held_locks", s.Locker.Len()).Msg("Shutdown deadline reached with message tasks in flight")
	}
	// Stragglers past the deadline fail to lock instead of writing to a
	// closed store.
	s.Locker.Close()
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
	return s.ShutdownFunc(ctx)
}
