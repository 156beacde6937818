package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/askstream"
	"github.com/MegaGrindStone/askstream/internal/handlers"
	"github.com/MegaGrindStone/askstream/internal/logging"
	"github.com/MegaGrindStone/askstream/internal/services"
	"github.com/MegaGrindStone/askstream/internal/stream"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "askstream")

	cfgFlag := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfgPath, explicit := filepath.Join(appDir, "config.yaml"), false
	if *cfgFlag != "" {
		cfgPath, explicit = *cfgFlag, true
	}

	cfg, err := loadConfig(cfgPath, explicit, os.Getenv)
	if err != nil {
		log.Fatal(err)
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatal(err)
	}
	defer logCloser.Close()

	if cfg.DBPath == "" {
		if err := os.MkdirAll(appDir, 0755); err != nil {
			log.Fatal(fmt.Errorf("error creating config directory: %w", err))
		}
		cfg.DBPath = filepath.Join(appDir, "store.db")
	}
	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	upstream, err := services.NewUpstream(cfg.Upstream.URL, cfg.Upstream.StreamPath, cfg.Upstream.HeaderTimeout, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Validated by loadConfig.
	policy, _ := stream.ParseThoughtsPolicy(cfg.Thoughts)

	m, err := handlers.NewMain(upstream, boltDB, policy, logger)
	if err != nil {
		log.Fatal(err)
	}
	relay := handlers.NewRelay(upstream, cfg.Relay.MaxConcurrent, logger)

	router, err := newRouter(m, relay, cfg.CORSOrigins, logger)
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Open event streams never go idle; closing the chats lets Shutdown finish.
	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown chats", slog.String("err", err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("upstream", cfg.Upstream.URL+cfg.Upstream.StreamPath),
			slog.String("thoughts", policy.String()))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

func newRouter(m handlers.Main, relay handlers.Relay, corsOrigins []string, logger *slog.Logger) (*chi.Mux, error) {
	staticFS, err := fs.Sub(askstream.StaticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("error opening static files: %w", err)
	}

	r := chi.NewRouter()

	r.Use(handlers.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(handlers.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	r.Get("/healthz", m.HandleHealth)

	r.Get("/", m.HandleHome)
	r.Post("/chats", m.HandleChats)
	r.Get("/sse", m.HandleSSE)
	r.Post("/api/stream", relay.HandleStream)

	return r, nil
}
