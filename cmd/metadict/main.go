// Entry point for the metadata dictionary service: config + env, slog JSON
// logging, sqlite store, shared caches with sweepers, the processing
// coordinator, and the chi HTTP surface.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "modernc.org/sqlite"

	metadict "github.com/Mafende-III/metadata-dictionary-sub002"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/cache"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/creds"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/dhis"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/export"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/processor"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/store"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/web"
)

func main() {
	cfg, err := metadict.LoadConfigFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Env overrides for the deploy-time knobs.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Credentials keeper. Refusing to start without a secret beats storing
	// instance passwords recoverably.
	keeper, err := creds.NewKeeper(os.Getenv("CREDS_SECRET"))
	if err != nil {
		slog.Error("CREDS_SECRET is required", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Store.
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		slog.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.ApplySchema(db); err != nil {
		slog.Error("apply schema", "error", err)
		os.Exit(1)
	}
	st := store.NewStore(db)

	// Shared caches: query results and analytics/metadata lookups.
	queryCache := cache.New[*dhis.Result](cfg.Cache.QueryMaxEntries, cfg.Cache.QueryMaxBytes, logger)
	metaCache := cache.New[*dhis.Result](cfg.Cache.MetadataMaxEntries, cfg.Cache.MetadataMaxBytes, logger)
	go queryCache.StartSweeper(ctx, cfg.Cache.SweepInterval, cfg.Cache.MaxAge)
	go metaCache.StartSweeper(ctx, cfg.Cache.SweepInterval, cfg.Cache.MaxAge)

	// Remote access.
	client := dhis.NewClient(dhis.Config{
		Timeout:   cfg.Remote.Timeout,
		MaxBytes:  cfg.Remote.MaxBytes,
		UserAgent: cfg.Remote.UserAgent,
	})
	exec := dhis.NewExecutor(client, queryCache, dhis.ExecConfig{
		PageSize:    cfg.Remote.PageSize,
		MaxPages:    cfg.Remote.MaxPages,
		PreviewRows: cfg.Remote.PreviewRows,
	}, logger)

	// Resolver: stored instance row + unsealed credentials → handle.
	resolve := func(ctx context.Context, instanceID string) (*dhis.Instance, error) {
		inst, err := st.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		user, pass, err := keeper.Open(inst.SealedCreds)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dhis.ErrNoCredentials, err)
		}
		return &dhis.Instance{
			ID:         inst.ID,
			Name:       inst.Name,
			BaseURL:    inst.BaseURL,
			AuthHeader: dhis.BasicAuth(user, pass),
		}, nil
	}

	registry := processor.NewRegistry()
	coord := processor.New(st, exec, resolve, registry,
		processor.Config{MaxErrorMessages: cfg.Jobs.MaxErrorMessages}, logger)
	agg := export.New(st, client, metaCache, export.InstanceResolver(resolve),
		export.Config{AllowSampleData: cfg.Export.AllowSampleData}, logger)

	// HTTP.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	svc := web.New(st, coord, registry, exec, agg, keeper, resolve,
		map[string]*cache.Cache[*dhis.Result]{"query": queryCache, "metadata": metaCache}, logger)
	svc.RegisterHTTP(r)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "listen", cfg.Listen, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down", "active_jobs", len(coord.ListActive()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}
