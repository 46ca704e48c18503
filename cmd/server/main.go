package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/opos-prep/backend/internal/buffer"
	"github.com/opos-prep/backend/internal/cache"
	"github.com/opos-prep/backend/internal/chunks"
	"github.com/opos-prep/backend/internal/config"
	"github.com/opos-prep/backend/internal/content"
	"github.com/opos-prep/backend/internal/database"
	"github.com/opos-prep/backend/internal/generator"
	"github.com/opos-prep/backend/internal/jobs"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/middleware"
	"github.com/opos-prep/backend/internal/questions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger depends on configuration; fall back to a default one.
		boot, _ := logger.New("development")
		boot.Fatal("invalid configuration", "error", err)
	}

	log, err := logger.New(cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := database.Migrate(db, cfg.Database.Driver); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}

	// Source material
	catalog, err := content.LoadCatalog(cfg.Content.TopicsFile)
	if err != nil {
		log.Fatal("failed to load topic catalog", "error", err)
	}
	docs := content.NewDocCache(cfg.Content.DocCacheTTL, cfg.Content.DocSweep)
	docs.Start()
	defer docs.Stop()
	library := content.NewLibrary(catalog, cfg.Content.DocumentsDir, cfg.Content.ChunkSize, docs, log)
	for _, st := range library.Status() {
		if !st.Available {
			log.Warn("topic has no readable document", "topic", st.ID, "files", st.Files)
		}
	}

	// Background job registry
	var registry jobs.Registry
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		}
		defer rdb.Close()
		registry = jobs.NewRedisRegistry(rdb, cfg.Supply.JobTTL, log)
		log.Info("job registry: redis", "addr", cfg.Redis.Addr)
	} else {
		mem := jobs.NewMemoryRegistry(cfg.Supply.JobTTL)
		mem.Start(time.Minute)
		defer mem.Stop()
		registry = mem
		log.Info("job registry: in-memory")
	}

	// Supply engine
	usage := chunks.NewStore(db)
	gen := generator.New(cfg.Generator, nil, log)
	log.Info("generator ready", "model", gen.ModelName())

	service := questions.NewService(questions.Deps{
		Cache: cache.NewStore(db, cache.Options{
			Cap:            cfg.Supply.CacheCap,
			EvictBatch:     cfg.Supply.EvictBatch,
			NoRepeatWindow: cfg.Supply.NoRepeatWindow,
		}, log),
		Ledger:    cache.NewLedger(db),
		Buffer:    buffer.NewStore(db, buffer.Options{Cap: cfg.Supply.BufferCap, TTL: cfg.Supply.BufferTTL}, log),
		Selector:  chunks.NewSelector(usage, rand.New(rand.NewSource(time.Now().UnixNano()))),
		Usage:     usage,
		Library:   library,
		Generator: gen,
		Jobs:      registry,
	}, cfg, log)
	defer service.Close()

	go service.StartMaintenanceWorker(ctx)

	// Setup router
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	questions.NewHandler(service, log).Register(api,
		middleware.Auth([]byte(cfg.Server.JWTSecret)),
		middleware.AdminKey(cfg.Server.AdminKeyHash))

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	if cfg.Server.IssueDevToken() {
		if token, err := middleware.IssueToken([]byte(cfg.Server.JWTSecret), 1, 24*time.Hour); err == nil {
			fmt.Fprintf(os.Stderr, "development token for user 1: %s\n", token)
		}
	}

	// CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.AdminKeyHeader},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
