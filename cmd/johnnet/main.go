package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/prophantom/johnnet/internal/agent"
	"github.com/prophantom/johnnet/internal/analytics"
	"github.com/prophantom/johnnet/internal/api"
	"github.com/prophantom/johnnet/internal/backend"
	"github.com/prophantom/johnnet/internal/config"
	"github.com/prophantom/johnnet/internal/dispatch"
	"github.com/prophantom/johnnet/internal/events"
	"github.com/prophantom/johnnet/internal/graph"
	"github.com/prophantom/johnnet/internal/memory"
	"github.com/prophantom/johnnet/internal/metrics"
	pgstore "github.com/prophantom/johnnet/internal/store"
	"github.com/prophantom/johnnet/internal/vector"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting JohnNet...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/johnnet.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	if cfg.Server.LogLevel == "production" {
		logger.Sync()
		logger, _ = zap.NewProduction()
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize backend router
	router := backend.NewRouter(logger)
	for i, bc := range cfg.Backends {
		opts := backend.BackendOptions{
			ID: bc.ID, Name: bc.Name,
			Endpoint: bc.Endpoint, APIKey: bc.APIKey, Timeout: bc.Timeout,
		}
		switch bc.Type {
		case "ollama":
			router.Register(backend.NewOllamaBackend(opts, logger))
		case "openai":
			router.Register(backend.NewOpenAIBackend(opts, logger))
		case "anthropic":
			router.Register(backend.NewAnthropicBackend(opts, logger))
		default:
			logger.Warn("unknown backend type", zap.String("id", bc.ID), zap.String("type", bc.Type))
			continue
		}
		if i == 0 {
			router.SetDefault(bc.ID)
		}
	}

	// Agent profiles and per-type backend bindings
	profiles := agent.Profiles(cfg.Agents)
	for _, p := range profiles {
		if p.Backend != "" {
			router.Bind(p.Type, p.Backend)
		}
		if len(p.Fallbacks) > 0 {
			router.SetFallbacks(p.Type, p.Fallbacks)
		}
	}

	// Initialize memory store
	memOpts := memory.DefaultOptions()
	memOpts.TopK = cfg.Memory.TopK
	memOpts.LexicalWeight = cfg.Memory.LexicalWeight
	memOpts.RecencyWeight = cfg.Memory.RecencyWeight
	memOpts.RecencyHalfLife = cfg.Memory.RecencyHalfLife
	memOpts.ContextTokenBudget = cfg.Memory.ContextTokenBudget
	memOpts.ConsolidateWindow = cfg.Memory.ConsolidateWindow
	memOpts.ConsolidateThreshold = cfg.Memory.ConsolidateThreshold
	memOpts.DecayFactor = cfg.Memory.DecayFactor
	memOpts.DecayIdleWindow = cfg.Memory.DecayIdleWindow
	memOpts.ArchiveFloor = cfg.Memory.ArchiveFloor
	mem := memory.NewStore(memOpts, logger)

	agg := metrics.NewAggregator(metrics.Options{
		Alpha:      cfg.Metrics.DefaultAlpha,
		AlphaFor:   cfg.Metrics.Alphas,
		MinSamples: cfg.Metrics.MinSamples,
	}, logger)

	sessions := agent.NewRegistry(profiles, logger)

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			mem.SetPersister(ps)
			agg.SetSink(ps)
			sessions.SetSink(ps)

			recs, loadErr := ps.LoadSessions(context.Background())
			if loadErr != nil {
				logger.Warn("failed to load sessions from DB", zap.Error(loadErr))
			} else {
				sessions.Restore(recs)
				restored := 0
				for _, rec := range recs {
					items, itemErr := ps.LoadItems(context.Background(), rec.UserID, rec.AgentType, 0)
					if itemErr != nil {
						logger.Warn("failed to load memories from DB",
							zap.String("user", rec.UserID), zap.Error(itemErr))
						continue
					}
					restored += mem.Restore(items)
				}
				logger.Info("Restored state from DB",
					zap.Int("sessions", len(recs)), zap.Int("memories", restored))
			}
		}
	}

	// Initialize Neo4j association mirror
	var mirror *graph.Mirror
	if cfg.Database.Neo4j.URI != "" {
		m, gErr := graph.NewMirror(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without association mirror", zap.Error(gErr))
		} else if pingErr := m.Ping(context.Background()); pingErr != nil {
			logger.Warn("Neo4j unreachable, running without association mirror", zap.Error(pingErr))
			m.Close(context.Background())
		} else {
			mirror = m
			mem.SetGraphMirror(mirror)
			defer mirror.Close(context.Background())
		}
	}

	// Initialize semantic index (Qdrant + embeddings)
	if cfg.Database.Qdrant.Host != "" && cfg.Embedding.Endpoint != "" {
		q, qErr := vector.DialQdrant(vector.QdrantConfig{Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without semantic retrieval", zap.Error(qErr))
		} else {
			emb := vector.NewHTTPEmbedder(vector.EmbedderConfig{
				Endpoint:  cfg.Embedding.Endpoint,
				Model:     cfg.Embedding.Model,
				APIKey:    cfg.Embedding.APIKey,
				Dimension: cfg.Embedding.Dimension,
			})
			idx, iErr := vector.NewIndex(context.Background(), q, emb, "johnnet_memories")
			if iErr != nil {
				logger.Warn("semantic index setup failed", zap.Error(iErr))
				q.Close()
			} else {
				mem.SetSemanticIndex(idx)
				defer q.Close()
			}
		}
	}

	// Initialize event bus
	var bus *events.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := events.NewBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without event bus", zap.Error(busErr))
		} else {
			bus = b
			mem.OnConsolidation(func(report memory.ConsolidationReport) {
				payload, _ := json.Marshal(report)
				if pubErr := bus.Publish(context.Background(), &events.Event{
					ID:        uuid.New().String(),
					Type:      "consolidation",
					Payload:   string(payload),
					Timestamp: report.RanAt,
				}); pubErr != nil {
					logger.Warn("publish consolidation event failed", zap.Error(pubErr))
				}
			})
		}
	}

	// Agent runtimes
	runtimes := make(map[string]*agent.Runtime)
	for typ, p := range profiles {
		rt := agent.NewRuntime(p, mem, router, sessions, agg, cfg.Dispatcher.RequestTimeout, logger)
		if bus != nil {
			rt.SetBus(bus)
		}
		runtimes[typ] = rt
	}
	logger.Info("Agent runtimes ready", zap.Int("count", len(runtimes)))

	dispatcher := dispatch.NewDispatcher(cfg.Dispatcher, runtimes, logger)
	engine := analytics.NewEngine(analytics.Options{
		Interval: cfg.Analytics.Interval,
		Sigma:    cfg.Analytics.AnomalySigma,
	}, agg, mem, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	go engine.Run(ctx)

	// Periodic memory consolidation
	go func() {
		ticker := time.NewTicker(cfg.Memory.ConsolidateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := mem.Consolidate(ctx)
				logger.Info("consolidation pass",
					zap.Int("synthesized", report.Synthesized),
					zap.Int("consolidated", report.Consolidated),
					zap.Int("archived", report.Archived),
					zap.Int("rescheduled", report.Rescheduled))
			}
		}
	}()

	// Hourly housekeeping: idle sessions and baseline persistence
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sessions.ArchiveIdle(ctx, 30*24*time.Hour); n > 0 {
					logger.Info("archived idle sessions", zap.Int("count", n))
				}
				if pgStore != nil {
					for _, b := range agg.Baselines() {
						if err := pgStore.UpsertBaseline(ctx, b.Metric, b.AgentType, b.Mean, b.Variance, b.Samples); err != nil {
							logger.Warn("persist baseline failed", zap.String("metric", b.Metric), zap.Error(err))
						}
					}
				}
			}
		}
	}()

	// Build HTTP handler
	handler := api.NewHandler(dispatcher, sessions, profiles, router, engine, logger)
	handler.SetMemory(mem)
	if mirror != nil {
		handler.SetGraph(mirror)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("JohnNet listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down JohnNet...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}
