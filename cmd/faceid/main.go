package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/faceid/internal/api"
	"github.com/your-org/faceid/internal/api/ws"
	"github.com/your-org/faceid/internal/capture"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/flow"
	"github.com/your-org/faceid/internal/lockout"
	"github.com/your-org/faceid/internal/match"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/queue"
	"github.com/your-org/faceid/internal/session"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/pkg/dto"
)

const (
	detectorModel = "det_10g.onnx"
	embedderModel = "w600k_r50.onnx"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting faceid service", "port", cfg.Server.Port, "backend", cfg.Match.Backend)

	// Connect to Postgres and migrate
	db, err := storage.NewStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(context.Background()); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to Redis for the lockout counters
	limiter, err := lockout.NewLimiter(cfg.Redis, cfg.Lockout)
	if err != nil {
		slog.Error("connect to redis", "error", err)
		os.Exit(1)
	}
	defer limiter.Close()

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStream(context.Background()); err != nil {
		slog.Warn("ensure nats stream", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Matching backend
	backend, modelStore, cleanup, err := buildBackend(ctx, cfg, db)
	if err != nil {
		slog.Error("init matching backend", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Broadcast flow events from the bus to WebSocket subscribers
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeAuthEvents(ctx, "api-auth-events", func(ctx context.Context, msg jetstream.Msg) error {
		var evt dto.AuthStateEvent
		if err := json.Unmarshal(msg.Data(), &evt); err != nil {
			return err
		}
		hub.BroadcastEvent(&dto.WSEvent{
			Type:      "auth_state",
			SessionID: evt.SessionID,
			Data:      evt,
		})
		return nil
	})
	if err != nil {
		slog.Warn("start auth event consumer", "error", err)
	}

	// Flow manager: camera, backend, store, bridge, lockout
	camera := capture.NewController(cfg.Camera)
	bridge := session.NewBridge(cfg.Session)

	notify := func(evt flow.Event) {
		pubCtx, pubCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pubCancel()
		if err := producer.PublishAuthEvent(pubCtx, evt.SessionID.String(), evt); err != nil {
			slog.Warn("publish flow event", "error", err)
		}
	}

	flows := flow.NewManager(camera, backend, db, bridge, limiter, flow.Config{
		RetryDelay:     cfg.Flow.RetryDelay,
		NetworkTimeout: cfg.Flow.NetworkTimeout,
		MaxAttempts:    cfg.Flow.MaxAttempts,
	}, notify)

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:   cfg.Server.APIKey,
		DB:       db,
		Models:   modelStore,
		Limiter:  limiter,
		Producer: producer,
		Flows:    flows,
		Backend:  backend,
		Hub:      hub,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("faceid server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down faceid server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("faceid server stopped")
}

// buildBackend constructs the configured matching backend. The local
// backend needs ONNX models on disk; missing ones are fetched from object
// storage when configured.
func buildBackend(ctx context.Context, cfg *config.Config, db *storage.Store) (match.Backend, *storage.ModelStore, func(), error) {
	switch cfg.Match.Backend {
	case "managed":
		managed, err := match.NewManaged(ctx, cfg.Match.Region, cfg.Match.CollectionID, cfg.Match.ManagedThreshold)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create managed backend: %w", err)
		}
		if err := managed.EnsureCollection(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("ensure collection: %w", err)
		}
		return managed, nil, func() {}, nil

	case "local":
		var modelStore *storage.ModelStore
		if cfg.Models.Endpoint != "" {
			ms, err := storage.NewModelStore(cfg.Models)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("create model store: %w", err)
			}
			if err := ms.EnsureModels(ctx, detectorModel, embedderModel); err != nil {
				return nil, nil, nil, fmt.Errorf("ensure models: %w", err)
			}
			modelStore = ms
		}

		ort.SetSharedLibraryPath(getONNXLibPath())
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, nil, nil, fmt.Errorf("init onnx runtime: %w", err)
		}

		local, err := match.NewLocal(cfg.Models.Dir, float32(cfg.Match.DetectionThreshold), cfg.Match.LocalThreshold, db)
		if err != nil {
			ort.DestroyEnvironment()
			return nil, nil, nil, fmt.Errorf("create local backend: %w", err)
		}

		cleanup := func() {
			local.Close()
			ort.DestroyEnvironment()
		}
		return local, modelStore, cleanup, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown match backend %q", cfg.Match.Backend)
	}
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
