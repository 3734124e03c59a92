package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/presence/internal/adapters/embedder"
	"github.com/okian/presence/internal/adapters/http/api"
	"github.com/okian/presence/internal/adapters/media/mjpeg"
	"github.com/okian/presence/internal/adapters/repository"
	service "github.com/okian/presence/internal/app"
	"github.com/okian/presence/internal/config"
	"github.com/okian/presence/internal/domain/camera"
	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the camera and start recognising",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required to serve", config.ErrInvalidConfig)
	}
	log := logger.Get()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(context.Background(), "store close failed", logger.Error(err))
		}
	}()

	hub := api.NewHub()
	defer hub.Close()

	engine, err := newEngine(ctx, cfg, store)
	if err != nil {
		return err
	}
	svc := service.New(store, newPlatform(cfg), engine, serviceOptions(cfg, log, hub)...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer svc.Stop()

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	mux := http.NewServeMux()
	api.NewServer(svc, hub).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

func newPlatform(cfg *config.Config) *mjpeg.Platform {
	cams := make([]mjpeg.Camera, 0, len(cfg.Cameras))
	for _, c := range cfg.Cameras {
		cams = append(cams, mjpeg.Camera{
			ID:              c.ID,
			Label:           c.Label,
			URL:             c.URL,
			Path:            c.Device,
			ResolutionQuery: c.ResolutionQuery,
		})
	}
	return mjpeg.NewPlatform(cams)
}

// newEngine builds the configured engine. The simulated engine reports one
// face per roster identity so the pipeline can be exercised without an
// embedding service.
func newEngine(ctx context.Context, cfg *config.Config, roster repository.RosterSource) (inference.Engine, error) {
	if cfg.InferenceEngine != "simulated" {
		return embedder.New(cfg.InferenceURL,
			embedder.WithTimeout(cfg.InferenceTimeout()),
			embedder.WithMaxSide(cfg.UploadMaxSide),
		), nil
	}
	ids, err := roster.Roster(ctx, cfg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load roster for simulated engine: %w", err)
	}
	faces := make([]model.Detection, 0, len(ids))
	for i, id := range ids {
		if len(id.Embeddings) == 0 {
			continue
		}
		faces = append(faces, model.Detection{
			Box:       model.Box{X: float64(40 + 120*i), Y: 60, Width: 100, Height: 100},
			Score:     0.9,
			Embedding: id.Embeddings[0],
		})
	}
	logger.Get().Warn(ctx, "using simulated inference engine", logger.Int("faces", len(faces)))
	return inference.NewSimulatedEngine(inference.WithFaces(faces...), inference.WithJitter(0.01)), nil
}

func serviceOptions(cfg *config.Config, log logger.Logger, hub *api.Hub) []service.Option {
	return []service.Option{
		service.WithLogger(log.Named("service")),
		service.WithTenant(cfg.TenantID),
		service.WithCooldown(cfg.Cooldown()),
		service.WithMatchThreshold(cfg.MatchThreshold),
		service.WithIndexMinEmbeddings(cfg.IndexMinEmbeddings),
		service.WithDetection(cfg.DetectionInterval(), cfg.GracePeriod(),
			inference.Options{InputSize: cfg.InputSize, ScoreThreshold: cfg.ScoreThreshold},
			inference.Options{InputSize: cfg.RelaxedInputSize, ScoreThreshold: cfg.RelaxedScoreThreshold},
		),
		service.WithRefreshRate(cfg.RefreshHz),
		service.WithHealth(cfg.HealthPoll(), cfg.StallThreshold()),
		service.WithRetryPolicy(cfg.RetryAttempts, cfg.RetryInitialDelay(), cfg.RetryMaxDelay()),
		service.WithCameraOptions(cameraOptions(cfg)...),
		service.WithRecentSize(cfg.RecentMatchesSize),
		service.WithStatusQueueSize(cfg.StatusQueueSize),
		service.WithDedupeSize(cfg.DedupeSize),
		service.WithHotplug(cfg.Hotplug),
		service.WithStatusSinks(hub),
		service.WithBatchHandler(hub.PublishBatch),
	}
}

func cameraOptions(cfg *config.Config) []camera.Option {
	return []camera.Option{
		camera.WithPreferredFacing(cfg.PreferredFacing),
		camera.WithResolution(cfg.TargetWidth, cfg.TargetHeight),
		camera.WithWarmup(cfg.WarmupFrames, cfg.WarmupTimeout()),
	}
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the service gauges. GetStats updates
// them as a side effect.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = svc.GetStats()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
