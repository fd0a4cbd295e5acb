package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stv/longvideo/internal/api"
	"stv/longvideo/internal/auth"
	"stv/longvideo/internal/config"
	"stv/longvideo/internal/credential"
	"stv/longvideo/internal/events"
	"stv/longvideo/internal/merge"
	"stv/longvideo/internal/provider"
	"stv/longvideo/internal/ratelimit"
	"stv/longvideo/internal/repair"
	"stv/longvideo/internal/segment"
	"stv/longvideo/internal/store"
	"stv/longvideo/internal/task"
	"stv/longvideo/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a bearer token for this owner id and exit")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)

	authSvc := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if *issueToken != "" {
		tok, err := authSvc.IssueToken(*issueToken)
		if err != nil {
			logger.Error("issue token failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(tok.AccessToken)
		return
	}

	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		logger.Error("load providers failed", "path", cfg.ProvidersFile, "error", err)
		os.Exit(1)
	}
	registry := provider.NewRegistry()
	for _, p := range providers.Providers {
		if p.Kind == "mock" {
			registry.Register(p.Name, provider.NewMockAdapter(p.Name, provider.MockOptions{FailureRate: p.FailureRate}))
			continue
		}
		registry.Register(p.Name, provider.NewHTTPAdapter(p.Endpoint, p.Timeout))
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("open store failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	pool := credential.NewPool(providers.ModelCredentials(), credential.Options{
		MaxInFlight:  cfg.CredentialMaxInFlight,
		WaitTimeout:  cfg.CredentialWaitTimeout,
		BaseCooldown: cfg.CooldownBase,
		MaxCooldown:  cfg.CooldownMax,
	})
	gen := segment.NewGenerator(
		pool,
		ratelimit.NewLimiter(cfg.ProviderMaxConcurrency, providers.Concurrency()),
		repair.NewClassifier(cfg.UnavailableThreshold, cfg.UnavailableWindow),
		registry, st, logger,
		segment.Options{
			MaxAttempts: cfg.MaxSegmentAttempts,
			Backoff:     ratelimit.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, Jitter: 0.2},
			Defaults: map[provider.Capability]string{
				provider.CapabilityScript: cfg.DefaultLLMProvider,
				provider.CapabilityImage:  cfg.DefaultImageProvider,
				provider.CapabilityVideo:  cfg.DefaultVideoProvider,
				provider.CapabilityAudio:  cfg.DefaultTTSProvider,
			},
			Fallbacks: fallbacks(cfg),
		})

	local, err := merge.NewFFmpegCompositor(merge.FFmpegOptions{
		Bin:              cfg.FFBin,
		ProbeBin:         cfg.FFProbeBin,
		Timeout:          cfg.FFTimeout,
		ExtraArgs:        cfg.FFExtraArgs,
		OutputDir:        cfg.OutputDir,
		BaseURL:          cfg.BaseURL,
		MaxInputSize:     cfg.MaxInputSize,
		ThrottleCPU:      cfg.ThrottleCPU,
		ThrottleFreeMem:  cfg.ThrottleFreeMem,
		ThrottleFreeDisk: cfg.ThrottleFreeDisk,
	}, logger)
	if err != nil {
		logger.Error("init ffmpeg compositor failed", "error", err)
		os.Exit(1)
	}
	var remote merge.Compositor
	if cfg.RemoteCompositorURL != "" {
		remote = merge.NewRemoteCompositor(cfg.RemoteCompositorURL)
	}
	pipeline := merge.NewPipeline(local, remote, logger)

	hub := events.NewHub()
	tasks := task.NewService(st, hub, gen, pipeline, logger, task.Options{
		BatchSize:          cfg.BatchSize,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		FailedTaskRatio:    cfg.FailedTaskRatio,
		AutoMerge:          cfg.AutoMerge,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := tasks.Resume(ctx); err != nil {
		logger.Error("resume tasks failed", "error", err)
	} else if n > 0 {
		logger.Info("tasks_resumed", "count", n)
	}

	var apiAuth *auth.Service
	if cfg.AuthEnable {
		apiAuth = authSvc
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(apiAuth, tasks, pool, hub, local.OutputDir(), logger).Router(),
	}

	go func() {
		logger.Info("server_start",
			"addr", cfg.Addr,
			"store", cfg.StoreDriver,
			"auth", cfg.AuthEnable,
			"providers", registry.Names(),
			"max_concurrent_tasks", cfg.MaxConcurrentTasks,
			"batch_size", cfg.BatchSize,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("server_shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "", "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "mysql":
		st, err := store.NewSQLStore(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func fallbacks(cfg *config.Config) map[provider.Capability]string {
	out := map[provider.Capability]string{}
	if cfg.FallbackImageProvider != "" {
		out[provider.CapabilityImage] = cfg.FallbackImageProvider
	}
	if cfg.FallbackVideoProvider != "" {
		out[provider.CapabilityVideo] = cfg.FallbackVideoProvider
	}
	if cfg.FallbackTTSProvider != "" {
		out[provider.CapabilityAudio] = cfg.FallbackTTSProvider
	}
	return out
}
