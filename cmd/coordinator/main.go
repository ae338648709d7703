package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rvexec/internal/adapters/programs"
	"rvexec/internal/adapters/results"
	"rvexec/internal/adapters/source"
	"rvexec/internal/adapters/verify"
	"rvexec/internal/config"
	"rvexec/internal/coordinator"
	"rvexec/internal/logging"
)

// main 将配置 Config、适配器 Adapter 与协调器 Coordinator 事件循环串联起来。
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(envOr("RVEXEC_CONFIG", "rvexec.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("coordinator stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run 按配置组装任务源、程序仓库、执行器、校验器与结果账本，并阻塞直到 ctx 取消。
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ccfg := coordinator.Config{
		Namespace:       cfg.Kube.Namespace,
		ExecutorImage:   cfg.Kube.ExecutorImage,
		JobTemplate:     cfg.Kube.JobTemplate,
		Workers:         cfg.Workers,
		PollInterval:    config.Duration(cfg.Kube.PollInterval, 3*time.Second),
		MaxInstructions: cfg.Emulator.MaxInstructions,
		MemorySize:      cfg.Emulator.MemorySize,
		Log:             coordinator.NewLogger(logger, "coordinator"),
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	var src coordinator.TaskSource
	switch cfg.Source.Kind {
	case config.SourceDir:
		dir := source.NewDirSource(cfg.Source.SpoolDir, config.Duration(cfg.Source.Debounce, 500*time.Millisecond), coordinator.NewLogger(logger, "spool"))
		// spool programs first, then the configured store for references
		store = programs.Chain{programs.NewLocalStore(dir.Dir(), coordinator.NewLogger(logger, "spool")), store}
		src = dir
		logger.Info("using spool directory", zap.String("dir", cfg.Source.SpoolDir))
	default:
		src = source.NewPlaceholderSource(coordinator.NewLogger(logger, "source"))
		logger.Info("using placeholder task source")
	}

	if cfg.Verify.Enabled {
		ccfg.Verifier = verify.NewReferenceVerifier(
			cfg.Verify.CallBudget,
			config.Duration(cfg.Verify.Timeout, 30*time.Second),
			coordinator.NewLogger(logger, "verify"),
		)
	}

	if cfg.Results.DatabasePath != "" {
		ledger, err := results.Open(cfg.Results.DatabasePath)
		if err != nil {
			return fmt.Errorf("results ledger: %w", err)
		}
		defer ledger.Close()
		ccfg.Sink = ledger
		logger.Info("recording results", zap.String("db", cfg.Results.DatabasePath))
	}

	var exec coordinator.Runner
	switch cfg.Runner {
	case config.RunnerKube:
		kube, err := coordinator.NewKubeManager(ccfg)
		if err != nil {
			return fmt.Errorf("kube manager: %w", err)
		}
		exec = kube
		logger.Info("running tasks as kubernetes jobs", zap.String("namespace", ccfg.Namespace))
	default:
		exec = &coordinator.LocalRunner{
			MaxInstructions: cfg.Emulator.MaxInstructions,
			MemorySize:      cfg.Emulator.MemorySize,
			Logger:          logger.Named("emulator").Sugar(),
		}
		logger.Info("running tasks in process", zap.Int("workers", cfg.Workers))
	}

	service, err := coordinator.NewCoordinator(ccfg, src, store, exec)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func buildStore(cfg *config.Config, logger *zap.Logger) (coordinator.ProgramStore, error) {
	log := coordinator.NewLogger(logger, "programs")
	switch cfg.Programs.Kind {
	case config.StoreGateway:
		g, err := programs.NewGatewayStore(cfg.Programs.Gateway, log)
		if err != nil {
			return nil, fmt.Errorf("gateway store: %w", err)
		}
		logger.Info("using program gateway", zap.String("url", cfg.Programs.Gateway))
		return g, nil
	case config.StoreDir:
		logger.Info("using program directory", zap.String("dir", cfg.Programs.Dir))
		// the embedded reference module stays reachable
		return programs.Chain{programs.NewLocalStore(cfg.Programs.Dir, log), programs.FixtureStore{}}, nil
	default:
		return programs.FixtureStore{}, nil
	}
}

// envOr 读取环境变量，当变量不存在时返回默认值。
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
