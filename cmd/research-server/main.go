package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/api"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/app"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig         = config.Load
	newLogger          = logging.New
	newStore           = app.NewStore
	newRegistry        = app.NewRegistry
	newPipeline        = app.NewPipeline
	newBroker          = events.NewBroker
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newServer          = func(deps api.Deps, cfg config.Config) server {
		return api.NewServer(deps, cfg)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	probes := map[string]api.Probe{}
	st, closeStore, pingStore, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "store", closeStore)
	if pingStore != nil {
		probes["postgres"] = pingStore
	}

	registry, closeRegistry, pingRedis, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "redis", closeRegistry)
	if pingRedis != nil {
		probes["redis"] = pingRedis
	}

	m := metrics.New()
	pipeline, closePipeline, err := newPipeline(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "reader", closePipeline)

	deps := api.Deps{
		Researcher: pipeline,
		Registry:   registry,
		Store:      st,
		Recorder:   events.NewRecorder(st, newBroker(), logger),
		Metrics:    m,
		Probes:     probes,
		Logger:     logger,
	}

	if strings.TrimSpace(cfg.TemporalAddress) != "" {
		workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			return err
		}
		if workflowClient != nil {
			defer workflowClient.Close()
		}
		if service := newWorkflowService(workflowClient, cfg.TemporalTaskQueue); service != nil {
			deps.Jobs = service
		}
	} else {
		logger.Info("TEMPORAL_ADDRESS not set, background jobs disabled")
	}

	srv := newServer(deps, cfg)
	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info("research server listening", zap.String("addr", addr))
	if err := srv.Start(ctx, addr); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func closeQuietly(logger *zap.Logger, name string, closeFn func() error) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		logger.Warn("close failed", zap.String("resource", name), zap.Error(err))
	}
}
