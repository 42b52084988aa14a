package main

import (
	"context"
	"errors"
	"log"
	"strings"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/app"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/workflows"
)

// jobWorker is the part of worker.Worker this binary uses.
type jobWorker interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
	Run(interruptCh <-chan interface{}) error
}

var (
	loadConfig   = config.Load
	newLogger    = logging.New
	newStore     = app.NewStore
	newPipeline  = app.NewPipeline
	dialTemporal = client.Dial
	newWorker    = func(c client.Client, taskQueue string, options worker.Options) jobWorker {
		return worker.New(c, taskQueue, options)
	}
	workerInterrupt = worker.InterruptCh
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
	if strings.TrimSpace(cfg.PostgresURL) == "" {
		return errors.New("POSTGRES_URL is required: jobs must be visible to the research server")
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, closeStore, _, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	pipeline, closePipeline, err := newPipeline(context.Background(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closePipeline() }()

	recorder := events.NewRecorder(st, nil, logger)
	activities := workflows.NewResearchActivities(st, pipeline, recorder, cfg.RequestTimeout, logger)

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ResearchWorkflow)
	w.RegisterActivity(activities)

	logger.Info("research worker started", zap.String("task_queue", cfg.TemporalTaskQueue))
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}

	return nil
}
