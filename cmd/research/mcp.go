package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/app"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/logging"
	researchmcp "github.com/Keyring-Network/keyring-gavryn/research-plane/internal/mcp"
)

var (
	newLogger   = logging.New
	newPipeline = app.NewPipeline
	newRegistry = app.NewRegistry
	serveMCP    = func(s *researchmcp.Server) error {
		return s.ServeStdio()
	}
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the research pipeline as a Model Context Protocol server",
		Long: `Starts an MCP server on standard input and output. The research pipeline
runs in this process with the same configuration as the research server, so
agents can call the research tool without a running server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries JSON-RPC
			log.SetOutput(os.Stderr)
			logger, err := newLogger(cfg.LogLevel, cfg.LogJSON)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			pipeline, closePipeline, err := newPipeline(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = closePipeline() }()
			registry, closeRegistry, _, err := newRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeRegistry() }()

			srv := researchmcp.NewServer(pipeline, version,
				researchmcp.WithRegistry(registry),
				researchmcp.WithTimeout(cfg.RequestTimeout),
				researchmcp.WithLogger(logger),
			)
			logger.Info("starting research MCP server (stdio)", zap.String("version", version))
			return serveMCP(srv)
		},
	}
}
