package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/client"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/config"
)

var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "research",
		Short:         "Research questions and URLs on the web",
		Long:          `research asks a research server to read the web for a question or URL and streams back a cited markdown answer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("server", "", "Research server URL (default $RESEARCH_SERVER_URL or http://localhost:$RESEARCH_PORT)")

	root.AddCommand(newAskCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// newClient resolves the server URL from the flag or configuration.
func newClient(cmd *cobra.Command, opts ...client.Option) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	if strings.TrimSpace(server) == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		server = cfg.ServerURL
	}
	return client.New(server, opts...), nil
}
