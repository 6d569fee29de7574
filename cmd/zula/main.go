package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/zula-go/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals holds the persistent flags shared by every command
type globals struct {
	configFile string
	url        string
	service    string
}

// load reads the config file and applies flag overrides
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}
	if g.url != "" {
		cfg.Broker.URL = g.url
	}
	if g.service != "" {
		cfg.Service.Name = g.service
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "zula",
		Short: "Provision and inspect zula messaging topology",
		Long: `zula derives RabbitMQ exchanges, queues and bindings from message types
and keeps an inbox/outbox ledger per service. This tool provisions that
topology, prepares ledger schemas and checks service health.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.url, "url", "u", "", "Broker URL, overrides broker.url")
	rootCmd.PersistentFlags().StringVarP(&g.service, "service", "s", "", "Service name, overrides service.name")

	rootCmd.AddCommand(
		newNamesCmd(g),
		newProvisionCmd(g),
		newSchemaCmd(g),
		newHealthCmd(g),
		newLedgerCmd(g),
		newWatchCmd(g),
		newConfigCmd(g),
	)
	return rootCmd
}
