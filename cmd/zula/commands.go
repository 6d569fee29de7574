package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	zula "github.com/glimte/zula-go"
	"github.com/glimte/zula-go/config"
	"github.com/glimte/zula-go/health"
	"github.com/glimte/zula-go/internal/ledgerstore"
	"github.com/glimte/zula-go/ledger"
	"github.com/glimte/zula-go/messaging"
	"github.com/spf13/cobra"
)

func newNamesCmd(g *globals) *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "names <message-type>...",
		Short: "Print the exchange, queue and routing key for message types",
		Long:  "Print the names derived for the configured service without contacting the broker.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			tm := messaging.NewTopologyManager(nil, cfg.Topology())
			printNames(cmd.OutOrStdout(), tm, cfg.Service.Name, action, args)
			return nil
		},
	}
	cmd.Flags().StringVarP(&action, "action", "a", "", "Routing action (default \"process\")")
	return cmd
}

func newProvisionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "provision [message-type...]",
		Short: "Declare exchanges, queues and bindings for this service",
		Long:  "Declare topology for provision.message_types from the config plus any types given as arguments.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cfg.Provision.MessageTypes = append(cfg.Provision.MessageTypes, args...)
			if len(cfg.Provision.MessageTypes) == 0 {
				return errors.New("no message types to provision")
			}
			// Provisioning is the point of this command.
			cfg.Queue.AutoCreate = true

			client, err := zula.NewClientFromConfig(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to provision: %w", err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			for _, queue := range client.Topology().DeclaredQueues() {
				fmt.Fprintf(out, "queue     %s\n", queue)
			}
			for _, exchange := range client.Topology().DeclaredExchanges() {
				fmt.Fprintf(out, "exchange  %s\n", exchange)
			}
			return nil
		},
	}
}

func newSchemaCmd(g *globals) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create the ledger schema and tables for this service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if printOnly {
				schema := cfg.Ledger.Schema
				if schema == "" {
					schema = ledger.SchemaName(cfg.Service.Name)
				}
				fmt.Fprintln(out, schema)
				return nil
			}

			cfg.Ledger.AutoCreateSchema = true
			recorder, closeFn, err := openRecorder(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(out, "schema %s ready (%s, %s)\n", recorder.Schema(), ledger.OutboxTable, ledger.InboxTable)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Only print the schema name")
	return cmd
}

func newHealthCmd(g *globals) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker, provisioned queues and ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			// Inspect existing queues rather than creating them.
			types := cfg.Provision.MessageTypes
			cfg.Provision.MessageTypes = nil

			client, err := zula.NewClientFromConfig(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			registry := buildHealthRegistry(client, types)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result := registry.Check(ctx)
			printHealth(cmd.OutOrStdout(), result)
			if result.Status == health.StatusUnhealthy {
				return errors.New("service is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall check timeout")
	return cmd
}

func newLedgerCmd(g *globals) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the inbox/outbox ledger",
	}

	var limit int
	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "List the most recent outbox rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			recorder, closeFn, err := openRecorder(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			rows, err := recorder.RecentOutbox(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to read outbox: %w", err)
			}
			printOutbox(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	outboxCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows, 0 for all")

	inboxCmd := &cobra.Command{
		Use:   "inbox <message-id>",
		Short: "Show the inbox rows of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			recorder, closeFn, err := openRecorder(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			rows, err := recorder.FindInbox(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to read inbox: %w", err)
			}
			printInbox(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	ledgerCmd.AddCommand(outboxCmd, inboxCmd)
	return ledgerCmd
}

func newConfigCmd(g *globals) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	initCmd := &cobra.Command{
		Use:   "init <file>",
		Short: "Write a configuration file with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if g.service != "" {
				cfg.Service.Name = g.service
			}
			if g.url != "" {
				cfg.Broker.URL = g.url
			}
			if err := cfg.Save(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}

	configCmd.AddCommand(initCmd)
	return configCmd
}

func openRecorder(ctx context.Context, cfg *config.Config) (*ledger.Recorder, func(), error) {
	handle, err := ledgerstore.Open(ctx, cfg.Ledger, cfg.Service.Name, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	recorder, err := handle.Recorder()
	if err != nil {
		_ = handle.Close()
		return nil, nil, err
	}
	return recorder, func() { _ = handle.Close() }, nil
}

func buildHealthRegistry(client *zula.Client, messageTypes []string) *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("service", client.ServiceName())

	if conn, ok := client.Broker().(health.ConnectionReporter); ok {
		registry.Register(health.NewBrokerChecker(conn))
	}
	if inspector, ok := client.Broker().(health.QueueInspector); ok {
		for _, messageType := range messageTypes {
			queue := client.Topology().QueueName(client.ServiceName(), messageType)
			registry.Register(health.NewQueueChecker(queue, inspector, 0))
		}
	}
	if rec, ok := client.Ledger().(*ledger.Recorder); ok {
		registry.Register(health.NewLedgerChecker(rec, rec.Schema()))
	}
	return registry
}

// Output formatting functions

func printNames(w io.Writer, tm *messaging.TopologyManager, service, action string, messageTypes []string) {
	fmt.Fprintf(w, "%-24s %-32s %-40s %-30s\n", "Type", "Exchange", "Queue", "Routing Key")
	fmt.Fprintln(w, strings.Repeat("-", 128))
	for _, messageType := range messageTypes {
		messageType = strings.ToLower(strings.TrimSpace(messageType))
		fmt.Fprintf(w, "%-24s %-32s %-40s %-30s\n",
			truncate(messageType, 24),
			truncate(tm.ExchangeName(messageType), 32),
			truncate(tm.QueueName(service, messageType), 40),
			messaging.RoutingKey(messageType, action),
		)
	}
}

func printHealth(w io.Writer, result health.OverallHealth) {
	fmt.Fprintf(w, "System Health: %s (%s)\n", result.Status, result.Duration.Truncate(time.Millisecond))
	for _, name := range result.Names() {
		check := result.Checks[name]
		fmt.Fprintf(w, "  %-40s %-10s %s\n", truncate(name, 40), check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(w, "  %-40s %-10s error: %s\n", "", "", check.Error)
		}
	}
}

func printOutbox(w io.Writer, rows []ledger.OutboxRecord) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No outbox rows found")
		return
	}

	fmt.Fprintf(w, "%-36s %-24s %-20s %-10s %-20s\n", "Message ID", "Type", "Target", "Status", "Sent")
	fmt.Fprintln(w, strings.Repeat("-", 114))
	for _, r := range rows {
		fmt.Fprintf(w, "%-36s %-24s %-20s %-10s %-20s\n",
			truncate(r.MessageID, 36),
			truncate(r.MessageType, 24),
			truncate(r.TargetService, 20),
			r.Status,
			r.SentAt.Format(time.RFC3339),
		)
	}
}

func printInbox(w io.Writer, rows []ledger.InboxRecord) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No inbox rows found")
		return
	}

	for i, r := range rows {
		fmt.Fprintf(w, "Row %d:\n", i+1)
		fmt.Fprintf(w, "  Message ID: %s\n", r.MessageID)
		fmt.Fprintf(w, "  Type: %s\n", r.MessageType)
		fmt.Fprintf(w, "  Source: %s\n", r.SourceService)
		fmt.Fprintf(w, "  Status: %s\n", r.Status)
		fmt.Fprintf(w, "  Received: %s\n", r.CreatedAt.Format(time.RFC3339))
		if r.ProcessedAt != nil {
			fmt.Fprintf(w, "  Processed: %s\n", r.ProcessedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "  Payload: %s\n", truncate(string(r.Payload), 100))
		fmt.Fprintln(w, strings.Repeat("-", 60))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
