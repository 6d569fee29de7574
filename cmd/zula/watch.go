package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	zula "github.com/glimte/zula-go"
	"github.com/glimte/zula-go/health"
	"github.com/spf13/cobra"
)

// queueWatcher prints the backlog of a fixed set of queues on every tick
type queueWatcher struct {
	inspector health.QueueInspector
	queues    []string
	interval  time.Duration
	out       io.Writer
}

func (w *queueWatcher) watch(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.display(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.display(ctx)
		}
	}
}

func (w *queueWatcher) display(ctx context.Context) {
	fmt.Fprintf(w.out, "%s\n", time.Now().Format(time.TimeOnly))
	fmt.Fprintf(w.out, "%-40s %-10s %-10s\n", "Queue", "Messages", "Consumers")
	fmt.Fprintln(w.out, strings.Repeat("-", 62))
	for _, queue := range w.queues {
		messages, consumers, err := w.inspector.QueueDepth(ctx, queue)
		if err != nil {
			fmt.Fprintf(w.out, "%-40s error: %v\n", truncate(queue, 40), err)
			continue
		}
		fmt.Fprintf(w.out, "%-40s %-10d %-10d\n", truncate(queue, 40), messages, consumers)
	}
	fmt.Fprintln(w.out)
}

func newWatchCmd(g *globals) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch [message-type...]",
		Short: "Watch queue depth of this service's queues",
		Long:  "Poll the queues of provision.message_types plus any types given as arguments until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			types := append(cfg.Provision.MessageTypes, args...)
			if len(types) == 0 {
				return errors.New("no message types to watch")
			}
			cfg.Provision.MessageTypes = nil

			client, err := zula.NewClientFromConfig(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			inspector, ok := client.Broker().(health.QueueInspector)
			if !ok {
				return errors.New("broker does not report queue depth")
			}

			queues := make([]string, 0, len(types))
			for _, messageType := range types {
				queues = append(queues, client.Topology().QueueName(client.ServiceName(), messageType))
			}

			w := &queueWatcher{inspector: inspector, queues: queues, interval: interval, out: cmd.OutOrStdout()}
			return w.watch(cmd.Context())
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Update interval")
	return cmd
}
