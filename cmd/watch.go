package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/infra/transport"
)

var watchTransport string

var watchCmd = &cobra.Command{
	Use:   "watch <topic>",
	Short: "Print events published on a transport",
	Long: `Print events forwarded to a fan-out transport as JSON lines.

The topic is emergency:<id>, ambulance:<id> or * for every topic.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchTransport, "transport", "t", "", "transport type from fanout.transports (first one by default)")
	rootCmd.AddCommand(watchCmd)
}

func pickTransport(list []factory.ModuleConfig, name string) (factory.ModuleConfig, error) {
	if len(list) == 0 {
		return factory.ModuleConfig{}, fmt.Errorf("no fanout transports configured")
	}
	if name == "" {
		return list[0], nil
	}
	for _, tc := range list {
		if tc.Type == name {
			return tc, nil
		}
	}
	return factory.ModuleConfig{}, fmt.Errorf("transport %q not configured", name)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tc, err := pickTransport(cfg.Fanout.Transports, watchTransport)
	if err != nil {
		return err
	}
	t, err := transport.Open(tc)
	if err != nil {
		return fmt.Errorf("transport %s: %w", tc.Type, err)
	}
	defer t.Close()
	return watch(ctx, t, args[0], cmd.OutOrStdout())
}

func watch(ctx context.Context, t fanout.Transport, topic string, w io.Writer) error {
	events, unsubscribe, err := t.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer unsubscribe()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}
