package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ambulance/api"
	"github.com/kilianp07/ambulance/infra/logger"
	"github.com/kilianp07/ambulance/infra/mqtt"
	"github.com/kilianp07/ambulance/simulator"
)

var simulateFlags struct {
	server      string
	count       int
	declineRate float64
	dropRate    float64
	seed        int64
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated ambulance fleet against a dispatch service",
	Long: `Register a simulated fleet through the HTTP API, answer offers and send
location ticks over MQTT, and report trip progress until interrupted.`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simulateFlags.server, "server", "", "dispatch API base URL (client.base_url by default)")
	f.IntVar(&simulateFlags.count, "count", 0, "number of ambulances")
	f.Float64Var(&simulateFlags.declineRate, "decline-rate", 0, "probability of declining an offer")
	f.Float64Var(&simulateFlags.dropRate, "drop-rate", 0, "probability of ignoring an offer")
	f.Int64Var(&simulateFlags.seed, "seed", 0, "random seed")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	simCfg := cfg.Simulator
	if flags.Changed("count") {
		simCfg.Count = simulateFlags.count
	}
	if flags.Changed("decline-rate") {
		simCfg.DeclineRate = simulateFlags.declineRate
	}
	if flags.Changed("drop-rate") {
		simCfg.DropRate = simulateFlags.dropRate
	}
	if flags.Changed("seed") {
		simCfg.Seed = simulateFlags.seed
	}
	if simulateFlags.server != "" {
		cfg.Client.BaseURL = simulateFlags.server
	}

	client, err := api.NewClient(ctx, cfg.Client)
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}
	mqttCfg := cfg.MQTT.Config
	mqttCfg.SetDefaults()
	mqttCfg.ClientID += "-simulator"
	if err := mqttCfg.Validate(); err != nil {
		return err
	}

	log := logger.New("simulator")
	fleet, err := simulator.NewFleet(simCfg, mqttCfg.TopicPrefix, client, simulator.WithLogger(log))
	if err != nil {
		return err
	}
	if err := fleet.Register(ctx); err != nil {
		return err
	}
	conn, err := mqtt.Dial(mqttCfg, log, fleet.Subscribe)
	if err != nil {
		return err
	}
	defer conn.Disconnect(250)

	fleet.Run(ctx)
	return nil
}
