package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/simulator"
	"github.com/cuemby/plb/pkg/storage"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate -f SCENARIO",
	Short: "Replay a scenario against the engine",
	Long: `Replay a YAML scenario on a simulated clock and print the report.

Examples:
  # Run a scenario with the default engine configuration
  plbd simulate -f scenario.yaml

  # Reject a fifth of the movements and keep the traces
  plbd simulate -f scenario.yaml --drop-rate 0.2 --trace-dir ./traces`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringP("file", "f", "", "Scenario file (required)")
	simulateCmd.Flags().Int64("seed", 0, "Override the scenario seed")
	simulateCmd.Flags().Int("refreshes", 0, "Override the number of refreshes")
	simulateCmd.Flags().Float64("drop-rate", 0, "Override the movement drop rate")
	simulateCmd.Flags().String("trace-dir", "", "Record traces in a database in this directory")
	_ = simulateCmd.MarkFlagRequired("file")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Output: cmd.ErrOrStderr()})

	path, _ := cmd.Flags().GetString("file")
	sc, err := simulator.LoadScenario(path)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("seed") {
		sc.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("refreshes") {
		sc.Refreshes, _ = flags.GetInt("refreshes")
	}
	if flags.Changed("drop-rate") {
		sc.DropRate, _ = flags.GetFloat64("drop-rate")
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}

	opts := simulator.Options{Config: cfg.PLB}
	if dir, _ := flags.GetString("trace-dir"); dir != "" {
		store, err := storage.NewBoltTraceStore(dir)
		if err != nil {
			return fmt.Errorf("failed to open trace store: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker(cfg.PLB.TraceQueueSize)
		broker.AddSink(store)
		broker.Start()
		// Stop drains the queue into the store before it is closed
		defer broker.Stop()
		opts.Broker = broker
	}

	sim, err := simulator.New(sc, opts)
	if err != nil {
		return err
	}
	report, err := sim.Run(cmd.Context())
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
