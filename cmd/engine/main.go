package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rugplay/crash-engine/internal/config"
	"github.com/rugplay/crash-engine/internal/engine"
	"github.com/rugplay/crash-engine/internal/events"
	"github.com/rugplay/crash-engine/internal/fairness"
	"github.com/rugplay/crash-engine/internal/feedback"
	"github.com/rugplay/crash-engine/internal/logger"
	"github.com/rugplay/crash-engine/internal/risk"
	"github.com/rugplay/crash-engine/internal/store"
	"github.com/rugplay/crash-engine/internal/treasury"
)

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Crash game round engine",
	}
	root.AddCommand(runCmd(), verifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		capital    string
		natsURL    string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the round engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, capital, natsURL, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/config.yaml", "Path to config file")
	cmd.Flags().StringVar(&capital, "capital", "50", "Initial house capital for the demo treasury")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config; empty disables emission)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logs")
	return cmd
}

func run(configPath, capital, natsURL string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger.Init(&logger.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	slog.Info("Config loaded", "path", configPath)

	initialCapital, err := decimal.NewFromString(capital)
	if err != nil {
		return fmt.Errorf("invalid capital %q: %w", capital, err)
	}

	kv, err := store.NewBadgerKV(cfg.Storage.Directory)
	if err != nil {
		return fmt.Errorf("open round store: %w", err)
	}
	archive := store.NewRoundStore(kv)
	defer archive.Close()

	if natsURL == "" {
		natsURL = cfg.NATS.URL
	}
	var emitter events.Emitter = events.Noop{}
	if natsURL != "" {
		natsEmitter, err := events.NewNATSEmitter(natsURL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("emitter init: %w", err)
		}
		emitter = natsEmitter
	}
	defer emitter.Close()

	seeds := fairness.NewSeedManager()
	eng := engine.New(engine.Deps{
		Config:   cfg,
		Treasury: treasury.NewMemory(initialCapital),
		Emitter:  emitter,
		Archive:  archive,
	}, engine.WithSeeds(seeds))

	// Rotate the server seed daily; committed rounds keep their seeds.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@daily", func() {
		seeds.Rotate()
		slog.Info("Server seed rotated")
	}); err != nil {
		return fmt.Errorf("schedule seed rotation: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	slog.Info("Engine is running... Press Ctrl+C to stop")
	waitForShutdown()
	eng.Stop()
	slog.Info("Engine stopped")
	return nil
}

func verifyCmd() *cobra.Command {
	var (
		seed   string
		number int
		tier   string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a revealed round's crash point",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			selector := risk.NewSelector(cfg.Risk)

			reg, err := regimeForTier(selector, tier)
			if err != nil {
				return err
			}

			gen := fairness.NewGenerator(cfg.Feedback)
			// Replays the curve without feedback state; a round committed
			// under an active cooldown may have crashed below this value.
			point := gen.CrashPoint(seed, number, reg, feedback.Snapshot{})

			fmt.Printf("commitment: %s\n", fairness.Commitment(seed))
			fmt.Printf("crash point: %.2fx\n", point)
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "Revealed round seed")
	cmd.Flags().IntVar(&number, "round", 0, "Round number")
	cmd.Flags().StringVar(&tier, "tier", string(risk.TierNormal), "Regime tier the round ran under")
	_ = cmd.MarkFlagRequired("seed")
	_ = cmd.MarkFlagRequired("round")
	return cmd
}

func regimeForTier(selector *risk.Selector, tier string) (risk.Regime, error) {
	capitals := map[string]string{
		string(risk.TierEmergency): "0.1",
		string(risk.TierCritical):  "1",
		string(risk.TierBootstrap): "5",
		string(risk.TierNormal):    "100",
	}
	capital, ok := capitals[tier]
	if !ok {
		return risk.Regime{}, fmt.Errorf("unknown tier %q", tier)
	}
	return selector.Pick(decimal.RequireFromString(capital), time.Now()), nil
}

func waitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
