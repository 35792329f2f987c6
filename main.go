package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hubstock/internal/catalog"
	"hubstock/internal/config"
	"hubstock/internal/doctrine"
	"hubstock/internal/esi"
	"hubstock/internal/jita"
	"hubstock/internal/pipeline"
	"hubstock/internal/sink"
	"hubstock/internal/store"
)

var version = "dev"

type runFunc func(ctx context.Context, cfg *config.Config, once bool, interval time.Duration) error

func newRootCmd(exec runFunc) *cobra.Command {
	var (
		cfgPath  string
		once     bool
		interval time.Duration
		hist     bool
		debug    bool
	)

	root := &cobra.Command{
		Use:     "hubstock",
		Short:   "Market stock tracker for a player-operated trade hub",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(debug)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			// The config's fresh_history stands unless the flag was given.
			if cmd.Flags().Changed("hist") {
				cfg.FreshHistory = hist
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return exec(ctx, cfg, once, interval)
		},
	}

	root.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the config file")
	root.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	root.Flags().DurationVar(&interval, "interval", 15*time.Minute, "delay between cycles")
	root.Flags().BoolVar(&hist, "hist", true, "fetch fresh history each cycle (overrides the config)")
	root.Flags().BoolVar(&debug, "debug", false, "verbose logging")
	return root
}

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.Config, once bool, interval time.Duration) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	types, err := db.ReadTypeCatalog()
	if err != nil {
		return err
	}
	cat := catalog.New(types)
	if cat.Len() == 0 {
		log.Warn().Msg("type catalog is empty, names will be blank")
	}

	var fits doctrine.FitCatalog
	if cfg.FitDBPath != "" {
		if _, err := os.Stat(cfg.FitDBPath); err == nil {
			fitdb, err := doctrine.OpenFitDB(cfg.FitDBPath)
			if err != nil {
				return err
			}
			defer fitdb.Close()
			fits = fitdb
		} else {
			log.Warn().Str("path", cfg.FitDBPath).Msg("fit database missing, doctrine tracking disabled")
		}
	}

	client := esi.NewClient(esi.Options{
		UserAgent:      cfg.UserAgent,
		StructureID:    cfg.StructureID,
		RegionID:       cfg.RegionID,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		MaxRetries:     cfg.MaxRetriesPerPage,
		RetryBackoff:   time.Duration(cfg.RetryBackoffSeconds) * time.Second,
		Concurrency:    cfg.HistoryConcurrency,
	})
	tokens := esi.NewStoredTokenProvider(db, esi.SSOConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})

	augmenter := jita.New("", 0, time.Duration(cfg.RequestTimeoutSeconds)*time.Second)

	csvSink, err := sink.NewCSVSink(cfg.OutputDir)
	if err != nil {
		return err
	}

	runner := pipeline.New(db, client, tokens, fits, cat, augmenter, csvSink, pipeline.Options{
		DoctrineTarget:  cfg.DoctrineTarget,
		HistoryLookback: cfg.HistoryLookback,
		FreshHistory:    cfg.FreshHistory,
	})

	log.Info().
		Int64("structure", cfg.StructureID).
		Int32("region", cfg.RegionID).
		Bool("fresh_history", cfg.FreshHistory).
		Msg("hubstock starting")

	for {
		if err := runner.RunCycle(ctx); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, esi.ErrRateBudgetExhausted):
				log.Error().Err(err).Msg("rate budget exhausted, cycle aborted")
			case errors.Is(err, esi.ErrAuth):
				return fmt.Errorf("authentication failed: %w", err)
			default:
				log.Error().Err(err).Msg("cycle failed")
			}
		}

		if once {
			return nil
		}
		log.Info().Dur("interval", interval).Msg("sleeping until next cycle")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
