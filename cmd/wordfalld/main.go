package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fixspeech/wordfall/internal/config"
	"github.com/fixspeech/wordfall/internal/eventstore"
	"github.com/fixspeech/wordfall/internal/logging"
	"github.com/fixspeech/wordfall/internal/runtime"
	"github.com/fixspeech/wordfall/internal/stage"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wordfalld",
		Short: "Wordfall game runtime: falling words cleared by speaking them",
		Example: `  wordfalld serve --config wordfall.yaml
  wordfalld stages
  wordfalld stages import stages.yaml
  wordfalld ranking --stage 1 --limit 5`,
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("wordfalld v{{.Version}}\n")
	root.CompletionOptions.DisableDefaultCmd = true

	cfgPath := root.PersistentFlags().StringP("config", "c", "wordfall.yaml", "Path to configuration file (YAML or TOML)")

	serve := newServeCmd(cfgPath)
	root.RunE = serve.RunE
	root.AddCommand(serve)
	root.AddCommand(newStagesCmd(cfgPath))
	root.AddCommand(newRankingCmd(cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the game runtime (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.New(cfg.Logging, os.Stdout)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting wordfalld", slog.String("version", version), slog.String("config", *cfgPath))
			if err := runtime.New(cfg, logger).Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newStagesCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the stages of the configured source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadQuiet(*cfgPath)
			if err != nil {
				return err
			}
			src, closeSrc, err := stage.Open(cmd.Context(), cfg.Stages, logger)
			if err != nil {
				return err
			}
			defer closeSrc()
			stages, err := src.Stages(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(stages)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for _, s := range stages {
				fmt.Fprintf(w, "%d\t%s\n", s.ID, s.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a YAML stage file into the sqlite stage catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadQuiet(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Stages.Source != "sqlite" {
				return fmt.Errorf("stages.source is %q; import needs the sqlite catalog", cfg.Stages.Source)
			}
			catalog, err := stage.OpenCatalog(cmd.Context(), cfg.Stages.Path, logger)
			if err != nil {
				return err
			}
			defer catalog.Close()
			if err := catalog.ImportFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s into %s\n", args[0], cfg.Stages.Path)
			return nil
		},
	})
	return cmd
}

func newRankingCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranking",
		Short: "Show the best stored results of a stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stageID, _ := cmd.Flags().GetInt("stage")
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, logger, err := loadQuiet(*cfgPath)
			if err != nil {
				return err
			}
			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			results, err := store.TopResults(cmd.Context(), stageID, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tSCORE\tPLAYTIME\tENDED\tROUND")
			for i, r := range results {
				fmt.Fprintf(w, "%d\t%d\t%ds\t%s\t%s\n", i+1, r.Score, r.PlaytimeSeconds, r.EndedAt.Format("2006-01-02 15:04"), r.RoundID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("stage", 1, "stage id")
	cmd.Flags().Int("limit", 10, "number of results")
	return cmd
}

// loadQuiet loads config for one-shot commands, which only log warnings.
func loadQuiet(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return cfg, logger, nil
}
