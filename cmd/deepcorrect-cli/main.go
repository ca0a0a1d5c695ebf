package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/deepcorrect"
)

// Set at build time
var version = "dev"

var (
	logLevelFlag string

	// corrector is created on first use by commands that need the model or the prompt store.
	corrector *deepcorrect.Corrector
)

var rootCmd = &cobra.Command{
	Use:           "deepcorrect",
	Short:         "Rewrite selected ranges of a text file with a local LLM",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if logLevelFlag != "" {
			parsed, err := deepcorrect.ParseLogLevel(logLevelFlag)
			if err != nil {
				return err
			}
			level = parsed
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if corrector != nil {
			if err := corrector.Close(); err != nil {
				slog.Error("Error closing corrector", "error", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error) - overrides config")
	rootCmd.AddCommand(correctCmd, extractCmd, promptsCmd)
}

// getCorrector loads configuration and creates the shared Corrector. Config warnings
// are logged; only fatal initialization errors are returned.
func getCorrector() (*deepcorrect.Corrector, error) {
	if corrector != nil {
		return corrector, nil
	}
	logger := slog.Default()
	c, err := deepcorrect.NewCorrector(logger)
	if err != nil {
		if !errors.Is(err, deepcorrect.ErrConfig) || c == nil {
			return nil, fmt.Errorf("initializing corrector: %w", err)
		}
		logger.Warn("Corrector initialized with configuration warnings", "error", err)
	}
	if logLevelFlag == "" {
		if level, err := deepcorrect.ParseLogLevel(c.GetCurrentConfig().LogLevel); err == nil {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		}
	}
	corrector = c
	return c, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		deepcorrect.PrettyPrint(deepcorrect.ColorRed, fmt.Sprintf("Error: %v\n", err))
		os.Exit(1)
	}
}
