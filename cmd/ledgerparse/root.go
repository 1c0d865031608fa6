package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/ledger-parse/pkg/config"
)

var (
	version = "dev"

	cfg       *config.Config
	logLevel  string
	logFormat string

	rootCmd = &cobra.Command{
		Use:   "ledgerparse",
		Short: "Bank statement extraction and reconciliation",
		Long: `ledgerparse turns bank statement PDFs into structured transactions.

It classifies each document as native or scanned, picks an extraction
strategy (text layout analysis, an OCR worker, or a vision model),
reconciles the result against the statement's own balances, and escalates
to a stronger strategy when confidence is low or the numbers do not add up.`,
		PersistentPreRunE: initApp,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(versionCmd())
}

func initApp(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel == "" {
		logLevel = cfg.Log.Level
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledgerparse %s\n", version)
		},
	}
}
