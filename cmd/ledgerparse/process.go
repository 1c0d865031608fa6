package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/FACorreiaa/ledger-parse/internal/domain/bankdetect"
	"github.com/FACorreiaa/ledger-parse/internal/domain/classify"
	"github.com/FACorreiaa/ledger-parse/internal/domain/extract"
	"github.com/FACorreiaa/ledger-parse/internal/domain/pipeline"
	"github.com/FACorreiaa/ledger-parse/internal/domain/reconcile"
	"github.com/FACorreiaa/ledger-parse/pkg/pdftext"
)

func processCmd() *cobra.Command {
	var (
		strategy      string
		threshold     float64
		escalations   int
		noReconcile   bool
		outputPath    string
		pretty        bool
		year          int
		bankTablePath string
	)

	cmd := &cobra.Command{
		Use:   "process <statement.pdf>",
		Short: "Extract and reconcile transactions from a statement PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			table := bankdetect.DefaultTable()
			if bankTablePath != "" {
				raw, err := os.ReadFile(bankTablePath)
				if err != nil {
					return fmt.Errorf("failed to read bank table: %w", err)
				}
				if table, err = bankdetect.ParseTable(raw); err != nil {
					return err
				}
			}

			opts := pipeline.Options{
				ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
				MaxEscalations:      cfg.Pipeline.MaxEscalations,
				LayoutTimeout:       cfg.Pipeline.LayoutTimeout,
				SkipReconciliation:  noReconcile,
				DefaultYear:         year,
				MaxDescriptionLen:   cfg.Layout.MaxDescriptionLen,
			}
			if cmd.Flags().Changed("threshold") {
				opts.ConfidenceThreshold = threshold
			}
			if cmd.Flags().Changed("max-escalations") {
				opts.MaxEscalations = escalations
			}
			if strategy != "" {
				opts.ForcedStrategy = extract.Method(strategy)
				switch opts.ForcedStrategy {
				case extract.MethodLayoutText, extract.MethodOCR, extract.MethodVision:
				default:
					return fmt.Errorf("unknown strategy %q", strategy)
				}
			}

			orch := buildPipeline(table, opts)
			outcome, err := orch.Process(cmd.Context(), data)
			if err != nil && outcome == nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			enc := json.NewEncoder(out)
			if pretty {
				enc.SetIndent("", "  ")
			}
			if err := enc.Encode(outcome); err != nil {
				return fmt.Errorf("failed to write outcome: %w", err)
			}

			if !outcome.Success {
				return fmt.Errorf("extraction failed: %d error(s) recorded", len(outcome.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "force one strategy (layout_text, ocr, vision)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.7, "confidence below which extraction escalates")
	cmd.Flags().IntVar(&escalations, "max-escalations", 2, "maximum escalations to stronger strategies")
	cmd.Flags().BoolVar(&noReconcile, "no-reconcile", false, "skip balance reconciliation")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the outcome JSON to a file instead of stdout")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the outcome JSON")
	cmd.Flags().IntVar(&year, "year", 0, "year for year-less transaction dates (default: inferred)")
	cmd.Flags().StringVar(&bankTablePath, "bank-table", "", "JSON file of bank keyword overrides")

	return cmd
}

func buildPipeline(table bankdetect.Table, opts pipeline.Options) *pipeline.Orchestrator {
	logger := slog.Default()

	extractor := pdftext.NewFitzExtractor(logger)
	classifier := classify.NewClassifier(extractor, classify.Config{
		NativeCharsPerPage:   cfg.Classifier.NativeCharsPerPage,
		GoodScanCharsPerPage: cfg.Classifier.GoodScanCharsPerPage,
		MinTextCharsPerPage:  cfg.Classifier.MinTextCharsPerPage,
	}, logger)

	detector := bankdetect.NewDetector(table)
	layoutCfg := extract.DefaultLayoutConfig()
	layoutCfg.MaxDescriptionLen = cfg.Layout.MaxDescriptionLen
	layoutCfg.ClosingBalancePolicy = extract.ClosingBalancePolicy(cfg.Layout.ClosingBalancePolicy)

	strategies := []extract.Strategy{
		extract.NewLayoutStrategy(layoutCfg, detector, logger),
		extract.NewOCRStrategy(extract.OCRConfig{
			BaseURL:           cfg.OCR.BaseURL,
			EngineHint:        cfg.OCR.EngineHint,
			Timeout:           cfg.OCR.Timeout,
			MaxRetries:        cfg.OCR.MaxRetries,
			RequestsPerSecond: cfg.OCR.RequestsPerSecond,
		}, logger),
		extract.NewVisionStrategy(extract.VisionConfig{
			APIKey:            cfg.Vision.APIKey,
			Model:             cfg.Vision.Model,
			Endpoint:          cfg.Vision.Endpoint,
			Timeout:           cfg.Vision.Timeout,
			MaxRetries:        cfg.Vision.MaxRetries,
			RequestsPerSecond: cfg.Vision.RequestsPerSecond,
			MaxInlineBytes:    cfg.Vision.MaxInlineBytes,
		}, logger),
	}

	engine := reconcile.NewEngine(logger)
	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)
	return pipeline.NewOrchestrator(classifier, strategies, engine, opts, metrics, logger)
}
