package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/ledger-parse/internal/domain/classify"
	"github.com/FACorreiaa/ledger-parse/pkg/pdftext"
)

func classifyCmd() *cobra.Command {
	var pretty bool

	cmd := &cobra.Command{
		Use:   "classify <statement.pdf>",
		Short: "Classify a PDF as native or scanned without extracting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			logger := slog.Default()
			classifier := classify.NewClassifier(pdftext.NewFitzExtractor(logger), classify.Config{
				NativeCharsPerPage:   cfg.Classifier.NativeCharsPerPage,
				GoodScanCharsPerPage: cfg.Classifier.GoodScanCharsPerPage,
				MinTextCharsPerPage:  cfg.Classifier.MinTextCharsPerPage,
			}, logger)

			result, err := classifier.Classify(cmd.Context(), data)
			if err != nil {
				return err
			}

			view := map[string]any{
				"kind":         result.Kind,
				"page_count":   result.PageCount,
				"text_density": result.TextDensity,
				"confidence":   result.Confidence,
				"has_text":     result.HasText,
				"degraded":     result.Degraded,
			}
			if result.Kind == classify.KindScanned {
				view["scan_quality"] = result.ScanQuality
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(view)
		},
	}

	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the output JSON")
	return cmd
}
