package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// OCR engines exposed by the processing worker.
const (
	EngineAuto      = "auto"
	EngineTesseract = "tesseract" // good quality scans, 300 DPI+
	EngineEasyOCR   = "easyocr"   // degraded or low-contrast scans
	EngineGMFT      = "gmft"      // table-structure detector
)

// OCRConfig configures the OCR worker client.
type OCRConfig struct {
	BaseURL           string
	EngineHint        string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

// OCRStrategy extracts transactions from scanned documents by delegating to
// the OCR processing worker over HTTP. The worker owns rasterization and
// recognition; this side owns engine selection, retries and normalization.
type OCRStrategy struct {
	cfg     OCRConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOCRStrategy creates the OCR strategy. A zero BaseURL leaves the strategy
// unavailable rather than failing construction.
func NewOCRStrategy(cfg OCRConfig, logger *slog.Logger) *OCRStrategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.EngineHint == "" {
		cfg.EngineHint = EngineAuto
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	return &OCRStrategy{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

func (s *OCRStrategy) Name() Method    { return MethodOCR }
func (s *OCRStrategy) Available() bool { return s.cfg.BaseURL != "" }

// selectEngine resolves the auto hint against the classifier's scan quality:
// Tesseract handles clean scans well, EasyOCR copes better with degraded ones.
func (s *OCRStrategy) selectEngine(quality string) string {
	if s.cfg.EngineHint != EngineAuto {
		return s.cfg.EngineHint
	}
	switch quality {
	case "poor", "none":
		return EngineEasyOCR
	default:
		return EngineTesseract
	}
}

// Wire shapes of the worker's extraction response.
type ocrTransaction struct {
	Date        string           `json:"date"`
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount"`
	Type        string           `json:"type"`
	Balance     *decimal.Decimal `json:"balance"`
	Confidence  float64          `json:"confidence"`
	BBox        *ocrBBox         `json:"bbox"`
	RawText     string           `json:"raw_text"`
}

type ocrBBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	Page int     `json:"page"`
}

type ocrExtractionResult struct {
	Success        bool             `json:"success"`
	Method         string           `json:"method"`
	Transactions   []ocrTransaction `json:"transactions"`
	OpeningBalance *decimal.Decimal `json:"opening_balance"`
	ClosingBalance *decimal.Decimal `json:"closing_balance"`
	PageCount      int              `json:"page_count"`
	Confidence     float64          `json:"confidence"`
	Errors         []string         `json:"errors"`
}

// Extract implements Strategy. Transport failures and 5xx responses are
// retried with exponential backoff; 4xx responses are terminal because
// resending the same document cannot change the outcome.
func (s *OCRStrategy) Extract(ctx context.Context, doc *Document) (*StrategyResult, error) {
	if !s.Available() {
		return nil, NewError(KindStrategyUnavailable, MethodOCR,
			fmt.Errorf("no worker URL configured"))
	}

	engine := s.selectEngine(doc.ScanQuality)
	url := s.cfg.BaseURL + "/extract/" + engine

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying OCR worker request",
				slog.Int("attempt", attempt),
				slog.String("engine", engine),
				slog.Any("error", lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, NewError(KindStrategyTimeout, MethodOCR, ctx.Err())
			}
			backoff *= 2
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, NewError(KindStrategyTimeout, MethodOCR, err)
		}

		wire, retryable, err := s.post(ctx, url, doc.Data)
		if err == nil {
			return s.toResult(wire, engine), nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	if ctx.Err() != nil {
		return nil, NewError(KindStrategyTimeout, MethodOCR, lastErr)
	}
	return nil, NewError(KindStrategyFailure, MethodOCR, lastErr)
}

func (s *OCRStrategy) post(ctx context.Context, url string, data []byte) (*ocrExtractionResult, bool, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "statement.pdf")
	if err != nil {
		return nil, false, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, false, err
	}
	if err := writer.Close(); err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("worker returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("worker rejected request: %s", resp.Status)
	}

	var wire ocrExtractionResult
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, false, fmt.Errorf("failed to decode worker response: %w", err)
	}
	if !wire.Success {
		return nil, false, fmt.Errorf("worker extraction failed: %v", wire.Errors)
	}
	return &wire, false, nil
}

func (s *OCRStrategy) toResult(wire *ocrExtractionResult, engine string) *StrategyResult {
	result := &StrategyResult{
		Method:         MethodOCR,
		OpeningBalance: wire.OpeningBalance,
		ClosingBalance: wire.ClosingBalance,
		Confidence:     wire.Confidence,
		Errors:         wire.Errors,
	}

	for _, tx := range wire.Transactions {
		raw := RawTransaction{
			Date:           tx.Date,
			Description:    tx.Description,
			Amount:         tx.Amount,
			Type:           signedTypeFrom(tx.Type),
			RunningBalance: tx.Balance,
			Confidence:     tx.Confidence,
			RawText:        tx.RawText,
		}
		if tx.BBox != nil {
			raw.Location = &SourceLocation{
				Page: tx.BBox.Page,
				BBox: &Rect{X1: tx.BBox.X1, Y1: tx.BBox.Y1, X2: tx.BBox.X2, Y2: tx.BBox.Y2},
			}
		}
		result.Transactions = append(result.Transactions, raw)
	}

	s.logger.Debug("OCR extraction finished",
		slog.String("engine", engine),
		slog.String("worker_method", wire.Method),
		slog.Int("transactions", len(result.Transactions)))
	return result
}

func signedTypeFrom(s string) SignedType {
	switch s {
	case "debit":
		return TypeDebit
	case "credit":
		return TypeCredit
	default:
		return TypeUnknown
	}
}
