package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// VisionConfig configures the vision-model strategy.
type VisionConfig struct {
	APIKey            string
	Model             string
	Endpoint          string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	// MaxInlineBytes caps the document size sent inline. Larger documents
	// fail fast instead of timing out inside the model API.
	MaxInlineBytes int
}

// VisionStrategy sends the whole document to a multimodal model and asks for
// structured transactions back. It is the escalation of last resort for
// documents neither layout parsing nor OCR can read.
type VisionStrategy struct {
	cfg     VisionConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewVisionStrategy creates the vision strategy. An empty API key leaves it
// unavailable rather than failing construction.
func NewVisionStrategy(cfg VisionConfig, logger *slog.Logger) *VisionStrategy {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://generativelanguage.googleapis.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = 15 << 20
	}
	return &VisionStrategy{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

func (s *VisionStrategy) Name() Method    { return MethodVision }
func (s *VisionStrategy) Available() bool { return s.cfg.APIKey != "" }

const visionPrompt = `Extract every transaction from this bank statement.

Return ONLY a JSON object, no markdown fences, no commentary, in this shape:
{
  "bank_name": "string or empty",
  "opening_balance": number or null,
  "closing_balance": number or null,
  "transactions": [
    {"date": "as printed", "description": "string", "amount": number,
     "type": "debit" or "credit" or "unknown", "balance": number or null,
     "page": number}
  ],
  "accounts": [
    {"name": "string", "opening_balance": number or null,
     "closing_balance": number or null, "transactions": [same shape]}
  ]
}

Rules:
- Use "accounts" only when the statement covers multiple sub-accounts,
  otherwise use the flat "transactions" list and leave "accounts" empty.
- "amount" is the transaction amount, never the running balance. When a row
  shows both, the running balance goes in "balance".
- Amounts are positive numbers; direction goes in "type".
- Do not invent transactions. If the document has none, return an empty list.`

// Wire shapes of the model response payload.
type visionTransaction struct {
	Date        string           `json:"date"`
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount"`
	Type        string           `json:"type"`
	Balance     *decimal.Decimal `json:"balance"`
	Page        int              `json:"page"`
}

type visionAccount struct {
	Name           string              `json:"name"`
	OpeningBalance *decimal.Decimal    `json:"opening_balance"`
	ClosingBalance *decimal.Decimal    `json:"closing_balance"`
	Transactions   []visionTransaction `json:"transactions"`
}

type visionPayload struct {
	BankName       string              `json:"bank_name"`
	OpeningBalance *decimal.Decimal    `json:"opening_balance"`
	ClosingBalance *decimal.Decimal    `json:"closing_balance"`
	Transactions   []visionTransaction `json:"transactions"`
	Accounts       []visionAccount     `json:"accounts"`
}

// Extract implements Strategy.
func (s *VisionStrategy) Extract(ctx context.Context, doc *Document) (*StrategyResult, error) {
	if !s.Available() {
		return nil, NewError(KindStrategyUnavailable, MethodVision,
			fmt.Errorf("no API key configured"))
	}
	if len(doc.Data) > s.cfg.MaxInlineBytes {
		return nil, NewError(KindStrategyFailure, MethodVision,
			fmt.Errorf("document is %d bytes, inline limit is %d", len(doc.Data), s.cfg.MaxInlineBytes))
	}

	var lastErr error
	backoff := 2 * time.Second
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying vision model request",
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, NewError(KindStrategyTimeout, MethodVision, ctx.Err())
			}
			backoff *= 2
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, NewError(KindStrategyTimeout, MethodVision, err)
		}

		text, retryable, err := s.generate(ctx, doc.Data)
		if err != nil {
			lastErr = err
			if !retryable {
				break
			}
			continue
		}

		payload, err := parseModelJSON(text)
		if err != nil {
			// A malformed generation is worth one more attempt.
			lastErr = err
			continue
		}
		return s.toResult(payload), nil
	}

	if ctx.Err() != nil {
		return nil, NewError(KindStrategyTimeout, MethodVision, lastErr)
	}
	return nil, NewError(KindStrategyFailure, MethodVision, lastErr)
}

func (s *VisionStrategy) generate(ctx context.Context, data []byte) (text string, retryable bool, err error) {
	reqBody := map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]any{
				{"inline_data": map[string]string{
					"mime_type": "application/pdf",
					"data":      base64.StdEncoding.EncodeToString(data),
				}},
				{"text": visionPrompt},
			},
		}},
		"generationConfig": map[string]any{
			"temperature":        0.1,
			"response_mime_type": "application/json",
		},
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", false, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", s.cfg.Endpoint, s.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return "", true, fmt.Errorf("model API returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, fmt.Errorf("model API rejected request: %s: %s", resp.Status, body)
	}

	var wire struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", false, fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(wire.Candidates) == 0 || len(wire.Candidates[0].Content.Parts) == 0 {
		return "", false, fmt.Errorf("model returned no candidates")
	}

	var sb strings.Builder
	for _, part := range wire.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text = strings.TrimSpace(sb.String())

	if phrase := refusalPhrase(text); phrase != "" {
		return "", false, fmt.Errorf("model declined the document (%q)", phrase)
	}
	return text, false, nil
}

// Phrases a model emits when it declines instead of extracting. Matching one
// means the response is prose, not data, however well-formed it looks.
var refusalPhrases = []string{
	"i cannot",
	"i can't",
	"i'm unable",
	"i am unable",
	"cannot process",
	"cannot help",
	"please provide",
	"i'm sorry",
	"as an ai",
}

func refusalPhrase(text string) string {
	// A JSON body is never a refusal.
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return ""
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	return ""
}

// parseModelJSON tolerates markdown fences and prose around the JSON object,
// which models emit even when told not to.
func parseModelJSON(text string) (*visionPayload, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var payload visionPayload
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse model output: %w", err)
	}
	return &payload, nil
}

func (s *VisionStrategy) toResult(payload *visionPayload) *StrategyResult {
	result := &StrategyResult{
		Method:         MethodVision,
		OpeningBalance: payload.OpeningBalance,
		ClosingBalance: payload.ClosingBalance,
		BankDetected:   payload.BankName,
		Confidence:     0.75,
	}

	if len(payload.Accounts) > 0 {
		for _, acc := range payload.Accounts {
			section := AccountSection{
				Name:           acc.Name,
				OpeningBalance: acc.OpeningBalance,
				ClosingBalance: acc.ClosingBalance,
			}
			for _, tx := range acc.Transactions {
				section.Transactions = append(section.Transactions, visionToRaw(tx, acc.Name))
			}
			result.Accounts = append(result.Accounts, section)
		}
	} else {
		for _, tx := range payload.Transactions {
			result.Transactions = append(result.Transactions, visionToRaw(tx, ""))
		}
	}

	s.logger.Debug("vision extraction finished",
		slog.String("model", s.cfg.Model),
		slog.Int("transactions", len(result.Transactions)),
		slog.Int("accounts", len(result.Accounts)))
	return result
}

func visionToRaw(tx visionTransaction, accountTag string) RawTransaction {
	raw := RawTransaction{
		Date:           tx.Date,
		Description:    tx.Description,
		Amount:         tx.Amount,
		Type:           signedTypeFrom(tx.Type),
		RunningBalance: tx.Balance,
		Confidence:     0.75,
		AccountTag:     accountTag,
	}
	if tx.Page > 0 {
		raw.Location = &SourceLocation{Page: tx.Page}
	}
	return raw
}
