// Package pipeline runs one document through classification, extraction and
// reconciliation, escalating to stronger strategies inside a bounded attempt
// budget. The escalation logic is an explicit state machine; each attempt
// builds an immutable candidate result and a merge decision picks between the
// candidate and the incumbent, so no attempt can silently clobber another's
// fields or diagnostics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/ledger-parse/internal/domain/classify"
	"github.com/FACorreiaa/ledger-parse/internal/domain/extract"
	"github.com/FACorreiaa/ledger-parse/internal/domain/reconcile"
)

// State names of the orchestration machine, recorded on attempts and logs.
type State string

const (
	StateClassifying State = "classifying"
	StateExtracting  State = "extracting"
	StateReconciling State = "reconciling"
	StateEscalating  State = "escalating"
	StateAccepted    State = "accepted"
	StateFailed      State = "failed"
)

// Options configures one orchestrator.
type Options struct {
	// ConfidenceThreshold below which a result triggers escalation.
	ConfidenceThreshold float64
	// MaxEscalations bounds retries: total attempts = 1 + MaxEscalations.
	MaxEscalations int
	// ForcedStrategy pins extraction to one strategy, skipping selection.
	ForcedStrategy extract.Method
	// SkipReconciliation disables the balance check (verdicts stay unknown).
	SkipReconciliation bool
	// LayoutTimeout bounds the in-process layout strategy. Remote strategies
	// carry their own client timeouts.
	LayoutTimeout time.Duration
	// DefaultYear for year-less transaction dates; 0 lets extraction infer
	// it from the statement period.
	DefaultYear int
	// MaxDescriptionLen for normalized descriptions.
	MaxDescriptionLen int
}

// DefaultOptions returns the tested defaults.
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.7,
		MaxEscalations:      2,
		LayoutTimeout:       10 * time.Second,
		MaxDescriptionLen:   200,
	}
}

// AttemptInfo is the per-attempt diagnostic record on an outcome.
type AttemptInfo struct {
	Strategy     extract.Method `json:"strategy"`
	Transactions int            `json:"transactions"`
	Confidence   float64        `json:"confidence"`
	Reconciled   bool           `json:"reconciled"`
	Accepted     bool           `json:"accepted"`
	Error        string         `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// Outcome is the terminal artifact of one processing run.
type Outcome struct {
	RunID             string                          `json:"run_id"`
	Success           bool                            `json:"success"`
	Method            extract.Method                  `json:"method"`
	Classification    *classify.Result                `json:"-"`
	DocumentKind      classify.Kind                   `json:"document_kind"`
	Transactions      []extract.NormalizedTransaction `json:"transactions"`
	OpeningBalance    *decimal.Decimal                `json:"opening_balance,omitempty"`
	ClosingBalance    *decimal.Decimal                `json:"closing_balance,omitempty"`
	BankDetected      string                          `json:"bank_detected,omitempty"`
	OverallConfidence float64                         `json:"overall_confidence"`
	Reconciliation    reconcile.Verdict               `json:"reconciliation"`
	BalanceIssues     []reconcile.RowIssue            `json:"balance_issues,omitempty"`
	Errors            []string                        `json:"errors,omitempty"`
	Warnings          []string                        `json:"warnings,omitempty"`
	Attempts          []AttemptInfo                   `json:"attempts"`
	Duration          time.Duration                   `json:"duration"`
}

// Classifier is the document triage dependency.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (*classify.Result, error)
}

// Orchestrator drives the extraction state machine.
type Orchestrator struct {
	classifier Classifier
	strategies map[extract.Method]extract.Strategy
	engine     *reconcile.Engine
	opts       Options
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewOrchestrator wires the pipeline. strategies may omit methods; missing or
// unavailable ones are skipped during selection. metrics may be nil.
func NewOrchestrator(classifier Classifier, strategies []extract.Strategy, engine *reconcile.Engine, opts Options, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	byMethod := make(map[extract.Method]extract.Strategy, len(strategies))
	for _, s := range strategies {
		byMethod[s.Name()] = s
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.7
	}
	if opts.MaxEscalations < 0 {
		opts.MaxEscalations = 0
	}
	if opts.MaxDescriptionLen <= 0 {
		opts.MaxDescriptionLen = 200
	}
	return &Orchestrator{
		classifier: classifier,
		strategies: byMethod,
		engine:     engine,
		opts:       opts,
		metrics:    metrics,
		tracer:     otel.Tracer("ledgerparse/pipeline"),
		logger:     logger,
	}
}

// strength orders strategies for escalation. Stronger means more capable of
// reading degraded documents, not more accurate on clean ones.
func strength(m extract.Method) int {
	switch m {
	case extract.MethodLayoutText:
		return 1
	case extract.MethodOCR:
		return 2
	case extract.MethodVision:
		return 3
	default:
		return 0
	}
}

// attempt is the immutable per-attempt candidate.
type attempt struct {
	method       extract.Method
	transactions []extract.NormalizedTransaction
	opening      *decimal.Decimal
	closing      *decimal.Decimal
	bank         string
	confidence   float64
	verdict      reconcile.Verdict
	issues       []reconcile.RowIssue
}

// Process runs one document through the pipeline and returns the outcome.
// The returned error is non-nil only for unreadable documents or context
// cancellation; strategy failures are reported inside the outcome.
func (o *Orchestrator) Process(ctx context.Context, data []byte) (*Outcome, error) {
	runID := uuid.NewString()
	started := time.Now()

	ctx, span := o.tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	logger := o.logger.With(slog.String("run_id", runID))
	outcome := &Outcome{
		RunID:          runID,
		Reconciliation: reconcile.Verdict{Status: reconcile.StatusUnknown},
	}

	logger.Info("processing document", slog.Int("bytes", len(data)), slog.String("state", string(StateClassifying)))

	classification, err := o.classifier.Classify(ctx, data)
	if err != nil {
		if errors.Is(err, classify.ErrUnreadableDocument) {
			o.countRun(string(StateFailed))
			outcome.Errors = append(outcome.Errors,
				extract.NewError(extract.KindUnreadableDocument, "", err).Error())
			outcome.Duration = time.Since(started)
			return outcome, err
		}
		return nil, err
	}
	outcome.Classification = classification
	outcome.DocumentKind = classification.Kind

	doc := &extract.Document{
		Data:        data,
		Text:        classification.Text,
		ScanQuality: string(classification.ScanQuality),
	}

	var best *attempt
	var runErr error
	tried := make(map[extract.Method]bool)
	current := o.selectInitial(classification)

	maxAttempts := 1 + o.opts.MaxEscalations
	for attemptNo := 1; attemptNo <= maxAttempts && current != ""; attemptNo++ {
		tried[current] = true
		if attemptNo > 1 {
			o.countEscalation()
			logger.Info("escalating", slog.String("state", string(StateEscalating)), slog.String("strategy", string(current)))
		}

		cand, info := o.runAttempt(ctx, doc, current, logger)
		outcome.Attempts = append(outcome.Attempts, info)
		if info.Error != "" {
			outcome.Errors = append(outcome.Errors, info.Error)
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		if cand != nil {
			if replaced, note := mergeDecision(best, cand); replaced {
				best = cand
				outcome.Attempts[len(outcome.Attempts)-1].Accepted = true
			} else if note != "" {
				outcome.Warnings = append(outcome.Warnings, note)
			}
		}

		if best != nil && !o.shouldEscalate(best) {
			break
		}
		current = o.nextStronger(tried, current)
	}

	outcome.Duration = time.Since(started)
	o.finalize(outcome, best, tried, logger)
	span.SetAttributes(
		attribute.Bool("run.success", outcome.Success),
		attribute.Int("run.transactions", len(outcome.Transactions)),
	)
	return outcome, runErr
}

// selectInitial picks the first strategy: a forced one wins outright, the
// vision model is preferred when configured because it reads native and
// scanned documents equally well, and otherwise classification decides.
func (o *Orchestrator) selectInitial(c *classify.Result) extract.Method {
	if o.opts.ForcedStrategy != "" {
		return o.opts.ForcedStrategy
	}
	if s, ok := o.strategies[extract.MethodVision]; ok && s.Available() {
		return extract.MethodVision
	}
	if c.Kind == classify.KindScanned {
		if s, ok := o.strategies[extract.MethodOCR]; ok && s.Available() {
			return extract.MethodOCR
		}
	}
	if s, ok := o.strategies[extract.MethodLayoutText]; ok && s.Available() {
		return extract.MethodLayoutText
	}
	// Last resort: anything available at all.
	return o.nextStronger(map[extract.Method]bool{}, "")
}

// nextStronger returns the weakest untried available strategy strictly
// stronger than current, or "" when escalation is exhausted.
func (o *Orchestrator) nextStronger(tried map[extract.Method]bool, current extract.Method) extract.Method {
	floor := strength(current)
	best := extract.Method("")
	for method, s := range o.strategies {
		if tried[method] || !s.Available() || strength(method) <= floor {
			continue
		}
		if best == "" || strength(method) < strength(best) {
			best = method
		}
	}
	return best
}

// runAttempt executes one strategy and reconciles its output into an
// immutable candidate. A nil candidate means the strategy itself failed.
func (o *Orchestrator) runAttempt(ctx context.Context, doc *extract.Document, method extract.Method, logger *slog.Logger) (*attempt, AttemptInfo) {
	info := AttemptInfo{Strategy: method}
	started := time.Now()

	ctx, span := o.tracer.Start(ctx, "pipeline.attempt",
		trace.WithAttributes(attribute.String("strategy", string(method))))
	defer span.End()

	strategy, ok := o.strategies[method]
	if !ok || !strategy.Available() {
		info.Error = extract.NewError(extract.KindStrategyUnavailable, method,
			fmt.Errorf("strategy not configured")).Error()
		info.Duration = time.Since(started)
		o.countAttempt(method, "unavailable")
		return nil, info
	}

	if method == extract.MethodLayoutText && o.opts.LayoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.LayoutTimeout)
		defer cancel()
	}

	logger.Info("running strategy", slog.String("state", string(StateExtracting)), slog.String("strategy", string(method)))

	result, err := strategy.Extract(ctx, doc)
	info.Duration = time.Since(started)
	if err != nil {
		kind := extract.KindStrategyFailure
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = extract.KindStrategyTimeout
		}
		var xerr *extract.Error
		if errors.As(err, &xerr) {
			info.Error = xerr.Error()
		} else {
			info.Error = extract.NewError(kind, method, err).Error()
		}
		o.countAttempt(method, "error")
		logger.Warn("strategy failed", slog.String("strategy", string(method)), slog.Any("error", err))
		return nil, info
	}

	raws := result.Transactions
	opening, closing := result.OpeningBalance, result.ClosingBalance
	if len(result.Accounts) > 0 {
		var aggOpening, aggClosing *decimal.Decimal
		raws, aggOpening, aggClosing = extract.FlattenAccounts(result.Accounts)
		if opening == nil {
			opening = aggOpening
		}
		if closing == nil {
			closing = aggClosing
		}
	}

	defaultYear := o.opts.DefaultYear
	if defaultYear == 0 && doc.Text != nil {
		defaultYear = extract.DetectPeriodEndYear(doc.Text.FullText())
	}
	normalized := extract.Normalize(raws, extract.NormalizeOptions{
		DefaultYear:       defaultYear,
		MaxDescriptionLen: o.opts.MaxDescriptionLen,
	})

	cand := &attempt{
		method:       method,
		transactions: normalized,
		opening:      opening,
		closing:      closing,
		bank:         result.BankDetected,
		confidence:   result.Confidence,
		verdict:      reconcile.Verdict{Status: reconcile.StatusUnknown},
	}

	logger.Info("reconciling", slog.String("state", string(StateReconciling)), slog.Int("transactions", len(normalized)))
	if !o.opts.SkipReconciliation {
		cand.verdict = o.engine.Reconcile(normalized, opening, closing)
		cand.issues = o.engine.ValidateRunningBalances(normalized)
	}

	info.Transactions = len(normalized)
	info.Confidence = result.Confidence
	info.Reconciled = cand.verdict.IsReconciled
	o.countAttempt(method, "ok")
	return cand, info
}

// mergeDecision applies the replace-only-if-strictly-better policy. The
// returned note explains a rejected candidate for the warnings list.
func mergeDecision(incumbent, candidate *attempt) (replace bool, note string) {
	if incumbent == nil {
		return true, ""
	}
	if candidate.verdict.IsReconciled && !incumbent.verdict.IsReconciled {
		return true, ""
	}
	if !candidate.verdict.IsReconciled && incumbent.verdict.IsReconciled {
		return false, fmt.Sprintf(
			"escalation to %s did not reconcile, keeping %s result",
			candidate.method, incumbent.method)
	}
	if candidate.confidence > incumbent.confidence {
		return true, ""
	}
	return false, fmt.Sprintf(
		"escalation to %s scored %.2f, keeping %s result at %.2f",
		candidate.method, candidate.confidence, incumbent.method, incumbent.confidence)
}

// shouldEscalate reports whether the current best result still warrants a
// stronger strategy: low confidence, or a computed reconciliation mismatch.
func (o *Orchestrator) shouldEscalate(best *attempt) bool {
	if len(best.transactions) == 0 {
		return true
	}
	if best.confidence < o.opts.ConfidenceThreshold {
		return true
	}
	return best.verdict.Status == reconcile.StatusMismatch
}

// finalize folds the best attempt into the outcome and settles terminal state.
func (o *Orchestrator) finalize(outcome *Outcome, best *attempt, tried map[extract.Method]bool, logger *slog.Logger) {
	if best != nil {
		outcome.Method = best.method
		if len(outcome.Attempts) > 1 {
			outcome.Method = extract.MethodHybrid
		}
		outcome.Transactions = best.transactions
		outcome.OpeningBalance = best.opening
		outcome.ClosingBalance = best.closing
		outcome.BankDetected = best.bank
		outcome.OverallConfidence = best.confidence
		outcome.Reconciliation = best.verdict
		outcome.BalanceIssues = best.issues
	}

	outcome.Success = best != nil && len(best.transactions) > 0
	if !outcome.Success {
		names := make([]string, 0, len(tried))
		for method := range tried {
			names = append(names, string(method))
		}
		outcome.Errors = append(outcome.Errors,
			extract.NewError(extract.KindNoTransactions, "",
				fmt.Errorf("no transactions extracted by any of: %s", strings.Join(names, ", "))).Error())
	}

	state := StateAccepted
	if !outcome.Success {
		state = StateFailed
	}
	o.countRun(string(state))
	if o.metrics != nil {
		o.metrics.RunDuration.Observe(outcome.Duration.Seconds())
		if outcome.Success {
			o.metrics.TransactionCount.Observe(float64(len(outcome.Transactions)))
		}
	}

	logger.Info("run finished",
		slog.String("state", string(state)),
		slog.String("method", string(outcome.Method)),
		slog.Int("transactions", len(outcome.Transactions)),
		slog.Int("attempts", len(outcome.Attempts)),
		slog.Bool("reconciled", outcome.Reconciliation.IsReconciled),
		slog.Duration("duration", outcome.Duration))
}

func (o *Orchestrator) countRun(status string) {
	if o.metrics != nil {
		o.metrics.RunsTotal.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) countAttempt(method extract.Method, result string) {
	if o.metrics != nil {
		o.metrics.AttemptsTotal.WithLabelValues(string(method), result).Inc()
	}
}

func (o *Orchestrator) countEscalation() {
	if o.metrics != nil {
		o.metrics.EscalationsTotal.Inc()
	}
}
