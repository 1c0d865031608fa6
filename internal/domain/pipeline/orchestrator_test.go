package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/ledger-parse/internal/domain/classify"
	"github.com/FACorreiaa/ledger-parse/internal/domain/extract"
	"github.com/FACorreiaa/ledger-parse/internal/domain/reconcile"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type fakeClassifier struct {
	result *classify.Result
	err    error
}

func (f *fakeClassifier) Classify(_ context.Context, _ []byte) (*classify.Result, error) {
	return f.result, f.err
}

type fakeStrategy struct {
	name      extract.Method
	available bool
	result    *extract.StrategyResult
	err       error
	calls     int
}

func (f *fakeStrategy) Name() extract.Method { return f.name }
func (f *fakeStrategy) Available() bool      { return f.available }
func (f *fakeStrategy) Extract(_ context.Context, _ *extract.Document) (*extract.StrategyResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func nativeClassification() *classify.Result {
	return &classify.Result{Kind: classify.KindNative, Confidence: 0.95, HasText: true}
}

func scannedClassification() *classify.Result {
	return &classify.Result{Kind: classify.KindScanned, ScanQuality: classify.QualityGood, Confidence: 0.8, HasText: true}
}

func goodResult(method extract.Method, confidence float64) *extract.StrategyResult {
	return &extract.StrategyResult{
		Method: method,
		Transactions: []extract.RawTransaction{
			{Date: "01/02/2024", Description: "PAYROLL", Amount: dec("500.00"), Type: extract.TypeCredit, Confidence: confidence},
			{Date: "01/03/2024", Description: "RENT", Amount: dec("200.00"), Type: extract.TypeDebit, Confidence: confidence},
		},
		OpeningBalance: dec("1000.00"),
		ClosingBalance: dec("1300.00"),
		Confidence:     confidence,
	}
}

func newOrchestrator(classifier Classifier, opts Options, strategies ...extract.Strategy) *Orchestrator {
	return NewOrchestrator(classifier, strategies, reconcile.NewEngine(slog.Default()), opts, nil, slog.Default())
}

func TestProcessNativeUsesLayout(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.9)}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: false}

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, DefaultOptions(), layout, ocr)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, extract.MethodLayoutText, outcome.Method)
	assert.Equal(t, 1, layout.calls)
	assert.Equal(t, 0, ocr.calls)
	assert.Len(t, outcome.Transactions, 2)
	assert.True(t, outcome.Reconciliation.IsReconciled)
	assert.NotEmpty(t, outcome.RunID)
}

func TestProcessPrefersVisionWhenAvailable(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.9)}
	vision := &fakeStrategy{name: extract.MethodVision, available: true, result: goodResult(extract.MethodVision, 0.9)}

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, DefaultOptions(), layout, vision)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.Equal(t, extract.MethodVision, outcome.Method)
	assert.Equal(t, 0, layout.calls)
	assert.Equal(t, 1, vision.calls)
}

func TestProcessScannedUsesOCR(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.9)}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: true, result: goodResult(extract.MethodOCR, 0.9)}

	orch := newOrchestrator(&fakeClassifier{result: scannedClassification()}, DefaultOptions(), layout, ocr)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.Equal(t, extract.MethodOCR, outcome.Method)
	assert.Equal(t, 0, layout.calls)
}

func TestProcessForcedStrategy(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.9)}
	vision := &fakeStrategy{name: extract.MethodVision, available: true, result: goodResult(extract.MethodVision, 0.9)}

	opts := DefaultOptions()
	opts.ForcedStrategy = extract.MethodLayoutText

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, opts, layout, vision)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.Equal(t, extract.MethodLayoutText, outcome.Method)
	assert.Equal(t, 0, vision.calls)
}

func TestProcessEscalatesOnLowConfidence(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.4)}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: true, result: goodResult(extract.MethodOCR, 0.9)}

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, DefaultOptions(), layout, ocr)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, layout.calls)
	assert.Equal(t, 1, ocr.calls)
	// Escalation occurred, so the outcome carries the composite tag.
	assert.Equal(t, extract.MethodHybrid, outcome.Method)
	assert.InDelta(t, 0.9, outcome.OverallConfidence, 0.001)
	require.Len(t, outcome.Attempts, 2)
	assert.Equal(t, extract.MethodLayoutText, outcome.Attempts[0].Strategy)
	assert.Equal(t, extract.MethodOCR, outcome.Attempts[1].Strategy)
}

func TestProcessEscalatesOnReconciliationMismatch(t *testing.T) {
	bad := goodResult(extract.MethodLayoutText, 0.95)
	bad.ClosingBalance = dec("9999.00") // will not reconcile

	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: bad}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: true, result: goodResult(extract.MethodOCR, 0.8)}

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, DefaultOptions(), layout, ocr)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.Equal(t, 1, ocr.calls)
	assert.True(t, outcome.Reconciliation.IsReconciled)
	assert.Equal(t, extract.MethodHybrid, outcome.Method)
}

// A weaker escalation result must not replace a better earlier one.
func TestProcessMergeKeepsBetterResult(t *testing.T) {
	mismatch := goodResult(extract.MethodLayoutText, 0.6)
	mismatch.ClosingBalance = dec("9999.00")

	worse := goodResult(extract.MethodOCR, 0.3)
	worse.ClosingBalance = dec("8888.00")

	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: mismatch}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: true, result: worse}

	opts := DefaultOptions()
	opts.MaxEscalations = 1

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, opts, layout, ocr)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.InDelta(t, 0.6, outcome.OverallConfidence, 0.001)
	assert.NotEmpty(t, outcome.Warnings, "rejected escalation must leave a warning")
}

// Two forced failing strategies must each leave a distinct, attributable
// message in the final errors list.
func TestProcessErrorPreservationAcrossAttempts(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, err: errors.New("text layer vanished")}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: true, err: errors.New("worker unreachable")}

	opts := DefaultOptions()
	opts.ForcedStrategy = extract.MethodLayoutText
	opts.MaxEscalations = 1

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, opts, layout, ocr)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, layout.calls)
	assert.Equal(t, 1, ocr.calls)

	joined := fmt.Sprint(outcome.Errors)
	assert.Contains(t, joined, "text layer vanished")
	assert.Contains(t, joined, "worker unreachable")
	assert.Contains(t, joined, string(extract.MethodLayoutText))
	assert.Contains(t, joined, string(extract.MethodOCR))
}

// Zero transactions from every strategy is a failure naming each one tried.
func TestProcessZeroTransactionsNamesStrategies(t *testing.T) {
	empty := &extract.StrategyResult{Method: extract.MethodLayoutText, Confidence: 0.9}
	emptyOCR := &extract.StrategyResult{Method: extract.MethodOCR, Confidence: 0.9}

	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: empty}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: true, result: emptyOCR}

	opts := DefaultOptions()
	opts.MaxEscalations = 1

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, opts, layout, ocr)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	joined := fmt.Sprint(outcome.Errors)
	assert.Contains(t, joined, "no_transactions_extracted")
	assert.Contains(t, joined, string(extract.MethodLayoutText))
	assert.Contains(t, joined, string(extract.MethodOCR))
}

func TestProcessAttemptCap(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, err: errors.New("fail")}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: true, err: errors.New("fail")}
	vision := &fakeStrategy{name: extract.MethodVision, available: true, err: errors.New("fail")}

	opts := DefaultOptions()
	opts.ForcedStrategy = extract.MethodLayoutText
	opts.MaxEscalations = 1 // two attempts total

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, opts, layout, ocr, vision)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.Len(t, outcome.Attempts, 2)
	assert.Equal(t, 0, vision.calls, "third strategy exceeds the attempt cap")
}

type cancellingStrategy struct {
	fakeStrategy
	cancel context.CancelFunc
}

func (c *cancellingStrategy) Extract(ctx context.Context, doc *extract.Document) (*extract.StrategyResult, error) {
	c.cancel()
	return c.fakeStrategy.Extract(ctx, doc)
}

// Cancellation mid-run surfaces as the returned error, alongside the partial
// outcome accumulated so far.
func TestProcessContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout := &cancellingStrategy{
		fakeStrategy: fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.9)},
		cancel:       cancel,
	}

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, DefaultOptions(), layout)
	outcome, err := orch.Process(ctx, []byte("%PDF-"))

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, outcome)
	assert.Len(t, outcome.Attempts, 1)
	assert.Equal(t, 1, layout.calls)
}

func TestProcessUnreadableDocument(t *testing.T) {
	classifier := &fakeClassifier{err: fmt.Errorf("%w: not a PDF", classify.ErrUnreadableDocument)}

	orch := newOrchestrator(classifier, DefaultOptions(),
		&fakeStrategy{name: extract.MethodLayoutText, available: true})
	outcome, err := orch.Process(context.Background(), []byte("not a pdf"))

	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Errors)
	assert.Contains(t, outcome.Errors[0], "unreadable_document")
}

func TestProcessSkipsUnavailableStrategies(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.4)}
	ocr := &fakeStrategy{name: extract.MethodOCR, available: false}
	vision := &fakeStrategy{name: extract.MethodVision, available: true, result: goodResult(extract.MethodVision, 0.9)}

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, Options{
		ConfidenceThreshold: 0.7,
		MaxEscalations:      2,
	}, layout, ocr, vision)

	// Vision goes first (available), so force layout to exercise escalation
	// past the unavailable OCR strategy.
	orch.opts.ForcedStrategy = extract.MethodLayoutText
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.Equal(t, 0, ocr.calls)
	assert.Equal(t, 1, vision.calls)
	assert.True(t, outcome.Success)
}

func TestProcessSkipReconciliation(t *testing.T) {
	layout := &fakeStrategy{name: extract.MethodLayoutText, available: true, result: goodResult(extract.MethodLayoutText, 0.9)}

	opts := DefaultOptions()
	opts.SkipReconciliation = true

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, opts, layout)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, reconcile.StatusUnknown, outcome.Reconciliation.Status)
}

func TestProcessMultiAccountFlattened(t *testing.T) {
	vision := &fakeStrategy{name: extract.MethodVision, available: true, result: &extract.StrategyResult{
		Method:     extract.MethodVision,
		Confidence: 0.9,
		Accounts: []extract.AccountSection{
			{
				Name:           "Checking",
				OpeningBalance: dec("100.00"),
				ClosingBalance: dec("150.00"),
				Transactions: []extract.RawTransaction{
					{Date: "01/02/2024", Description: "A", Amount: dec("50.00"), Type: extract.TypeCredit, Confidence: 0.9},
				},
			},
			{
				Name:           "Savings",
				OpeningBalance: dec("1000.00"),
				ClosingBalance: dec("1000.00"),
			},
		},
	}}

	orch := newOrchestrator(&fakeClassifier{result: nativeClassification()}, DefaultOptions(), vision)
	outcome, err := orch.Process(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)

	require.Len(t, outcome.Transactions, 1)
	assert.Contains(t, outcome.Transactions[0].Description, "[Checking]")
	require.NotNil(t, outcome.OpeningBalance)
	assert.True(t, outcome.OpeningBalance.Equal(decimal.RequireFromString("1100.00")))
	assert.True(t, outcome.Reconciliation.IsReconciled)
}

func TestMergeDecision(t *testing.T) {
	reconciled := &attempt{confidence: 0.6, verdict: reconcile.Verdict{IsReconciled: true}}
	unreconciled := &attempt{confidence: 0.9, verdict: reconcile.Verdict{Status: reconcile.StatusMismatch}}

	replace, _ := mergeDecision(nil, unreconciled)
	assert.True(t, replace, "first candidate always lands")

	replace, _ = mergeDecision(unreconciled, reconciled)
	assert.True(t, replace, "reconciled beats higher confidence")

	replace, note := mergeDecision(reconciled, unreconciled)
	assert.False(t, replace, "unreconciled never displaces reconciled")
	assert.NotEmpty(t, note)

	lower := &attempt{confidence: 0.5, verdict: reconcile.Verdict{Status: reconcile.StatusMismatch}}
	replace, note = mergeDecision(unreconciled, lower)
	assert.False(t, replace)
	assert.NotEmpty(t, note)
}
