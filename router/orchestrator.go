package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flashbots/execution-router/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrOpportunityExpired = errors.New("opportunity expired")
	ErrNoEndpoints        = errors.New("no endpoints registered")
	ErrNoFinancing        = errors.New("no financing available")
	ErrEmptyBuild         = errors.New("builder returned no transactions")

	consumeResultTimeout = 5 * time.Second
	defaultChainMaxLegs  = 2
	lockGracePeriod      = 5 * time.Second
)

type EndpointSelector interface {
	BestEndpoint() (Endpoint, bool)
}

type BudgetEstimator interface {
	Estimate(ctx context.Context, endpointURL string, tx *UnsignedTransaction, buffer float64) ComputeEstimate
}

type FinancingSource interface {
	Financing(ctx context.Context, asset string, amount, expectedProfit float64, maxLegs int) *Financing
}

type Submitter interface {
	Broadcast(ctx context.Context, tx SignedTransaction, maxTargets int) BroadcastResult
	WaitForConfirmation(ctx context.Context, signature, endpointURL string, timeout time.Duration) ConfirmationStatus
}

type BundleSubmitter interface {
	CreateBundle(txs []SignedTransaction, tip uint64, estimatedProfit float64) (*PriorityBundle, error)
	SubmitBundle(ctx context.Context, bundle *PriorityBundle) BundleResult
}

// ExecutionLock keeps an opportunity from being executed twice at the same time
type ExecutionLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type OrchestratorConfig struct {
	ChainMaxLegs     int
	BudgetBuffer     float64
	BroadcastTargets int
	// ConfirmTimeout enables confirmation tracking when positive
	ConfirmTimeout time.Duration
	LedgerSize     int
}

// Components are the collaborators of the orchestrator. Bundles, Lock, Notifier and Store are optional.
type Components struct {
	Endpoints   EndpointSelector
	Estimator   BudgetEstimator
	Liquidity   FinancingSource
	Broadcaster Submitter
	Bundles     BundleSubmitter
	Builder     TransactionBuilder
	Signer      Signer
	Lock        ExecutionLock
	Notifier    ResultNotifier
	Store       ResultStore
}

type Orchestrator struct {
	log *zap.Logger
	cfg OrchestratorConfig
	c   Components

	ledger       *Ledger
	backgroundWg sync.WaitGroup
}

func NewOrchestrator(log *zap.Logger, cfg OrchestratorConfig, c Components) *Orchestrator {
	if cfg.ChainMaxLegs <= 0 {
		cfg.ChainMaxLegs = defaultChainMaxLegs
	}
	if cfg.BudgetBuffer <= 0 {
		cfg.BudgetBuffer = DefaultBudgetBuffer
	}
	return &Orchestrator{
		log:    log.Named("orchestrator"),
		cfg:    cfg,
		c:      c,
		ledger: NewLedger(cfg.LedgerSize),
	}
}

// Execute runs one opportunity through the pipeline and records the result in the ledger.
// Only a malformed opportunity is returned as an error, every other outcome is in the result.
func (o *Orchestrator) Execute(ctx context.Context, opp Opportunity) (ExecutionResult, error) {
	if err := opp.Validate(); err != nil {
		return ExecutionResult{}, err
	}
	startAt := time.Now()
	metrics.IncOpportunitiesReceived()

	res := &ExecutionResult{
		ID:            uuid.New().String(),
		OpportunityID: opp.ID,
		Status:        StageReceived,
	}
	logger := o.log.With(zap.String("opportunity", opp.ID), zap.String("execution", res.ID))
	o.execute(ctx, logger, opp, res)
	res.Timestamp = time.Now()

	metrics.RecordExecuteDuration(time.Since(startAt).Milliseconds())
	metrics.IncExecution(string(res.Status))
	if res.FailedStage != "" {
		metrics.IncExecutionFailure(res.FailedStage)
	}
	logger.Info("Execution finished",
		zap.Bool("success", res.Success), zap.String("status", string(res.Status)),
		zap.String("failed_stage", res.FailedStage), zap.String("reason", res.Reason),
		zap.Float64("outcome", res.RealizedOutcome), zap.Duration("duration", time.Since(startAt)),
	)

	o.ledger.Append(*res)
	o.publish(res.Copy())
	return res.Copy(), nil
}

func (o *Orchestrator) execute(ctx context.Context, logger *zap.Logger, opp Opportunity, res *ExecutionResult) {
	if opp.Expired(time.Now()) {
		fail(res, FailureReceived, ErrOpportunityExpired)
		return
	}
	if o.c.Lock != nil {
		unlock, err := o.c.Lock.Acquire(ctx, opp.ID, time.Until(opp.ExpiresAt)+lockGracePeriod)
		if err != nil {
			fail(res, FailureReceived, err)
			return
		}
		defer unlock()
	}

	endpoint, ok := o.c.Endpoints.BestEndpoint()
	if !ok {
		fail(res, FailureEndpointSelection, ErrNoEndpoints)
		return
	}
	res.Endpoint = endpoint.URL
	res.Status = StageEndpointSelected
	if !endpoint.Healthy {
		logger.Warn("Executing against unhealthy endpoint", zap.String("endpoint", endpoint.URL))
	}

	drafts, err := o.build(ctx, opp, nil)
	if err != nil {
		fail(res, FailureBuild, err)
		return
	}
	res.Estimates = o.estimate(ctx, endpoint.URL, drafts)
	if ctx.Err() != nil {
		fail(res, FailureBudgetEstimation, ctx.Err())
		return
	}
	res.Status = StageBudgetEstimated

	txs := drafts
	if opp.RequiresFinancing {
		financing := o.c.Liquidity.Financing(ctx, opp.Asset, opp.Amount, opp.EstimatedProfit, o.cfg.ChainMaxLegs)
		if financing == nil {
			fail(res, FailureFinancing, ErrNoFinancing)
			return
		}
		res.Financing = financing
		res.Status = StageFinancingQuoted

		txs, err = o.build(ctx, opp, financing)
		if err != nil {
			fail(res, FailureBuild, err)
			return
		}
		// loan instructions change what the transactions consume, the draft budget does not carry over
		res.Estimates = o.estimate(ctx, endpoint.URL, txs)
		if ctx.Err() != nil {
			fail(res, FailureBudgetEstimation, ctx.Err())
			return
		}
	}

	signed := make([]SignedTransaction, len(txs))
	for i, tx := range txs {
		signed[i], err = o.c.Signer.Sign(ctx, ApplyBudget(tx, res.Estimates[i]))
		if err != nil {
			fail(res, FailureSigning, err)
			return
		}
	}

	if opp.Expired(time.Now()) {
		fail(res, FailureReceived, fmt.Errorf("%w before submission", ErrOpportunityExpired))
		return
	}

	var signature, confirmEndpoint string
	if opp.Priority && o.c.Bundles != nil {
		signature, confirmEndpoint = o.submitBundle(ctx, opp, signed, res)
	} else {
		signature, confirmEndpoint = o.submitBroadcast(ctx, signed, res)
	}
	if res.FailedStage != "" {
		// submission was attempted, financing costs may already be spent
		res.RealizedOutcome = -res.Financing.Cost()
		return
	}
	res.Success = true
	res.Status = StageSubmitted
	res.RealizedOutcome = opp.EstimatedProfit - res.Financing.Cost()

	if o.cfg.ConfirmTimeout <= 0 || signature == "" {
		return
	}
	if confirmEndpoint == "" {
		confirmEndpoint = endpoint.URL
	}
	switch o.c.Broadcaster.WaitForConfirmation(ctx, signature, confirmEndpoint, o.cfg.ConfirmTimeout) {
	case ConfirmationConfirmed:
		res.Status = StageConfirmed
	case ConfirmationFailed:
		res.Success = false
		res.Status = StageFailed
		res.Reason = "transaction failed on chain"
		res.RealizedOutcome = -res.Financing.Cost()
	case ConfirmationUnconfirmed:
		res.Status = StageUnconfirmed
	}
}

func (o *Orchestrator) build(ctx context.Context, opp Opportunity, financing *Financing) ([]*UnsignedTransaction, error) {
	txs, err := o.c.Builder.Build(ctx, opp, financing)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ErrEmptyBuild
	}
	for _, tx := range txs {
		if tx == nil {
			return nil, ErrNilTransaction
		}
	}
	return txs, nil
}

func (o *Orchestrator) estimate(ctx context.Context, endpointURL string, txs []*UnsignedTransaction) []ComputeEstimate {
	estimates := make([]ComputeEstimate, len(txs))
	for i, tx := range txs {
		estimates[i] = o.c.Estimator.Estimate(ctx, endpointURL, tx, o.cfg.BudgetBuffer)
	}
	return estimates
}

func (o *Orchestrator) submitBundle(ctx context.Context, opp Opportunity, signed []SignedTransaction, res *ExecutionResult) (string, string) {
	bundle, err := o.c.Bundles.CreateBundle(signed, opp.Tip, opp.EstimatedProfit)
	if err != nil {
		fail(res, FailureBundle, err)
		return "", ""
	}
	br := o.c.Bundles.SubmitBundle(ctx, bundle)
	res.Bundle = &br
	if !br.Success {
		fail(res, FailureBundle, errors.New(br.Error))
		return "", ""
	}
	var endpoint string
	if n := len(br.Broadcasts); n > 0 {
		endpoint = br.Broadcasts[n-1].FirstEndpoint
	}
	// the last transaction lands only if the ones before it did
	return signed[len(signed)-1].Signature, endpoint
}

// submitBroadcast sends the transactions one by one and stops at the first one nobody accepts
func (o *Orchestrator) submitBroadcast(ctx context.Context, signed []SignedTransaction, res *ExecutionResult) (string, string) {
	var br BroadcastResult
	for _, tx := range signed {
		br = o.c.Broadcaster.Broadcast(ctx, tx, o.cfg.BroadcastTargets)
		res.Broadcast = &br
		if !br.Success {
			fail(res, FailureBroadcast, errors.New(strings.Join(br.Errors, "; ")))
			return "", ""
		}
	}
	return br.FirstSignature, br.FirstEndpoint
}

func fail(res *ExecutionResult, stage string, err error) {
	res.Success = false
	res.Status = StageFailed
	res.FailedStage = stage
	res.Reason = err.Error()
}

func (o *Orchestrator) publish(result ExecutionResult) {
	if o.c.Notifier == nil && o.c.Store == nil {
		return
	}
	o.backgroundWg.Add(1)
	go func() {
		defer o.backgroundWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), consumeResultTimeout)
		defer cancel()
		if o.c.Notifier != nil {
			if err := o.c.Notifier.NotifyResult(ctx, &result); err != nil {
				o.log.Error("Failed to publish execution result", zap.String("execution", result.ID), zap.Error(err))
			}
		}
		if o.c.Store != nil {
			if err := o.c.Store.InsertResult(ctx, &result); err != nil {
				o.log.Error("Failed to store execution result", zap.String("execution", result.ID), zap.Error(err))
			}
		}
	}()
}

// Wait blocks until results handed to the notifier and store are consumed
func (o *Orchestrator) Wait() {
	o.backgroundWg.Wait()
}

func (o *Orchestrator) Ledger() []ExecutionResult {
	return o.ledger.Snapshot()
}

func (o *Orchestrator) Stats() ExecutionStats {
	return o.ledger.Stats()
}
