package router

import (
	"errors"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidOpportunity = errors.New("invalid opportunity")
	ErrNilTransaction     = errors.New("nil transaction")
)

// Endpoint is a network access point together with its latest measured quality.
type Endpoint struct {
	URL           string    `json:"url"`
	Name          string    `json:"name"`
	LatencyMs     int64     `json:"latencyMs"`
	Healthy       bool      `json:"healthy"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	// SuccessRate is an exponentially decayed probe success percentage in [0, 100]
	SuccessRate float64 `json:"successRate"`
}

type ProbeResult struct {
	URL     string
	Latency time.Duration
	OK      bool
	Err     error
}

type ComputeEstimate struct {
	SimulatedUnits uint64 `json:"simulatedUnits"`
	BudgetUnits    uint32 `json:"budgetUnits"`
	// PriorityFee is in micro-lamports per compute unit
	PriorityFee   uint64 `json:"priorityFee"`
	OK            bool   `json:"ok"`
	FailureReason string `json:"failureReason,omitempty"`
}

type FinancingProvider struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	URL      string             `json:"url"`
	Assets   []string           `json:"assets"`
	Capacity map[string]float64 `json:"capacity"`
	Active   bool               `json:"active"`
}

func (p *FinancingProvider) Supports(asset string) bool {
	for _, a := range p.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

type FinancingQuote struct {
	ProviderID         string        `json:"providerId"`
	ProviderName       string        `json:"providerName"`
	Asset              string        `json:"asset"`
	Amount             float64       `json:"amount"`
	Fee                float64       `json:"fee"`
	FeeRate            float64       `json:"feeRate"`
	EstimatedGas       float64       `json:"estimatedGas"`
	AvailableLiquidity float64       `json:"availableLiquidity"`
	EstimatedExecution time.Duration `json:"estimatedExecution"`
}

// Cost is the total price of taking the loan
func (q *FinancingQuote) Cost() float64 {
	return q.Fee + q.EstimatedGas
}

type LoanChain struct {
	Legs       []FinancingQuote `json:"legs"`
	TotalCost  float64          `json:"totalCost"`
	NetProfit  float64          `json:"netProfit"`
	Complexity float64          `json:"complexity"`
	Risk       float64          `json:"risk"`
	ScoreValue float64          `json:"score"`
}

func (c *LoanChain) Score() float64 {
	return c.ScoreValue
}

// Financing is what an execution borrowed: either a single quote or a chain, never both.
type Financing struct {
	Quote *FinancingQuote `json:"quote,omitempty"`
	Chain *LoanChain      `json:"chain,omitempty"`
}

func (f *Financing) Cost() float64 {
	switch {
	case f == nil:
		return 0
	case f.Chain != nil:
		return f.Chain.TotalCost
	case f.Quote != nil:
		return f.Quote.Cost()
	}
	return 0
}

// Copy returns a deep copy of the financing
func (f *Financing) Copy() *Financing {
	if f == nil {
		return nil
	}
	out := &Financing{}
	if f.Quote != nil {
		q := *f.Quote
		out.Quote = &q
	}
	if f.Chain != nil {
		c := *f.Chain
		c.Legs = slices.Clone(f.Chain.Legs)
		out.Chain = &c
	}
	return out
}

type BroadcastAttempt struct {
	Endpoint  string `json:"endpoint"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

type BroadcastResult struct {
	Success        bool               `json:"success"`
	Signatures     []string           `json:"signatures"`
	FirstSignature string             `json:"firstSignature,omitempty"`
	FirstEndpoint  string             `json:"firstEndpoint,omitempty"`
	Attempts       []BroadcastAttempt `json:"attempts"`
	Errors         []string           `json:"errors,omitempty"`
	Elapsed        time.Duration      `json:"elapsed"`
}

func (r *BroadcastResult) Copy() *BroadcastResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Signatures = slices.Clone(r.Signatures)
	out.Attempts = slices.Clone(r.Attempts)
	out.Errors = slices.Clone(r.Errors)
	return &out
}

type ConfirmationStatus string

const (
	ConfirmationConfirmed   ConfirmationStatus = "confirmed"
	ConfirmationFailed      ConfirmationStatus = "failed"
	ConfirmationUnconfirmed ConfirmationStatus = "unconfirmed"
)

type PriorityTier string

const (
	TierHigh   PriorityTier = "high"
	TierMedium PriorityTier = "medium"
	TierLow    PriorityTier = "low"
)

type PriorityBundle struct {
	ID              string              `json:"id"`
	Transactions    []SignedTransaction `json:"transactions"`
	Tip             uint64              `json:"tip"`
	EstimatedProfit float64             `json:"estimatedProfit"`
	Tier            PriorityTier        `json:"tier"`
	CreatedAt       time.Time           `json:"createdAt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
}

type BundleMode string

const (
	BundleModeRelay    BundleMode = "relay"
	BundleModeFallback BundleMode = "fallback"
)

type BundleResult struct {
	BundleID      string            `json:"bundleId"`
	Success       bool              `json:"success"`
	Mode          BundleMode        `json:"mode,omitempty"`
	RelayBundleID string            `json:"relayBundleId,omitempty"`
	Broadcasts    []BroadcastResult `json:"broadcasts,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (r *BundleResult) Copy() *BundleResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Broadcasts != nil {
		out.Broadcasts = make([]BroadcastResult, len(r.Broadcasts))
		for i := range r.Broadcasts {
			out.Broadcasts[i] = *r.Broadcasts[i].Copy()
		}
	}
	return &out
}

type Opportunity struct {
	ID                string    `json:"id"`
	Asset             string    `json:"asset"`
	Amount            float64   `json:"amount"`
	EstimatedProfit   float64   `json:"estimatedProfit"`
	ExpiresAt         time.Time `json:"expiresAt"`
	RequiresFinancing bool      `json:"requiresFinancing"`
	// Priority routes the execution through the bundle coordinator when one is configured
	Priority bool   `json:"priority"`
	Tip      uint64 `json:"tip"`
}

func (o *Opportunity) Validate() error {
	if o.ID == "" || o.Asset == "" || o.Amount <= 0 || o.ExpiresAt.IsZero() {
		return ErrInvalidOpportunity
	}
	return nil
}

func (o *Opportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

type Stage string

const (
	StageReceived         Stage = "received"
	StageEndpointSelected Stage = "endpoint_selected"
	StageBudgetEstimated  Stage = "budget_estimated"
	StageFinancingQuoted  Stage = "financing_quoted"
	StageSubmitted        Stage = "submitted"
	StageConfirmed        Stage = "confirmed"
	StageUnconfirmed      Stage = "unconfirmed"
	StageFailed           Stage = "failed"
)

// Failure stages tag which step aborted an execution.
const (
	FailureReceived          = "received"
	FailureEndpointSelection = "endpoint_selection"
	FailureBuild             = "build"
	FailureBudgetEstimation  = "budget_estimation"
	FailureFinancing         = "financing"
	FailureSigning           = "signing"
	FailureBroadcast         = "broadcast"
	FailureBundle            = "bundle"
)

type ExecutionResult struct {
	ID              string            `json:"id"`
	OpportunityID   string            `json:"opportunityId"`
	Success         bool              `json:"success"`
	Status          Stage             `json:"status"`
	FailedStage     string            `json:"failedStage,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Financing       *Financing        `json:"financing,omitempty"`
	Endpoint        string            `json:"endpoint,omitempty"`
	Estimates       []ComputeEstimate `json:"estimates,omitempty"`
	Broadcast       *BroadcastResult  `json:"broadcast,omitempty"`
	Bundle          *BundleResult     `json:"bundle,omitempty"`
	RealizedOutcome float64           `json:"realizedOutcome"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Copy returns a deep copy, results handed out never share memory with the ledger
func (r *ExecutionResult) Copy() ExecutionResult {
	out := *r
	out.Financing = r.Financing.Copy()
	out.Estimates = slices.Clone(r.Estimates)
	out.Broadcast = r.Broadcast.Copy()
	out.Bundle = r.Bundle.Copy()
	return out
}

type ExecutionStats struct {
	Total           int     `json:"total"`
	Successful      int     `json:"successful"`
	SuccessRate     float64 `json:"successRate"`
	TotalOutcome    float64 `json:"totalOutcome"`
	AvgOutcome      float64 `json:"avgOutcome"`
	AvgSuccessValue float64 `json:"avgSuccessOutcome"`
}

type Instruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []string      `json:"accounts"`
	Data      hexutil.Bytes `json:"data"`
}

type UnsignedTransaction struct {
	FeePayer        string        `json:"feePayer"`
	RecentBlockhash string        `json:"recentBlockhash"`
	Instructions    []Instruction `json:"instructions"`
}

// Copy returns a deep copy of the transaction
func (tx *UnsignedTransaction) Copy() *UnsignedTransaction {
	out := &UnsignedTransaction{
		FeePayer:        tx.FeePayer,
		RecentBlockhash: tx.RecentBlockhash,
		Instructions:    make([]Instruction, len(tx.Instructions)),
	}
	for i, ix := range tx.Instructions {
		out.Instructions[i] = Instruction{
			ProgramID: ix.ProgramID,
			Accounts:  append([]string(nil), ix.Accounts...),
			Data:      append(hexutil.Bytes(nil), ix.Data...),
		}
	}
	return out
}

type SignedTransaction struct {
	Signature string        `json:"signature"`
	Raw       hexutil.Bytes `json:"raw"`
}
