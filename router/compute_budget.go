package router

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/execution-router/metrics"
	"go.uber.org/zap"
)

const (
	ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"

	MinComputeUnits      uint32  = 200
	MaxComputeUnits      uint32  = 1_400_000
	FallbackComputeUnits uint32  = 200_000
	DefaultBudgetBuffer  float64 = 0.1

	setComputeUnitLimitTag byte = 0x02
	setComputeUnitPriceTag byte = 0x03

	defaultSimulateTimeout = 5 * time.Second
)

var ErrUnknownEndpoint = errors.New("unknown endpoint")

// ClientResolver finds the node client for an endpoint url
type ClientResolver interface {
	Client(url string) (NodeClient, bool)
}

type EstimatorConfig struct {
	SimulateTimeout time.Duration
}

type ComputeBudgetEstimator struct {
	log     *zap.Logger
	cfg     EstimatorConfig
	clients ClientResolver
	fees    *FeeTracker
}

func NewComputeBudgetEstimator(log *zap.Logger, cfg EstimatorConfig, clients ClientResolver, fees *FeeTracker) *ComputeBudgetEstimator {
	if cfg.SimulateTimeout <= 0 {
		cfg.SimulateTimeout = defaultSimulateTimeout
	}
	return &ComputeBudgetEstimator{
		log:     log.Named("budget"),
		cfg:     cfg,
		clients: clients,
		fees:    fees,
	}
}

// Estimate simulates tx against the endpoint and recommends a compute budget and priority fee.
// It never fails: on simulation errors the fallback budget is returned with OK unset.
func (e *ComputeBudgetEstimator) Estimate(ctx context.Context, endpointURL string, tx *UnsignedTransaction, buffer float64) ComputeEstimate {
	if buffer < 0 {
		buffer = DefaultBudgetBuffer
	}
	est := ComputeEstimate{PriorityFee: DefaultPriorityFee}
	if e.fees != nil {
		e.fees.Refresh(ctx, endpointURL)
		est.PriorityFee = e.fees.PriorityFee()
	}

	units, err := e.simulate(ctx, endpointURL, tx)
	if err != nil {
		metrics.IncBudgetSimulationFailed()
		e.log.Warn("Simulation failed, using fallback budget", zap.String("endpoint", endpointURL), zap.Error(err))
		est.BudgetUnits = FallbackComputeUnits
		est.FailureReason = err.Error()
		return est
	}

	est.SimulatedUnits = units
	est.BudgetUnits = BudgetUnits(units, buffer)
	est.OK = true
	return est
}

func (e *ComputeBudgetEstimator) simulate(ctx context.Context, endpointURL string, tx *UnsignedTransaction) (uint64, error) {
	if tx == nil {
		return 0, ErrNilTransaction
	}
	client, ok := e.clients.Client(endpointURL)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointURL)
	}
	simCtx, cancel := context.WithTimeout(ctx, e.cfg.SimulateTimeout)
	defer cancel()
	return client.SimulateTransaction(simCtx, StripComputeBudget(tx))
}

// BudgetUnits returns ceil(units*(1+buffer)) clamped to [MinComputeUnits, MaxComputeUnits]
func BudgetUnits(units uint64, buffer float64) uint32 {
	// the epsilon keeps float noise like 110000.00000000001 from rounding up
	budget := math.Ceil(float64(units)*(1+buffer) - 1e-6)
	switch {
	case budget < float64(MinComputeUnits):
		return MinComputeUnits
	case budget > float64(MaxComputeUnits):
		return MaxComputeUnits
	}
	return uint32(budget)
}

// StripComputeBudget returns a copy of tx without compute-budget instructions
func StripComputeBudget(tx *UnsignedTransaction) *UnsignedTransaction {
	if tx == nil {
		return nil
	}
	out := tx.Copy()
	kept := out.Instructions[:0]
	for _, ix := range out.Instructions {
		if ix.ProgramID != ComputeBudgetProgramID {
			kept = append(kept, ix)
		}
	}
	out.Instructions = kept
	return out
}

// ApplyBudget returns a copy of tx with its compute-budget instructions replaced by the ones
// described by est. The price instruction is only added for successful estimates.
func ApplyBudget(tx *UnsignedTransaction, est ComputeEstimate) *UnsignedTransaction {
	if tx == nil {
		return nil
	}
	out := StripComputeBudget(tx)
	units := est.BudgetUnits
	if units == 0 {
		units = FallbackComputeUnits
	}
	prefix := []Instruction{SetComputeUnitLimit(units)}
	if est.OK && est.PriorityFee > 0 {
		prefix = append(prefix, SetComputeUnitPrice(est.PriorityFee))
	}
	out.Instructions = append(prefix, out.Instructions...)
	return out
}

func SetComputeUnitLimit(units uint32) Instruction {
	data := make(hexutil.Bytes, 5)
	data[0] = setComputeUnitLimitTag
	binary.LittleEndian.PutUint32(data[1:], units)
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: data}
}

func SetComputeUnitPrice(microLamports uint64) Instruction {
	data := make(hexutil.Bytes, 9)
	data[0] = setComputeUnitPriceTag
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: data}
}
