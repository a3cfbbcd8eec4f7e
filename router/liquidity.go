package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/flashbots/execution-router/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidProvider = errors.New("invalid provider")
	ErrProviderExists  = errors.New("provider already registered")

	defaultQuoteTimeout      = 3 * time.Second
	defaultPingTimeout       = 3 * time.Second
	defaultHealthConcurrency = 8
	defaultMaxChainLegs      = 3
)

// ChainPolicy holds the tunable constants used to score loan chains
type ChainPolicy struct {
	// CollateralRatio discounts the amount carried to the next leg
	CollateralRatio float64
	// RevenueRate is expected revenue per unit of the target amount when the caller does not supply one
	RevenueRate      float64
	ComplexityPerLeg float64
	ComplexityWeight float64
	RiskWeight       float64
	RotationAssets   []string
}

func DefaultChainPolicy() ChainPolicy {
	return ChainPolicy{
		CollateralRatio:  0.8,
		RevenueRate:      0.01,
		ComplexityPerLeg: 10,
		ComplexityWeight: 0.1,
		RiskWeight:       0.05,
		RotationAssets:   []string{"SOL", "USDC", "USDT"},
	}
}

type AggregatorConfig struct {
	QuoteTimeout      time.Duration
	PingTimeout       time.Duration
	HealthConcurrency int
	Policy            ChainPolicy
}

type FinancingBackendFactory func(p FinancingProvider) FinancingBackend

type providerEntry struct {
	provider FinancingProvider
	backend  FinancingBackend
}

type LiquidityAggregator struct {
	log        *zap.Logger
	cfg        AggregatorConfig
	newBackend FinancingBackendFactory

	mu        sync.RWMutex
	providers map[string]*providerEntry
}

func NewLiquidityAggregator(log *zap.Logger, cfg AggregatorConfig, newBackend FinancingBackendFactory) *LiquidityAggregator {
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = defaultQuoteTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.HealthConcurrency <= 0 {
		cfg.HealthConcurrency = defaultHealthConcurrency
	}
	if cfg.Policy.CollateralRatio == 0 {
		cfg.Policy = DefaultChainPolicy()
	}
	if newBackend == nil {
		newBackend = func(p FinancingProvider) FinancingBackend { return NewJSONRPCProvider(p) }
	}
	return &LiquidityAggregator{
		log:        log.Named("liquidity"),
		cfg:        cfg,
		newBackend: newBackend,
		providers:  make(map[string]*providerEntry),
	}
}

func (a *LiquidityAggregator) RegisterProvider(p FinancingProvider) error {
	if p.ID == "" {
		return ErrInvalidProvider
	}
	p = copyProvider(p)
	backend := a.newBackend(p)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.providers[p.ID]; ok {
		return ErrProviderExists
	}
	a.providers[p.ID] = &providerEntry{provider: p, backend: backend}
	a.log.Info("Provider registered", zap.String("provider", p.ID), zap.Strings("assets", p.Assets))
	return nil
}

func (a *LiquidityAggregator) DeregisterProvider(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.providers[id]; !ok {
		return false
	}
	delete(a.providers, id)
	a.log.Info("Provider deregistered", zap.String("provider", id))
	return true
}

// Providers returns a snapshot of the registry ordered by id
func (a *LiquidityAggregator) Providers() []FinancingProvider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]FinancingProvider, 0, len(a.providers))
	for _, e := range a.providers {
		out = append(out, copyProvider(e.provider))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyProvider(p FinancingProvider) FinancingProvider {
	p.Assets = append([]string(nil), p.Assets...)
	capacity := make(map[string]float64, len(p.Capacity))
	for k, v := range p.Capacity {
		capacity[k] = v
	}
	p.Capacity = capacity
	return p
}

type eligibleProvider struct {
	provider FinancingProvider
	capacity float64
	backend  FinancingBackend
}

func (a *LiquidityAggregator) eligible(asset string, amount float64) []eligibleProvider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]eligibleProvider, 0, len(a.providers))
	for _, e := range a.providers {
		if !e.provider.Active || !e.provider.Supports(asset) {
			continue
		}
		capacity := e.provider.Capacity[asset]
		if capacity < amount {
			continue
		}
		out = append(out, eligibleProvider{provider: e.provider, capacity: capacity, backend: e.backend})
	}
	return out
}

// BestQuote asks every eligible provider concurrently and returns the quote with the lowest
// fee plus gas. It returns nil when no provider can serve the request.
func (a *LiquidityAggregator) BestQuote(ctx context.Context, asset string, amount float64) *FinancingQuote {
	if amount <= 0 {
		return nil
	}
	candidates := a.eligible(asset, amount)
	if len(candidates) == 0 {
		a.log.Debug("No provider can serve request", zap.String("asset", asset), zap.Float64("amount", amount))
		return nil
	}

	quotes := make([]*FinancingQuote, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c eligibleProvider) {
			defer wg.Done()
			quoteCtx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
			defer cancel()

			q, err := c.backend.Quote(quoteCtx, asset, amount)
			if err == nil && quoteCtx.Err() != nil {
				err = quoteCtx.Err()
			}
			if err != nil || q == nil {
				metrics.IncFinancingQuoteFailed()
				a.log.Debug("Provider quote failed", zap.String("provider", c.provider.ID), zap.Error(err))
				return
			}
			if q.Amount < amount {
				metrics.IncFinancingQuoteFailed()
				a.log.Debug("Provider quoted less than requested, ignoring", zap.String("provider", c.provider.ID),
					zap.Float64("amount", q.Amount), zap.Float64("requested", amount))
				return
			}
			if q.Amount > c.capacity {
				metrics.IncFinancingQuoteFailed()
				a.log.Warn("Provider quoted above its capacity, ignoring", zap.String("provider", c.provider.ID),
					zap.Float64("amount", q.Amount), zap.Float64("capacity", c.capacity))
				return
			}
			metrics.IncFinancingQuoteOK()
			quote := *q
			quote.ProviderID = c.provider.ID
			if quote.ProviderName == "" {
				quote.ProviderName = c.provider.Name
			}
			quotes[i] = &quote
		}(i, c)
	}
	wg.Wait()

	var best *FinancingQuote
	for _, q := range quotes {
		if q == nil {
			continue
		}
		if best == nil || q.Cost() < best.Cost() || (q.Cost() == best.Cost() && q.ProviderID < best.ProviderID) {
			best = q
		}
	}
	return best
}

// BestChain builds chains of 1..maxLegs legs and returns the one with the best score. Revenue is
// the target amount at the policy revenue rate.
func (a *LiquidityAggregator) BestChain(ctx context.Context, asset string, amount float64, maxLegs int) *LoanChain {
	return bestOf(a.buildChains(ctx, asset, amount, maxLegs, amount*a.cfg.Policy.RevenueRate))
}

// BestChainForProfit is BestChain with the expected profit of the trade as revenue. The profit
// does not grow with the amount borrowed, so extra legs only pay off by covering liquidity the
// first quote is short of.
func (a *LiquidityAggregator) BestChainForProfit(ctx context.Context, asset string, amount, expectedProfit float64, maxLegs int) *LoanChain {
	return bestOf(a.buildChains(ctx, asset, amount, maxLegs, expectedProfit))
}

// Financing picks between the best single quote and the best multi-leg chain. The chain is only
// used when its score is strictly better. Nil means nothing could finance the trade.
func (a *LiquidityAggregator) Financing(ctx context.Context, asset string, amount, expectedProfit float64, maxLegs int) *Financing {
	best := a.BestChainForProfit(ctx, asset, amount, expectedProfit, maxLegs)
	if best == nil {
		return nil
	}
	// ties keep the shorter chain, so a longer winner is strictly better than its first leg alone
	quote := best.Legs[0]
	if len(best.Legs) > 1 {
		metrics.IncFinancingChainUsed()
		a.log.Info("Using loan chain", zap.Int("legs", len(best.Legs)),
			zap.Float64("chain_score", best.Score()), zap.Float64("single_score", a.ScoreQuote(&quote, expectedProfit)))
		return &Financing{Chain: best}
	}
	return &Financing{Quote: &quote}
}

// ScoreQuote scores a single quote the same way a one-leg chain is scored
func (a *LiquidityAggregator) ScoreQuote(q *FinancingQuote, expectedProfit float64) float64 {
	if q == nil {
		return 0
	}
	return a.scoreChain([]FinancingQuote{*q}, expectedProfit).Score()
}

// buildChains returns the candidate chains in order of length. Every chain is a prefix of the
// next one since the asset rotation is deterministic, so a failed leg ends the search.
func (a *LiquidityAggregator) buildChains(ctx context.Context, asset string, amount float64, maxLegs int, revenue float64) []*LoanChain {
	if maxLegs <= 0 {
		maxLegs = defaultMaxChainLegs
	}
	chains := make([]*LoanChain, 0, maxLegs)
	legs := make([]FinancingQuote, 0, maxLegs)
	used := map[string]bool{asset: true}
	currentAsset, currentAmount := asset, amount
	for i := 0; i < maxLegs; i++ {
		if ctx.Err() != nil {
			break
		}
		q := a.BestQuote(ctx, currentAsset, currentAmount)
		if q == nil {
			a.log.Debug("Chain abandoned", zap.Int("leg", i+1), zap.String("asset", currentAsset), zap.Float64("amount", currentAmount))
			break
		}
		legs = append(legs, *q)
		chains = append(chains, a.scoreChain(append([]FinancingQuote(nil), legs...), revenue))

		currentAsset = a.nextAsset(currentAsset, used)
		used[currentAsset] = true
		currentAmount *= a.cfg.Policy.CollateralRatio
	}
	return chains
}

func (a *LiquidityAggregator) nextAsset(current string, used map[string]bool) string {
	for _, asset := range a.cfg.Policy.RotationAssets {
		if asset != current && !used[asset] {
			return asset
		}
	}
	return current
}

// scoreChain prices a chain against a fixed revenue. Risk is the part of the request the legs
// together cannot cover, each leg contributing its availableLiquidity/amount ratio.
func (a *LiquidityAggregator) scoreChain(legs []FinancingQuote, revenue float64) *LoanChain {
	p := a.cfg.Policy
	chain := &LoanChain{Legs: legs}
	var coverage float64
	for _, leg := range legs {
		chain.TotalCost += leg.Cost()
		if leg.Amount > 0 {
			coverage += leg.AvailableLiquidity / leg.Amount
		}
	}
	if coverage < 1 {
		chain.Risk = 1 - coverage
	}
	chain.NetProfit = revenue - chain.TotalCost
	chain.Complexity = float64(len(legs)) * p.ComplexityPerLeg
	chain.ScoreValue = chain.NetProfit - chain.Complexity*p.ComplexityWeight - chain.Risk*p.RiskWeight
	return chain
}

// bestOf keeps the first chain on ties, chains are ordered by length
func bestOf(chains []*LoanChain) *LoanChain {
	var best *LoanChain
	for _, c := range chains {
		if best == nil || c.Score() > best.Score() {
			best = c
		}
	}
	return best
}

// HealthCheck pings every provider concurrently and flips Active accordingly. Failures are not returned.
func (a *LiquidityAggregator) HealthCheck(ctx context.Context) {
	a.mu.RLock()
	entries := make([]providerEntry, 0, len(a.providers))
	for _, e := range a.providers {
		entries = append(entries, *e)
	}
	a.mu.RUnlock()

	active := make([]bool, len(entries))
	g := new(errgroup.Group)
	g.SetLimit(a.cfg.HealthConcurrency)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, a.cfg.PingTimeout)
			defer cancel()
			err := e.backend.Ping(pingCtx)
			if err != nil {
				a.log.Warn("Provider health check failed", zap.String("provider", e.provider.ID), zap.Error(err))
			}
			active[i] = err == nil
			return nil
		})
	}
	_ = g.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range entries {
		current, ok := a.providers[e.provider.ID]
		if !ok {
			continue
		}
		if current.provider.Active != active[i] {
			a.log.Info("Provider status changed", zap.String("provider", e.provider.ID), zap.Bool("active", active[i]))
		}
		current.provider.Active = active[i]
	}
}
