package router

import (
	"context"
	"errors"
	"time"

	"github.com/flashbots/execution-router/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ExecuteEndpointName   = "router_execute"
	EndpointsEndpointName = "router_endpoints"
	ProvidersEndpointName = "router_providers"
	LedgerEndpointName    = "router_ledger"
	StatsEndpointName     = "router_stats"
	HealthEndpointName    = "router_health"
)

var ErrRateLimited = errors.New("rate limited")

type Executor interface {
	Execute(ctx context.Context, opp Opportunity) (ExecutionResult, error)
	Ledger() []ExecutionResult
	Stats() ExecutionStats
}

type EndpointStats interface {
	Stats() []Endpoint
	Degraded() bool
}

// HealthStatus is what the dashboard needs to decide on a degraded banner
type HealthStatus struct {
	Degraded         bool `json:"degraded"`
	HealthyEndpoints int  `json:"healthyEndpoints"`
	TotalEndpoints   int  `json:"totalEndpoints"`
	ActiveProviders  int  `json:"activeProviders"`
	TotalProviders   int  `json:"totalProviders"`
}

type ProviderRegistry interface {
	Providers() []FinancingProvider
}

// API exposes execution and read-only views of the router state over JSON-RPC
type API struct {
	log *zap.Logger

	executor    Executor
	endpoints   EndpointStats
	providers   ProviderRegistry
	rateLimiter *rate.Limiter
}

func NewAPI(log *zap.Logger, executor Executor, endpoints EndpointStats, providers ProviderRegistry, executeRateLimit rate.Limit) *API {
	return &API{
		log:         log.Named("api"),
		executor:    executor,
		endpoints:   endpoints,
		providers:   providers,
		rateLimiter: rate.NewLimiter(executeRateLimit, 1),
	}
}

// Methods maps JSON-RPC method names to handlers
func (m *API) Methods() map[string]interface{} {
	return map[string]interface{}{
		ExecuteEndpointName:   m.Execute,
		EndpointsEndpointName: m.Endpoints,
		ProvidersEndpointName: m.Providers,
		LedgerEndpointName:    m.Ledger,
		StatsEndpointName:     m.Stats,
		HealthEndpointName:    m.Health,
	}
}

func (m *API) Execute(ctx context.Context, opp Opportunity) (_ ExecutionResult, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(ExecuteEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(ExecuteEndpointName)
		}
	}()

	if !m.rateLimiter.Allow() {
		return ExecutionResult{}, ErrRateLimited
	}
	res, err := m.executor.Execute(ctx, opp)
	if err != nil {
		m.log.Warn("Rejected opportunity", zap.String("opportunity", opp.ID), zap.Error(err))
		return ExecutionResult{}, err
	}
	return res, nil
}

func (m *API) Endpoints(ctx context.Context) ([]Endpoint, error) {
	return m.endpoints.Stats(), nil
}

func (m *API) Providers(ctx context.Context) ([]FinancingProvider, error) {
	return m.providers.Providers(), nil
}

// Ledger returns the most recent results, newest first. limit <= 0 returns all retained results.
func (m *API) Ledger(ctx context.Context, limit int) ([]ExecutionResult, error) {
	results := m.executor.Ledger()
	out := make([]ExecutionResult, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, results[i])
	}
	return out, nil
}

func (m *API) Stats(ctx context.Context) (ExecutionStats, error) {
	return m.executor.Stats(), nil
}

// Health reports the router as degraded when no endpoint is healthy or the last endpoint
// selection had to fall back to an unhealthy one.
func (m *API) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	endpoints := m.endpoints.Stats()
	status.TotalEndpoints = len(endpoints)
	for _, e := range endpoints {
		if e.Healthy {
			status.HealthyEndpoints++
		}
	}
	providers := m.providers.Providers()
	status.TotalProviders = len(providers)
	for _, p := range providers {
		if p.Active {
			status.ActiveProviders++
		}
	}
	status.Degraded = m.endpoints.Degraded() || status.HealthyEndpoints == 0
	return status, nil
}
