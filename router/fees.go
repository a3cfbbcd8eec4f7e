package router

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/flashbots/execution-router/spike"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	// DefaultPriorityFee is used when no fee samples have been observed, micro-lamports per CU
	DefaultPriorityFee    uint64  = 5
	defaultFeePercentile  float64 = 75
	defaultFeeWindow              = 2 * time.Minute
	defaultFeeRefresh             = 2 * time.Second
	maxFeeSamples                 = 20
	feeSampleCleanupEvery         = time.Minute
)

type FeeTrackerConfig struct {
	// Percentile of recent fees to recommend, 0..100
	Percentile float64
	// Window is how long an observed slot fee stays in the sample set
	Window time.Duration
	// Refresh is how long fetched fees for one endpoint are reused before asking again
	Refresh time.Duration
}

// FeeTracker keeps a rolling window of recently observed priority fees keyed by slot.
type FeeTracker struct {
	log     *zap.Logger
	cfg     FeeTrackerConfig
	samples *gocache.Cache
	fetches *spike.Manager[[]PrioritizationFee]
}

func NewFeeTracker(log *zap.Logger, cfg FeeTrackerConfig, clients ClientResolver) *FeeTracker {
	if cfg.Percentile <= 0 || cfg.Percentile > 100 {
		cfg.Percentile = defaultFeePercentile
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultFeeWindow
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultFeeRefresh
	}
	t := &FeeTracker{
		log:     log.Named("fees"),
		cfg:     cfg,
		samples: gocache.New(cfg.Window, feeSampleCleanupEvery),
	}
	t.fetches = spike.NewManager(func(ctx context.Context, url string) ([]PrioritizationFee, error) {
		client, ok := clients.Client(url)
		if !ok {
			return nil, ErrUnknownEndpoint
		}
		return client.RecentPrioritizationFees(ctx)
	}, cfg.Refresh)
	return t
}

// Observe records fee samples. A later sample for the same slot replaces the earlier one.
func (t *FeeTracker) Observe(fees ...PrioritizationFee) {
	for _, f := range fees {
		t.samples.Set(strconv.FormatUint(f.Slot, 10), f, gocache.DefaultExpiration)
	}
}

// Refresh pulls recent fees from the endpoint. Concurrent refreshes of one endpoint share a request.
func (t *FeeTracker) Refresh(ctx context.Context, endpointURL string) {
	fees, err := t.fetches.GetResult(ctx, endpointURL)
	if err != nil {
		t.log.Debug("Failed to fetch prioritization fees", zap.String("endpoint", endpointURL), zap.Error(err))
		return
	}
	t.Observe(fees...)
}

// PriorityFee returns the configured percentile over the most recent samples
func (t *FeeTracker) PriorityFee() uint64 {
	items := t.samples.Items()
	if len(items) == 0 {
		return DefaultPriorityFee
	}
	samples := make([]PrioritizationFee, 0, len(items))
	for _, item := range items {
		//nolint:forcetypeassert
		samples = append(samples, item.Object.(PrioritizationFee))
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Slot > samples[j].Slot })
	if len(samples) > maxFeeSamples {
		samples = samples[:maxFeeSamples]
	}

	fees := make([]uint64, len(samples))
	for i, s := range samples {
		fees[i] = s.PrioritizationFee
	}
	return percentile(fees, t.cfg.Percentile)
}

// percentile sorts values in place and picks index floor(p/100*n), capped at the last element
func percentile(values []uint64, p float64) uint64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	idx := int(p / 100 * float64(len(values)))
	if idx >= len(values) {
		idx = len(values) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return values[idx]
}
