package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMonitor(cfg MonitorConfig, nodes map[string]*fakeNode, urls ...string) *EndpointMonitor {
	endpoints := make([]EndpointConfig, len(urls))
	for i, u := range urls {
		endpoints[i] = EndpointConfig{URL: u, Name: u}
	}
	return NewEndpointMonitor(zap.NewNop(), cfg, nodeFactory(nodes), endpoints)
}

func TestEndpointMonitor_ProbeAllIsolation(t *testing.T) {
	nodes := map[string]*fakeNode{
		"http://a": {healthDelay: 0},
		"http://b": {healthDelay: 20 * time.Millisecond},
		"http://c": {healthDelay: 40 * time.Millisecond},
		"http://d": {healthDelay: time.Second},
		"http://e": {healthDelay: time.Second},
	}
	m := newTestMonitor(MonitorConfig{ProbeTimeout: 150 * time.Millisecond}, nodes,
		"http://e", "http://d", "http://c", "http://b", "http://a")

	start := time.Now()
	results := m.ProbeAll(context.Background())
	require.Len(t, results, 5)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	stats := m.Stats()
	require.Len(t, stats, 5)
	require.Equal(t, []string{"http://a", "http://b", "http://c"}, []string{stats[0].URL, stats[1].URL, stats[2].URL})
	for _, e := range stats[:3] {
		require.True(t, e.Healthy, e.URL)
		require.Less(t, e.LatencyMs, int64(150), e.URL)
		require.False(t, e.LastCheckedAt.IsZero())
	}
	require.GreaterOrEqual(t, stats[1].LatencyMs, int64(20))
	require.GreaterOrEqual(t, stats[2].LatencyMs, int64(40))
	for _, e := range stats[3:] {
		require.False(t, e.Healthy, e.URL)
		require.GreaterOrEqual(t, e.LatencyMs, int64(150), e.URL)
	}

	best, ok := m.BestEndpoint()
	require.True(t, ok)
	require.Equal(t, "http://a", best.URL)
	require.False(t, m.Degraded())
}

func TestEndpointMonitor_RankingInvariant(t *testing.T) {
	tests := []struct {
		name    string
		results []ProbeResult
		best    string
		healthy bool
	}{
		{
			name: "healthy beats faster unhealthy",
			results: []ProbeResult{
				{URL: "http://a", Latency: time.Millisecond, OK: false},
				{URL: "http://b", Latency: 300 * time.Millisecond, OK: true},
				{URL: "http://c", Latency: 200 * time.Millisecond, OK: true},
			},
			best:    "http://c",
			healthy: true,
		},
		{
			name: "single healthy endpoint",
			results: []ProbeResult{
				{URL: "http://a", Latency: 5 * time.Second, OK: false},
				{URL: "http://b", Latency: 5 * time.Second, OK: false},
				{URL: "http://c", Latency: 900 * time.Millisecond, OK: true},
			},
			best:    "http://c",
			healthy: true,
		},
		{
			name: "latency tie broken by url",
			results: []ProbeResult{
				{URL: "http://c", Latency: 10 * time.Millisecond, OK: true},
				{URL: "http://a", Latency: 10 * time.Millisecond, OK: true},
				{URL: "http://b", Latency: 10 * time.Millisecond, OK: false},
			},
			best:    "http://a",
			healthy: true,
		},
		{
			name: "nothing healthy picks least-bad",
			results: []ProbeResult{
				{URL: "http://a", Latency: 5 * time.Second, OK: false},
				{URL: "http://b", Latency: 6 * time.Second, OK: false},
				{URL: "http://c", Latency: 5100 * time.Millisecond, OK: false},
			},
			best:    "http://a",
			healthy: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(MonitorConfig{}, nil, "http://a", "http://b", "http://c")
			m.apply(tt.results...)

			best, ok := m.BestEndpoint()
			require.True(t, ok)
			require.Equal(t, tt.best, best.URL)
			require.Equal(t, tt.healthy, best.Healthy)
			require.Equal(t, !tt.healthy, m.Degraded())

			stats := m.Stats()
			seenUnhealthy := false
			for _, e := range stats {
				if !e.Healthy {
					seenUnhealthy = true
				}
				require.False(t, seenUnhealthy && e.Healthy, "healthy endpoint ranked after unhealthy one")
			}
		})
	}
}

func TestEndpointMonitor_SuccessRate(t *testing.T) {
	m := newTestMonitor(MonitorConfig{}, nil, "http://a")
	require.Equal(t, float64(100), m.Stats()[0].SuccessRate)

	steps := []struct {
		ok   bool
		rate float64
	}{
		{true, 100},
		{false, 90},
		{false, 81},
		{true, 82.9},
	}
	for _, s := range steps {
		m.apply(ProbeResult{URL: "http://a", Latency: time.Millisecond, OK: s.ok})
		require.InDelta(t, s.rate, m.Stats()[0].SuccessRate, 1e-9)
	}
}

func TestEndpointMonitor_EmptyRegistry(t *testing.T) {
	m := newTestMonitor(MonitorConfig{}, nil)
	_, ok := m.BestEndpoint()
	require.False(t, ok)
	require.True(t, m.Degraded())
	require.Empty(t, m.Healthy(5))
}

func TestEndpointMonitor_AddRemove(t *testing.T) {
	nodes := map[string]*fakeNode{
		"http://a":    {},
		"http://down": {healthErr: errNodeDown},
	}
	m := newTestMonitor(MonitorConfig{ProbeTimeout: 100 * time.Millisecond}, nodes, "http://a")
	ctx := context.Background()

	require.ErrorIs(t, m.AddEndpoint(ctx, "not a url", "bad"), ErrInvalidEndpointURL)
	require.ErrorIs(t, m.AddEndpoint(ctx, "ftp://x", "bad"), ErrInvalidEndpointURL)
	require.ErrorIs(t, m.AddEndpoint(ctx, "http://a", "dup"), ErrEndpointExists)

	// probed right away
	require.NoError(t, m.AddEndpoint(ctx, "http://down", "down"))
	require.Equal(t, int32(1), atomic.LoadInt32(&nodes["http://down"].healthCalls))
	stats := m.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "http://down", stats[1].URL)
	require.False(t, stats[1].Healthy)
	require.Equal(t, "down", stats[1].Name)

	_, ok := m.Client("http://down")
	require.True(t, ok)
	require.True(t, m.RemoveEndpoint("http://down"))
	require.False(t, m.RemoveEndpoint("http://down"))
	_, ok = m.Client("http://down")
	require.False(t, ok)
	require.Len(t, m.Stats(), 1)
}

func TestEndpointMonitor_StatsIsSnapshot(t *testing.T) {
	m := newTestMonitor(MonitorConfig{}, nil, "http://a", "http://b")
	stats := m.Stats()
	stats[0].Healthy = false
	stats[0].URL = "http://changed"

	fresh := m.Stats()
	require.True(t, fresh[0].Healthy)
	require.NotEqual(t, "http://changed", fresh[0].URL)
}

func TestEndpointMonitor_OneProbeInFlight(t *testing.T) {
	block := make(chan struct{})
	nodes := map[string]*fakeNode{"http://a": {healthBlock: block}}
	m := newTestMonitor(MonitorConfig{ProbeTimeout: 2 * time.Second}, nodes, "http://a")

	done := make(chan []ProbeResult)
	go func() {
		done <- m.ProbeAll(context.Background())
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&nodes["http://a"].healthCalls) == 1
	}, time.Second, 5*time.Millisecond)

	// second cycle overlaps the first one and must not start another probe
	require.Empty(t, m.ProbeAll(context.Background()))
	require.Equal(t, int32(1), atomic.LoadInt32(&nodes["http://a"].healthCalls))

	close(block)
	results := <-done
	require.Len(t, results, 1)
	require.True(t, results[0].OK)
}

func TestEndpointMonitor_CancelledProbeFails(t *testing.T) {
	nodes := map[string]*fakeNode{"http://a": {healthDelay: time.Second}}
	m := newTestMonitor(MonitorConfig{ProbeTimeout: 2 * time.Second}, nodes, "http://a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := m.ProbeAll(ctx)
	require.Len(t, results, 1)
	require.False(t, results[0].OK)
	require.False(t, m.Stats()[0].Healthy)
}

func TestEndpointMonitor_Start(t *testing.T) {
	nodes := map[string]*fakeNode{"http://a": {}}
	m := newTestMonitor(MonitorConfig{ProbeInterval: 20 * time.Millisecond, ProbeTimeout: 100 * time.Millisecond}, nodes, "http://a")

	ctx, cancel := context.WithCancel(context.Background())
	wg := m.Start(ctx)
	// the first cycle is synchronous
	require.GreaterOrEqual(t, atomic.LoadInt32(&nodes["http://a"].healthCalls), int32(1))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&nodes["http://a"].healthCalls) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestEndpointMonitor_Healthy(t *testing.T) {
	m := newTestMonitor(MonitorConfig{}, nil, "http://a", "http://b", "http://c", "http://d")
	m.apply(
		ProbeResult{URL: "http://a", Latency: 40 * time.Millisecond, OK: true},
		ProbeResult{URL: "http://b", Latency: 10 * time.Millisecond, OK: true},
		ProbeResult{URL: "http://c", Latency: time.Millisecond, OK: false},
		ProbeResult{URL: "http://d", Latency: 20 * time.Millisecond, OK: true},
	)
	healthy := m.Healthy(2)
	require.Len(t, healthy, 2)
	require.Equal(t, "http://b", healthy[0].URL)
	require.Equal(t, "http://d", healthy[1].URL)
	require.Len(t, m.Healthy(10), 3)
}
