package router

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashbots/execution-router/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

var (
	ErrEndpointExists     = errors.New("endpoint already registered")
	ErrInvalidEndpointURL = errors.New("invalid endpoint url")
	errProbeInFlight      = errors.New("probe already in flight")

	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

type MonitorConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// EndpointMonitor keeps a ranked registry of network endpoints.
// Readers always get copies, every write goes through mu.
type EndpointMonitor struct {
	log       *zap.Logger
	cfg       MonitorConfig
	newClient NodeClientFactory

	mu        sync.RWMutex
	endpoints []*Endpoint
	clients   map[string]NodeClient

	inFlight *xsync.MapOf[string, struct{}]
	degraded atomic.Bool
}

func NewEndpointMonitor(log *zap.Logger, cfg MonitorConfig, newClient NodeClientFactory, endpoints []EndpointConfig) *EndpointMonitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if newClient == nil {
		newClient = NewJSONRPCNode
	}
	m := &EndpointMonitor{
		log:       log.Named("endpoints"),
		cfg:       cfg,
		newClient: newClient,
		clients:   make(map[string]NodeClient, len(endpoints)),
		inFlight:  xsync.NewMapOf[string, struct{}](),
	}
	for _, e := range endpoints {
		if _, ok := m.clients[e.URL]; ok {
			m.log.Warn("Duplicate endpoint in config, skipping", zap.String("url", e.URL))
			continue
		}
		m.endpoints = append(m.endpoints, newEndpoint(e.URL, e.Name))
		m.clients[e.URL] = newClient(e.URL)
	}
	return m
}

func newEndpoint(url, name string) *Endpoint {
	if name == "" {
		name = url
	}
	return &Endpoint{
		URL:         url,
		Name:        name,
		Healthy:     true,
		SuccessRate: 100,
	}
}

// Start probes every endpoint once and then keeps probing on the configured interval until ctx is done.
func (m *EndpointMonitor) Start(ctx context.Context) *sync.WaitGroup {
	m.ProbeAll(ctx)

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(ctx)
			}
		}
	}()
	return wg
}

// ProbeAll probes all endpoints concurrently, applies the results and re-ranks the registry.
func (m *EndpointMonitor) ProbeAll(ctx context.Context) []ProbeResult {
	m.mu.RLock()
	urls := make([]string, len(m.endpoints))
	clients := make([]NodeClient, len(m.endpoints))
	for i, e := range m.endpoints {
		urls[i] = e.URL
		clients[i] = m.clients[e.URL]
	}
	m.mu.RUnlock()

	results := make([]ProbeResult, len(urls))
	skipped := make([]bool, len(urls))
	var wg sync.WaitGroup
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.probe(ctx, urls[i], clients[i])
			if errors.Is(err, errProbeInFlight) {
				skipped[i] = true
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := make([]ProbeResult, 0, len(results))
	for i, res := range results {
		if !skipped[i] {
			applied = append(applied, res)
		}
	}
	m.apply(applied...)
	return applied
}

// probe runs one liveness request. The returned error is only set when another probe for the
// same endpoint is still running.
func (m *EndpointMonitor) probe(ctx context.Context, url string, client NodeClient) (ProbeResult, error) {
	if _, loaded := m.inFlight.LoadOrStore(url, struct{}{}); loaded {
		m.log.Debug("Probe skipped, previous one still running", zap.String("url", url))
		return ProbeResult{}, errProbeInFlight
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		// the slot is released only when the request really returns
		defer m.inFlight.Delete(url)
		done <- client.GetHealth(probeCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = probeCtx.Err()
	}
	cancel()
	elapsed := time.Since(start)

	res := ProbeResult{URL: url, Latency: elapsed, OK: err == nil, Err: err}
	if res.OK {
		metrics.IncEndpointProbeOK()
	} else {
		metrics.IncEndpointProbeFailed()
		if res.Latency < m.cfg.ProbeTimeout {
			res.Latency = m.cfg.ProbeTimeout
		}
		m.log.Debug("Endpoint probe failed", zap.String("url", url), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
	metrics.RecordEndpointProbeLatency(url, res.Latency.Milliseconds())
	return res, nil
}

func (m *EndpointMonitor) apply(results ...ProbeResult) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range results {
		e := m.find(res.URL)
		if e == nil {
			// removed while probing
			continue
		}
		e.LastCheckedAt = now
		e.LatencyMs = res.Latency.Milliseconds()
		e.Healthy = res.OK
		e.SuccessRate *= 0.9
		if res.OK {
			e.SuccessRate += 10
		}
	}
	rankEndpoints(m.endpoints)
}

func (m *EndpointMonitor) find(url string) *Endpoint {
	for _, e := range m.endpoints {
		if e.URL == url {
			return e
		}
	}
	return nil
}

// rankEndpoints orders healthy endpoints first, then by ascending latency, then by url
func rankEndpoints(endpoints []*Endpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		a, b := endpoints[i], endpoints[j]
		if a.Healthy != b.Healthy {
			return a.Healthy
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.URL < b.URL
	})
}

// BestEndpoint returns the top ranked endpoint. When nothing is healthy the lowest latency endpoint
// is returned and the monitor is flagged as degraded. ok is false only for an empty registry.
func (m *EndpointMonitor) BestEndpoint() (Endpoint, bool) {
	m.mu.RLock()
	if len(m.endpoints) == 0 {
		m.mu.RUnlock()
		m.degraded.Store(true)
		m.log.Warn("No endpoints registered")
		return Endpoint{}, false
	}
	// unhealthy endpoints are ranked by latency too, so the head is the least-bad one
	best := *m.endpoints[0]
	m.mu.RUnlock()

	if !best.Healthy {
		if !m.degraded.Swap(true) {
			m.log.Warn("No healthy endpoints, using least-bad endpoint", zap.String("url", best.URL), zap.Int64("latency_ms", best.LatencyMs))
		}
		metrics.IncEndpointDegradedSelection()
		return best, true
	}
	if m.degraded.Swap(false) {
		m.log.Info("Healthy endpoint available again", zap.String("url", best.URL))
	}
	return best, true
}

// Degraded reports whether the last selection had no healthy endpoint to choose from
func (m *EndpointMonitor) Degraded() bool {
	return m.degraded.Load()
}

// Healthy returns up to n healthy endpoints in rank order
func (m *EndpointMonitor) Healthy(n int) []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Endpoint, 0, n)
	for _, e := range m.endpoints {
		if len(out) >= n || !e.Healthy {
			break
		}
		out = append(out, *e)
	}
	return out
}

// AddEndpoint registers a new endpoint and probes it before returning
func (m *EndpointMonitor) AddEndpoint(ctx context.Context, rawURL, name string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidEndpointURL, rawURL)
	}

	client := m.newClient(rawURL)
	m.mu.Lock()
	if _, ok := m.clients[rawURL]; ok {
		m.mu.Unlock()
		return ErrEndpointExists
	}
	m.endpoints = append(m.endpoints, newEndpoint(rawURL, name))
	m.clients[rawURL] = client
	rankEndpoints(m.endpoints)
	m.mu.Unlock()

	m.log.Info("Endpoint added", zap.String("url", rawURL), zap.String("name", name))
	res, err := m.probe(ctx, rawURL, client)
	if err == nil {
		m.apply(res)
	}
	return nil
}

func (m *EndpointMonitor) RemoveEndpoint(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.endpoints {
		if e.URL == url {
			m.endpoints = append(m.endpoints[:i], m.endpoints[i+1:]...)
			delete(m.clients, url)
			m.log.Info("Endpoint removed", zap.String("url", url))
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the ranked registry
func (m *EndpointMonitor) Stats() []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Endpoint, len(m.endpoints))
	for i, e := range m.endpoints {
		out[i] = *e
	}
	return out
}

func (m *EndpointMonitor) Client(url string) (NodeClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[url]
	return c, ok
}
