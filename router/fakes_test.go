package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errNodeDown     = errors.New("node down")         //nolint:goerr113
	errRejected     = errors.New("rejected")          //nolint:goerr113
	errProviderDown = errors.New("provider down")     //nolint:goerr113
	errSignerDown   = errors.New("signer offline")    //nolint:goerr113
	errRelayDown    = errors.New("relay unavailable") //nolint:goerr113
	errLockHeld     = errors.New("lock held")         //nolint:goerr113
	errBuildFailed  = errors.New("no route")          //nolint:goerr113
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeNode struct {
	healthDelay time.Duration
	healthErr   error
	healthBlock chan struct{}
	healthCalls int32

	units uint64
	// programUnits is charged on top of units for every instruction of that program
	programUnits map[string]uint64
	simErr       error
	fees         []PrioritizationFee
	feeErr       error
	feeCalls     int32
	sendDelay    time.Duration
	sendErr      error
	statuses     []*SignatureStatus

	mu          sync.Mutex
	simulated   []*UnsignedTransaction
	sent        []SignedTransaction
	statusCalls int
}

func (n *fakeNode) GetHealth(ctx context.Context) error {
	atomic.AddInt32(&n.healthCalls, 1)
	if n.healthBlock != nil {
		select {
		case <-n.healthBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sleepCtx(ctx, n.healthDelay); err != nil {
		return err
	}
	return n.healthErr
}

func (n *fakeNode) SimulateTransaction(ctx context.Context, tx *UnsignedTransaction) (uint64, error) {
	n.mu.Lock()
	n.simulated = append(n.simulated, tx)
	n.mu.Unlock()
	if n.simErr != nil {
		return 0, n.simErr
	}
	units := n.units
	for _, ix := range tx.Instructions {
		units += n.programUnits[ix.ProgramID]
	}
	return units, nil
}

func (n *fakeNode) RecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error) {
	atomic.AddInt32(&n.feeCalls, 1)
	return n.fees, n.feeErr
}

func (n *fakeNode) SendTransaction(ctx context.Context, tx SignedTransaction) (string, error) {
	if err := sleepCtx(ctx, n.sendDelay); err != nil {
		return "", err
	}
	if n.sendErr != nil {
		return "", n.sendErr
	}
	n.mu.Lock()
	n.sent = append(n.sent, tx)
	n.mu.Unlock()
	return tx.Signature, nil
}

func (n *fakeNode) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.statuses) == 0 {
		return nil, nil
	}
	idx := n.statusCalls
	if idx >= len(n.statuses) {
		idx = len(n.statuses) - 1
	}
	n.statusCalls++
	return n.statuses[idx], nil
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func nodeFactory(nodes map[string]*fakeNode) NodeClientFactory {
	return func(url string) NodeClient {
		if n, ok := nodes[url]; ok {
			return n
		}
		return &fakeNode{healthErr: errNodeDown, sendErr: errNodeDown, simErr: errNodeDown}
	}
}

// fakeEndpoints is a static EndpointSource
type fakeEndpoints struct {
	healthy []Endpoint
	nodes   map[string]*fakeNode
}

func newFakeEndpoints(nodes ...*fakeNode) *fakeEndpoints {
	e := &fakeEndpoints{nodes: make(map[string]*fakeNode)}
	for i, n := range nodes {
		url := fmt.Sprintf("http://node-%d", i)
		e.healthy = append(e.healthy, Endpoint{URL: url, Healthy: true})
		e.nodes[url] = n
	}
	return e
}

func (e *fakeEndpoints) Healthy(n int) []Endpoint {
	if n > len(e.healthy) {
		n = len(e.healthy)
	}
	return append([]Endpoint(nil), e.healthy[:n]...)
}

func (e *fakeEndpoints) Client(url string) (NodeClient, bool) {
	n, ok := e.nodes[url]
	return n, ok
}

type fakeProvider struct {
	feeRate   float64
	gas       float64
	available float64
	delay     time.Duration
	err       error
	pingErr   error
	overQuote float64

	calls int32
}

func (p *fakeProvider) Quote(ctx context.Context, asset string, amount float64) (*FinancingQuote, error) {
	atomic.AddInt32(&p.calls, 1)
	if err := sleepCtx(ctx, p.delay); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	available := p.available
	if available == 0 {
		available = amount * 10
	}
	return &FinancingQuote{
		Asset:              asset,
		Amount:             amount + p.overQuote,
		Fee:                amount * p.feeRate,
		FeeRate:            p.feeRate,
		EstimatedGas:       p.gas,
		AvailableLiquidity: available,
		EstimatedExecution: 2 * time.Second,
	}, nil
}

func (p *fakeProvider) Ping(ctx context.Context) error {
	return p.pingErr
}

func providerFactory(backends map[string]*fakeProvider) FinancingBackendFactory {
	return func(p FinancingProvider) FinancingBackend {
		return backends[p.ID]
	}
}

type fakeSigner struct {
	err   error
	calls int32

	mu     sync.Mutex
	signed []*UnsignedTransaction
}

func (s *fakeSigner) Sign(ctx context.Context, tx *UnsignedTransaction) (SignedTransaction, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return SignedTransaction{}, s.err
	}
	s.mu.Lock()
	s.signed = append(s.signed, tx)
	s.mu.Unlock()
	raw, _ := encodeTransaction(tx)
	return SignedTransaction{Signature: fmt.Sprintf("sig-%s-%d", tx.FeePayer, n), Raw: []byte(raw)}, nil
}

type fakeBuilder struct {
	txs   int
	err   error
	calls int32

	mu        sync.Mutex
	financing []*Financing
}

func (b *fakeBuilder) Build(ctx context.Context, opp Opportunity, financing *Financing) ([]*UnsignedTransaction, error) {
	atomic.AddInt32(&b.calls, 1)
	b.mu.Lock()
	b.financing = append(b.financing, financing)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	n := b.txs
	if n == 0 {
		n = 1
	}
	txs := make([]*UnsignedTransaction, n)
	for i := range txs {
		ixs := []Instruction{{ProgramID: "Swap1111", Accounts: []string{opp.Asset}, Data: []byte{byte(i)}}}
		if financing != nil {
			ixs = append([]Instruction{{ProgramID: "FlashLoan1111", Accounts: []string{opp.Asset}, Data: []byte{1}}}, ixs...)
		}
		txs[i] = &UnsignedTransaction{FeePayer: fmt.Sprintf("%s-%d", opp.ID, i), RecentBlockhash: "hash", Instructions: ixs}
	}
	return txs, nil
}

type fakeRelay struct {
	err   error
	calls int32
}

func (r *fakeRelay) SendBundle(ctx context.Context, bundle *PriorityBundle) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.err != nil {
		return "", r.err
	}
	return "relay-" + bundle.ID[:10], nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []ExecutionResult
}

func (n *fakeNotifier) NotifyResult(ctx context.Context, result *ExecutionResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, *result)
	return nil
}

type fakeLock struct {
	err      error
	released int32
}

func (l *fakeLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	return func() { atomic.AddInt32(&l.released, 1) }, nil
}
