package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ybbus/jsonrpc/v3"
)

var ErrSimulationFailed = errors.New("simulation failed")

// NodeClient is the subset of the network node API the router needs
// There is one client per configured endpoint
type NodeClient interface {
	GetHealth(ctx context.Context) error
	SimulateTransaction(ctx context.Context, tx *UnsignedTransaction) (uint64, error)
	RecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error)
	SendTransaction(ctx context.Context, tx SignedTransaction) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

// NodeClientFactory creates a client for the endpoint url
type NodeClientFactory func(url string) NodeClient

type PrioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// FinancingBackend quotes loans for a single provider
type FinancingBackend interface {
	Quote(ctx context.Context, asset string, amount float64) (*FinancingQuote, error)
	Ping(ctx context.Context) error
}

// BundleRelay submits bundles to a priority-inclusion relay
type BundleRelay interface {
	SendBundle(ctx context.Context, bundle *PriorityBundle) (string, error)
}

type Signer interface {
	Sign(ctx context.Context, tx *UnsignedTransaction) (SignedTransaction, error)
}

// TransactionBuilder turns an opportunity into the transactions that act on it.
// Financing is nil for the draft build used for budget estimation.
type TransactionBuilder interface {
	Build(ctx context.Context, opp Opportunity, financing *Financing) ([]*UnsignedTransaction, error)
}

type ResultNotifier interface {
	NotifyResult(ctx context.Context, result *ExecutionResult) error
}

type ResultStore interface {
	InsertResult(ctx context.Context, result *ExecutionResult) error
}

type JSONRPCNode struct {
	url    string
	client jsonrpc.RPCClient
}

func NewJSONRPCNode(url string) NodeClient {
	return &JSONRPCNode{
		url:    url,
		client: jsonrpc.NewClient(url),
	}
}

func (n *JSONRPCNode) String() string {
	return n.url
}

func (n *JSONRPCNode) GetHealth(ctx context.Context) error {
	var status string
	err := n.client.CallFor(ctx, &status, "getHealth")
	if err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node unhealthy: %s", status)
	}
	return nil
}

type simulateResponse struct {
	Value struct {
		Err           json.RawMessage `json:"err"`
		UnitsConsumed uint64          `json:"unitsConsumed"`
		Logs          []string        `json:"logs"`
	} `json:"value"`
}

func (n *JSONRPCNode) SimulateTransaction(ctx context.Context, tx *UnsignedTransaction) (uint64, error) {
	encoded, err := encodeTransaction(tx)
	if err != nil {
		return 0, err
	}
	var res simulateResponse
	err = n.client.CallFor(ctx, &res, "simulateTransaction", encoded, map[string]any{
		"encoding":               "base64",
		"sigVerify":              false,
		"replaceRecentBlockhash": true,
	})
	if err != nil {
		return 0, err
	}
	if len(res.Value.Err) > 0 && string(res.Value.Err) != "null" {
		return 0, fmt.Errorf("%w: %s", ErrSimulationFailed, string(res.Value.Err))
	}
	return res.Value.UnitsConsumed, nil
}

func (n *JSONRPCNode) RecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error) {
	var fees []PrioritizationFee
	err := n.client.CallFor(ctx, &fees, "getRecentPrioritizationFees")
	return fees, err
}

func (n *JSONRPCNode) SendTransaction(ctx context.Context, tx SignedTransaction) (string, error) {
	var signature string
	err := n.client.CallFor(ctx, &signature, "sendTransaction", base64.StdEncoding.EncodeToString(tx.Raw), map[string]any{
		"encoding":            "base64",
		"skipPreflight":       false,
		"maxRetries":          2,
		"preflightCommitment": "processed",
	})
	return signature, err
}

type signatureStatusesResponse struct {
	Value []*SignatureStatus `json:"value"`
}

func (n *JSONRPCNode) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var res signatureStatusesResponse
	err := n.client.CallFor(ctx, &res, "getSignatureStatuses", []string{signature}, map[string]any{
		"searchTransactionHistory": false,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

func encodeTransaction(tx *UnsignedTransaction) (string, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

type JSONRPCProvider struct {
	provider FinancingProvider
	client   jsonrpc.RPCClient
}

func NewJSONRPCProvider(provider FinancingProvider) *JSONRPCProvider {
	return &JSONRPCProvider{
		provider: provider,
		client:   jsonrpc.NewClient(provider.URL),
	}
}

type quoteResponse struct {
	Fee                  float64 `json:"fee"`
	FeeRate              float64 `json:"feeRate"`
	EstimatedGas         float64 `json:"estimatedGas"`
	AvailableLiquidity   float64 `json:"availableLiquidity"`
	EstimatedExecutionMs int64   `json:"estimatedExecutionMs"`
}

func (p *JSONRPCProvider) Quote(ctx context.Context, asset string, amount float64) (*FinancingQuote, error) {
	var res quoteResponse
	err := p.client.CallFor(ctx, &res, "flashloan_getQuote", asset, amount)
	if err != nil {
		return nil, err
	}
	return &FinancingQuote{
		ProviderID:         p.provider.ID,
		ProviderName:       p.provider.Name,
		Asset:              asset,
		Amount:             amount,
		Fee:                res.Fee,
		FeeRate:            res.FeeRate,
		EstimatedGas:       res.EstimatedGas,
		AvailableLiquidity: res.AvailableLiquidity,
		EstimatedExecution: time.Duration(res.EstimatedExecutionMs) * time.Millisecond,
	}, nil
}

func (p *JSONRPCProvider) Ping(ctx context.Context) error {
	res, err := p.client.Call(ctx, "flashloan_health")
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

type JSONRPCBundleRelay struct {
	url    string
	client jsonrpc.RPCClient
}

func NewJSONRPCBundleRelay(url, authHeader, authToken string) *JSONRPCBundleRelay {
	opts := &jsonrpc.RPCClientOpts{}
	if authHeader != "" && authToken != "" {
		opts.CustomHeaders = map[string]string{authHeader: authToken}
	}
	return &JSONRPCBundleRelay{
		url:    url,
		client: jsonrpc.NewClientWithOpts(url, opts),
	}
}

func (r *JSONRPCBundleRelay) String() string {
	return r.url
}

func (r *JSONRPCBundleRelay) SendBundle(ctx context.Context, bundle *PriorityBundle) (string, error) {
	txs := make([]string, len(bundle.Transactions))
	for i, tx := range bundle.Transactions {
		txs[i] = base64.StdEncoding.EncodeToString(tx.Raw)
	}
	var relayID string
	err := r.client.CallFor(ctx, &relayID, "sendBundle", txs, map[string]string{"encoding": "base64"})
	return relayID, err
}

type JSONRPCSigner struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCSigner(url string) *JSONRPCSigner {
	return &JSONRPCSigner{client: jsonrpc.NewClient(url)}
}

func (s *JSONRPCSigner) Sign(ctx context.Context, tx *UnsignedTransaction) (SignedTransaction, error) {
	var signed SignedTransaction
	err := s.client.CallFor(ctx, &signed, "signer_signTransaction", []*UnsignedTransaction{tx})
	return signed, err
}

type JSONRPCBuilder struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCBuilder(url string) *JSONRPCBuilder {
	return &JSONRPCBuilder{client: jsonrpc.NewClient(url)}
}

func (b *JSONRPCBuilder) Build(ctx context.Context, opp Opportunity, financing *Financing) ([]*UnsignedTransaction, error) {
	var txs []*UnsignedTransaction
	err := b.client.CallFor(ctx, &txs, "builder_buildTransactions", opp, financing)
	return txs, err
}

type RedisResultNotifier struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisResultNotifier(redisClient *redis.Client, pubChannel string) *RedisResultNotifier {
	return &RedisResultNotifier{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisResultNotifier) NotifyResult(ctx context.Context, result *ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}
