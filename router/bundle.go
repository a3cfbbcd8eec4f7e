package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/execution-router/metrics"
	"go.uber.org/zap"
)

const (
	MaxBundleTransactions = 5
	// DefaultBundleTip is used when the caller does not set a tip, in lamports
	DefaultBundleTip uint64 = 15_000

	highTierTip   uint64 = 100_000
	mediumTierTip uint64 = 10_000

	knownBundleCacheSize = 1000
)

var (
	ErrEmptyBundle    = errors.New("bundle has no transactions")
	ErrBundleTooLarge = errors.New("bundle has too many transactions")
	ErrBundleExpired  = errors.New("bundle expired")
	ErrBundleKnown    = errors.New("bundle already submitted")
	ErrNilBundle      = errors.New("nil bundle")

	defaultBundleExpiry     = 30 * time.Second
	defaultRelaySendTimeout = 5 * time.Second
)

type TransactionBroadcaster interface {
	Broadcast(ctx context.Context, tx SignedTransaction, maxTargets int) BroadcastResult
}

type BundleConfig struct {
	Expiry           time.Duration
	RelaySendTimeout time.Duration
}

// BundleCoordinator submits ordered transaction groups with a tip. Without a relay it falls back
// to broadcasting the transactions one by one, which gives no atomicity.
type BundleCoordinator struct {
	log         *zap.Logger
	cfg         BundleConfig
	relay       BundleRelay
	broadcaster TransactionBroadcaster

	mu    sync.Mutex
	known *lru.Cache[string, time.Time]
}

func NewBundleCoordinator(log *zap.Logger, cfg BundleConfig, relay BundleRelay, broadcaster TransactionBroadcaster) *BundleCoordinator {
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultBundleExpiry
	}
	if cfg.RelaySendTimeout <= 0 {
		cfg.RelaySendTimeout = defaultRelaySendTimeout
	}
	return &BundleCoordinator{
		log:         log.Named("bundle"),
		cfg:         cfg,
		relay:       relay,
		broadcaster: broadcaster,
		known:       lru.NewCache[string, time.Time](knownBundleCacheSize),
	}
}

// CreateBundle packages txs in order. It does not touch the network.
func (c *BundleCoordinator) CreateBundle(txs []SignedTransaction, tip uint64, estimatedProfit float64) (*PriorityBundle, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBundle
	}
	if len(txs) > MaxBundleTransactions {
		return nil, fmt.Errorf("%w: %d > %d", ErrBundleTooLarge, len(txs), MaxBundleTransactions)
	}
	if tip == 0 {
		tip = DefaultBundleTip
	}
	now := time.Now()
	return &PriorityBundle{
		ID:              BundleID(txs),
		Transactions:    append([]SignedTransaction(nil), txs...),
		Tip:             tip,
		EstimatedProfit: estimatedProfit,
		Tier:            TierForTip(tip),
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.cfg.Expiry),
	}, nil
}

// BundleID is the keccak256 hash of the ordered transaction signatures
func BundleID(txs []SignedTransaction) string {
	data := make([][]byte, len(txs))
	for i, tx := range txs {
		data[i] = []byte(tx.Signature)
	}
	return crypto.Keccak256Hash(data...).Hex()
}

func TierForTip(tip uint64) PriorityTier {
	switch {
	case tip >= highTierTip:
		return TierHigh
	case tip >= mediumTierTip:
		return TierMedium
	}
	return TierLow
}

// SubmitBundle sends the bundle through the relay when one is configured, otherwise it
// broadcasts each transaction in order and stops at the first one that is not accepted.
func (c *BundleCoordinator) SubmitBundle(ctx context.Context, bundle *PriorityBundle) BundleResult {
	if bundle == nil {
		return BundleResult{Error: ErrNilBundle.Error()}
	}
	res := BundleResult{BundleID: bundle.ID}
	logger := c.log.With(zap.String("bundle", bundle.ID), zap.String("tier", string(bundle.Tier)))

	if time.Now().After(bundle.ExpiresAt) {
		metrics.IncBundleRejected()
		logger.Warn("Rejecting stale bundle", zap.Time("expires_at", bundle.ExpiresAt))
		res.Error = ErrBundleExpired.Error()
		return res
	}

	c.mu.Lock()
	if c.known.Contains(bundle.ID) {
		c.mu.Unlock()
		metrics.IncBundleRejected()
		logger.Debug("Bundle already submitted")
		res.Error = ErrBundleKnown.Error()
		return res
	}
	c.known.Add(bundle.ID, time.Now())
	c.mu.Unlock()
	metrics.IncBundleSubmitted()

	if c.relay != nil {
		res.Mode = BundleModeRelay
		relayCtx, cancel := context.WithTimeout(ctx, c.cfg.RelaySendTimeout)
		defer cancel()
		relayID, err := c.relay.SendBundle(relayCtx, bundle)
		if err != nil {
			logger.Warn("Relay rejected bundle", zap.Error(err))
			res.Error = err.Error()
			return res
		}
		logger.Info("Bundle sent to relay", zap.String("relay_bundle", relayID), zap.Uint64("tip", bundle.Tip))
		res.Success = true
		res.RelayBundleID = relayID
		return res
	}

	res.Mode = BundleModeFallback
	logger.Info("No relay configured, broadcasting bundle transactions in order", zap.Int("txs", len(bundle.Transactions)))
	for i, tx := range bundle.Transactions {
		if time.Now().After(bundle.ExpiresAt) {
			res.Error = fmt.Sprintf("%s before transaction %d", ErrBundleExpired.Error(), i)
			return res
		}
		br := c.broadcaster.Broadcast(ctx, tx, 0)
		res.Broadcasts = append(res.Broadcasts, br)
		if !br.Success {
			res.Error = fmt.Sprintf("transaction %d not accepted", i)
			logger.Warn("Fallback broadcast stopped", zap.Int("tx", i), zap.Strings("errors", br.Errors))
			return res
		}
	}
	res.Success = true
	return res
}
