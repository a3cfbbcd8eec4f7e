package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/execution-router/metrics"
	"go.uber.org/zap"
)

var (
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints")
	errTransactionPending = errors.New("transaction pending")
	errTransactionFailed  = errors.New("transaction failed")

	defaultMaxTargets      = 5
	defaultSubmitTimeout   = 10 * time.Second
	defaultConfirmInterval = time.Second
	defaultConfirmTimeout  = 30 * time.Second
)

// EndpointSource is the view of the endpoint registry the broadcaster needs
type EndpointSource interface {
	Healthy(n int) []Endpoint
	Client(url string) (NodeClient, bool)
}

type BroadcasterConfig struct {
	MaxTargets      int
	SubmitTimeout   time.Duration
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
	// WaitAll makes Broadcast wait for every target instead of returning on the first acceptance
	WaitAll bool
}

type Broadcaster struct {
	log       *zap.Logger
	cfg       BroadcasterConfig
	endpoints EndpointSource

	drainWg sync.WaitGroup
}

func NewBroadcaster(log *zap.Logger, cfg BroadcasterConfig, endpoints EndpointSource) *Broadcaster {
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = defaultMaxTargets
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = defaultConfirmInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	return &Broadcaster{
		log:       log.Named("broadcast"),
		cfg:       cfg,
		endpoints: endpoints,
	}
}

// Broadcast sends tx to the top maxTargets healthy endpoints concurrently. It succeeds if any endpoint
// accepts the transaction. Attempts still running after the first acceptance are drained in the background.
func (b *Broadcaster) Broadcast(ctx context.Context, tx SignedTransaction, maxTargets int) BroadcastResult {
	startAt := time.Now()
	if maxTargets <= 0 {
		maxTargets = b.cfg.MaxTargets
	}
	logger := b.log.With(zap.String("signature", tx.Signature))

	targets := b.endpoints.Healthy(maxTargets)
	if len(targets) == 0 {
		metrics.IncBroadcastFailed()
		logger.Warn("Not broadcasting, no healthy endpoints")
		return BroadcastResult{
			Errors:  []string{ErrNoHealthyEndpoints.Error()},
			Elapsed: time.Since(startAt),
		}
	}
	metrics.AddBroadcastAttempts(len(targets))

	attempts := make(chan BroadcastAttempt, len(targets))
	for _, target := range targets {
		go func(target Endpoint) {
			attempts <- b.submit(ctx, target.URL, tx)
		}(target)
	}

	var res BroadcastResult
	for received := 1; received <= len(targets); received++ {
		attempt := <-attempts
		res.Attempts = append(res.Attempts, attempt)
		if attempt.Error != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", attempt.Endpoint, attempt.Error))
			logger.Debug("Endpoint rejected transaction", zap.String("endpoint", attempt.Endpoint), zap.String("err", attempt.Error))
			continue
		}
		res.Signatures = append(res.Signatures, attempt.Signature)
		if !res.Success {
			res.Success = true
			res.FirstSignature = attempt.Signature
			res.FirstEndpoint = attempt.Endpoint
		}
		if !b.cfg.WaitAll && received < len(targets) {
			b.drain(logger, attempts, len(targets)-received)
			break
		}
	}
	res.Elapsed = time.Since(startAt)
	metrics.RecordBroadcastDuration(res.Elapsed.Milliseconds())

	if res.Success {
		metrics.IncBroadcastAccepted()
		logger.Info("Transaction accepted", zap.String("endpoint", res.FirstEndpoint), zap.Duration("elapsed", res.Elapsed))
	} else {
		metrics.IncBroadcastFailed()
		logger.Warn("All endpoints rejected transaction", zap.Strings("errors", res.Errors))
	}
	return res
}

func (b *Broadcaster) submit(ctx context.Context, url string, tx SignedTransaction) BroadcastAttempt {
	attempt := BroadcastAttempt{Endpoint: url}
	client, ok := b.endpoints.Client(url)
	if !ok {
		attempt.Error = ErrUnknownEndpoint.Error()
		return attempt
	}
	sig, err := callWithTimeout(ctx, b.cfg.SubmitTimeout, func(ctx context.Context) (string, error) {
		return client.SendTransaction(ctx, tx)
	})
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	if sig == "" {
		sig = tx.Signature
	}
	attempt.Signature = sig
	return attempt
}

func (b *Broadcaster) drain(logger *zap.Logger, attempts <-chan BroadcastAttempt, remaining int) {
	b.drainWg.Add(1)
	go func() {
		defer b.drainWg.Done()
		for ; remaining > 0; remaining-- {
			attempt := <-attempts
			logger.Debug("Late broadcast result", zap.String("endpoint", attempt.Endpoint),
				zap.Bool("accepted", attempt.Error == ""), zap.String("err", attempt.Error))
		}
	}()
}

// Wait blocks until background drains finish
func (b *Broadcaster) Wait() {
	b.drainWg.Wait()
}

// WaitForConfirmation polls the signature status until it is confirmed, fails or the timeout passes.
// A timeout is reported as unconfirmed, the transaction may still land.
func (b *Broadcaster) WaitForConfirmation(ctx context.Context, signature, endpointURL string, timeout time.Duration) ConfirmationStatus {
	if timeout <= 0 {
		timeout = b.cfg.ConfirmTimeout
	}
	logger := b.log.With(zap.String("signature", signature), zap.String("endpoint", endpointURL))
	client, ok := b.endpoints.Client(endpointURL)
	if !ok {
		logger.Warn("Cannot track confirmation, unknown endpoint")
		return ConfirmationUnconfirmed
	}

	confirmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := backoff.Retry(func() error {
		status, err := client.SignatureStatus(confirmCtx, signature)
		if err != nil {
			logger.Debug("Failed to get signature status", zap.Error(err))
			return err
		}
		if status == nil {
			return errTransactionPending
		}
		if status.Failed() {
			return backoff.Permanent(fmt.Errorf("%w: %s", errTransactionFailed, string(status.Err)))
		}
		switch status.ConfirmationStatus {
		case "confirmed", "finalized":
			return nil
		}
		return errTransactionPending
	}, backoff.WithContext(backoff.NewConstantBackOff(b.cfg.ConfirmInterval), confirmCtx))

	switch {
	case err == nil:
		logger.Info("Transaction confirmed")
		return ConfirmationConfirmed
	case errors.Is(err, errTransactionFailed):
		logger.Warn("Transaction failed on chain", zap.Error(err))
		return ConfirmationFailed
	}
	logger.Info("Transaction unconfirmed", zap.Duration("timeout", timeout))
	return ConfirmationUnconfirmed
}

// callWithTimeout bounds fn by d even when fn does not honour its context
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
