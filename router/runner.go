package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var defaultRunnerWorkers = 4

// OpportunitySource yields opportunities until ctx is done or the source is exhausted.
// The channel is closed when the source stops.
type OpportunitySource interface {
	Opportunities(ctx context.Context) <-chan Opportunity
}

// Runner executes opportunities from a source on a bounded worker pool
type Runner struct {
	log      *zap.Logger
	source   OpportunitySource
	executor Executor
	workers  int
	limiter  *rate.Limiter
}

func NewRunner(log *zap.Logger, source OpportunitySource, executor Executor, workers int, limit rate.Limit) *Runner {
	if workers <= 0 {
		workers = defaultRunnerWorkers
	}
	return &Runner{
		log:      log.Named("runner"),
		source:   source,
		executor: executor,
		workers:  workers,
		limiter:  rate.NewLimiter(limit, workers),
	}
}

// Start consumes the source until ctx is done. The returned WaitGroup is released once all
// submitted executions have finished.
func (r *Runner) Start(ctx context.Context) *sync.WaitGroup {
	pool := pond.NewPool(r.workers, pond.WithQueueSize(r.workers*4))
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer pool.StopAndWait()

		for opp := range r.source.Opportunities(ctx) {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			opp := opp
			pool.Submit(func() {
				r.run(ctx, opp)
			})
		}
	}()
	return wg
}

func (r *Runner) run(ctx context.Context, opp Opportunity) {
	logger := r.log.With(zap.String("opportunity", opp.ID))
	res, err := r.executor.Execute(ctx, opp)
	if err != nil {
		logger.Warn("Skipping malformed opportunity", zap.Error(err))
		return
	}
	logger.Debug("Opportunity executed", zap.Bool("success", res.Success), zap.String("status", string(res.Status)))
}

// RedisOpportunitySource reads JSON encoded opportunities from a redis pub/sub channel
type RedisOpportunitySource struct {
	log     *zap.Logger
	client  *redis.Client
	channel string
}

func NewRedisOpportunitySource(log *zap.Logger, client *redis.Client, channel string) *RedisOpportunitySource {
	return &RedisOpportunitySource{
		log:     log.Named("opportunities"),
		client:  client,
		channel: channel,
	}
}

func (s *RedisOpportunitySource) Opportunities(ctx context.Context) <-chan Opportunity {
	out := make(chan Opportunity)
	go func() {
		defer close(out)

		back := backoff.NewExponentialBackOff()
		back.MaxInterval = 10 * time.Second
		back.MaxElapsedTime = 0

		for ctx.Err() == nil {
			err := backoff.Retry(func() error {
				return s.consume(ctx, out, back)
			}, backoff.WithContext(back, ctx))
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("Opportunity subscription stopped", zap.Error(err))
			}
		}
	}()
	return out
}

// consume reads one subscription until it breaks
func (s *RedisOpportunitySource) consume(ctx context.Context, out chan<- Opportunity, back backoff.BackOff) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		s.log.Warn("Failed to subscribe to opportunities", zap.String("channel", s.channel), zap.Error(err))
		return err
	}
	back.Reset()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("subscription closed")
			}
			var opp Opportunity
			if err := json.Unmarshal([]byte(msg.Payload), &opp); err != nil {
				s.log.Warn("Failed to decode opportunity", zap.Error(err))
				continue
			}
			select {
			case out <- opp:
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
	}
}
