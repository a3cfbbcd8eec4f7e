package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	redisadapter "github.com/flashbots/execution-router/adapters/redis"
	"github.com/flashbots/execution-router/jsonrpcserver"
	"github.com/flashbots/execution-router/router"
	"github.com/flashbots/go-utils/cli"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// .env is read before the defaults below are resolved
	_ = godotenv.Load()

	// Default values
	defaultDebug                  = os.Getenv("DEBUG") == "1"
	defaultLogProd                = os.Getenv("LOG_PROD") == "1"
	defaultLogService             = os.Getenv("LOG_SERVICE")
	defaultPort                   = cli.GetEnv("PORT", "8080")
	defaultMetricsPort            = cli.GetEnv("METRICS_PORT", "8088")
	defaultConfigFile             = cli.GetEnv("CONFIG_FILE", "router.yaml")
	defaultRedisEndpoint          = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultResultsChannel         = cli.GetEnv("REDIS_RESULTS_CHANNEL", "execution-results")
	defaultOpportunitiesChannel   = cli.GetEnv("REDIS_OPPORTUNITIES_CHANNEL", "opportunities")
	defaultPostgresDSN            = cli.GetEnv("POSTGRES_DSN", "")
	defaultProbeInterval          = cli.GetEnv("PROBE_INTERVAL", "30s")
	defaultProbeTimeout           = cli.GetEnv("PROBE_TIMEOUT", "5s")
	defaultBroadcastTargets       = cli.GetEnv("BROADCAST_TARGETS", "5")
	defaultConfirmTimeout         = cli.GetEnv("CONFIRM_TIMEOUT", "30s")
	defaultExecuteRateLimit       = cli.GetEnv("EXECUTE_RATE_LIMIT", "10")
	defaultRunnerWorkers          = cli.GetEnv("RUNNER_WORKERS", "4")
	defaultProviderHealthCron     = cli.GetEnv("PROVIDER_HEALTH_CRON", "*/30 * * * * *")
	defaultLedgerSize             = cli.GetEnv("LEDGER_SIZE", "1000")
	defaultSignerURL              = cli.GetEnv("SIGNER_URL", "http://127.0.0.1:9100")
	defaultBuilderURL             = cli.GetEnv("BUILDER_URL", "http://127.0.0.1:9200")
	defaultExecutionLockKeyPrefix = cli.GetEnv("EXECUTION_LOCK_PREFIX", "router-lock:")
	defaultPriorityFeePercentile  = cli.GetEnv("PRIORITY_FEE_PERCENTILE", "75")
	defaultChainMaxLegs           = cli.GetEnv("CHAIN_MAX_LEGS", "2")

	// Flags
	debugPtr                = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr              = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr           = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr                 = flag.String("port", defaultPort, "port to listen on")
	metricsPortPtr          = flag.String("metrics-port", defaultMetricsPort, "port for metrics and pprof")
	configFilePtr           = flag.String("config", defaultConfigFile, "endpoints and providers config file")
	redisPtr                = flag.String("redis", defaultRedisEndpoint, "redis url string")
	resultsChannelPtr       = flag.String("results-channel", defaultResultsChannel, "redis pub/sub channel for execution results")
	opportunitiesChannelPtr = flag.String("opportunities-channel", defaultOpportunitiesChannel, "redis pub/sub channel to read opportunities from, empty disables")
	postgresDSNPtr          = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, empty disables the result archive")
	probeIntervalPtr        = flag.String("probe-interval", defaultProbeInterval, "endpoint probe interval")
	probeTimeoutPtr         = flag.String("probe-timeout", defaultProbeTimeout, "endpoint probe timeout")
	broadcastTargetsPtr     = flag.String("broadcast-targets", defaultBroadcastTargets, "number of endpoints a transaction is sent to")
	confirmTimeoutPtr       = flag.String("confirm-timeout", defaultConfirmTimeout, "how long to wait for confirmation, 0 disables tracking")
	executeRateLimitPtr     = flag.String("execute-rate-limit", defaultExecuteRateLimit, "executions per second, 0 means unlimited")
	runnerWorkersPtr        = flag.String("runner-workers", defaultRunnerWorkers, "number of concurrent executions for subscribed opportunities")
	providerHealthCronPtr   = flag.String("provider-health-cron", defaultProviderHealthCron, "cron schedule (with seconds) for provider health checks")
	ledgerSizePtr           = flag.String("ledger-size", defaultLedgerSize, "number of execution results kept in memory")
	signerURLPtr            = flag.String("signer-url", defaultSignerURL, "transaction signer endpoint")
	builderURLPtr           = flag.String("builder-url", defaultBuilderURL, "transaction builder endpoint")
	lockPrefixPtr           = flag.String("execution-lock-prefix", defaultExecutionLockKeyPrefix, "redis key prefix for execution locks")
	feePercentilePtr        = flag.String("priority-fee-percentile", defaultPriorityFeePercentile, "percentile of recent priority fees to pay")
	chainMaxLegsPtr         = flag.String("chain-max-legs", defaultChainMaxLegs, "maximum number of legs in a loan chain")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting execution-router", zap.String("version", version))

	config, err := router.LoadConfig(*configFilePtr)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	probeInterval := mustDuration(logger, "probe interval", *probeIntervalPtr)
	probeTimeout := mustDuration(logger, "probe timeout", *probeTimeoutPtr)
	confirmTimeout := mustDuration(logger, "confirm timeout", *confirmTimeoutPtr)
	broadcastTargets := mustInt(logger, "broadcast targets", *broadcastTargetsPtr)
	runnerWorkers := mustInt(logger, "runner workers", *runnerWorkersPtr)
	ledgerSize := mustInt(logger, "ledger size", *ledgerSizePtr)
	chainMaxLegs := mustInt(logger, "chain max legs", *chainMaxLegsPtr)

	rateLimit, err := strconv.ParseFloat(*executeRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse execute rate limit", zap.Error(err))
	}
	executeRateLimit := rate.Limit(rateLimit)
	if rateLimit <= 0 {
		executeRateLimit = rate.Inf
	}
	feePercentile, err := strconv.ParseFloat(*feePercentilePtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse priority fee percentile", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(*redisPtr)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	monitor := router.NewEndpointMonitor(logger, router.MonitorConfig{
		ProbeInterval: probeInterval,
		ProbeTimeout:  probeTimeout,
	}, router.NewJSONRPCNode, config.Endpoints)
	monitorWg := monitor.Start(ctx)

	fees := router.NewFeeTracker(logger, router.FeeTrackerConfig{Percentile: feePercentile}, monitor)
	estimator := router.NewComputeBudgetEstimator(logger, router.EstimatorConfig{}, monitor, fees)

	aggregator := router.NewLiquidityAggregator(logger, router.AggregatorConfig{Policy: config.ChainPolicy.Policy()}, nil)
	for _, p := range config.FinancingProviders() {
		if err := aggregator.RegisterProvider(p); err != nil {
			logger.Fatal("Failed to register provider", zap.String("provider", p.ID), zap.Error(err))
		}
	}

	broadcaster := router.NewBroadcaster(logger, router.BroadcasterConfig{
		MaxTargets:     broadcastTargets,
		ConfirmTimeout: confirmTimeout,
	}, monitor)

	var relay router.BundleRelay
	if config.Relay != nil {
		relay = router.NewJSONRPCBundleRelay(config.Relay.URL, config.Relay.AuthHeader, config.Relay.AuthToken)
		logger.Info("Bundle relay configured", zap.String("relay", config.Relay.URL))
	}
	bundles := router.NewBundleCoordinator(logger, router.BundleConfig{}, relay, broadcaster)

	components := router.Components{
		Endpoints:   monitor,
		Estimator:   estimator,
		Liquidity:   aggregator,
		Broadcaster: broadcaster,
		Bundles:     bundles,
		Builder:     router.NewJSONRPCBuilder(*builderURLPtr),
		Signer:      router.NewJSONRPCSigner(*signerURLPtr),
		Lock:        redisadapter.NewExecutionLock(redisClient, *lockPrefixPtr),
		Notifier:    router.NewRedisResultNotifier(redisClient, *resultsChannelPtr),
	}
	if *postgresDSNPtr != "" {
		dbStore, err := router.NewDBResultStore(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres result store", zap.Error(err))
		}
		defer dbStore.Close()
		components.Store = dbStore
	}

	orchestrator := router.NewOrchestrator(logger, router.OrchestratorConfig{
		ChainMaxLegs:     chainMaxLegs,
		BroadcastTargets: broadcastTargets,
		ConfirmTimeout:   confirmTimeout,
		LedgerSize:       ledgerSize,
	}, components)

	runnerWg := &sync.WaitGroup{}
	if *opportunitiesChannelPtr != "" {
		source := router.NewRedisOpportunitySource(logger, redisClient, *opportunitiesChannelPtr)
		runnerWg = router.NewRunner(logger, source, orchestrator, runnerWorkers, executeRateLimit).Start(ctx)
	}

	scheduler := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger)))))
	_, err = scheduler.AddFunc(*providerHealthCronPtr, func() {
		aggregator.HealthCheck(ctx)
	})
	if err != nil {
		logger.Fatal("Failed to schedule provider health checks", zap.Error(err))
	}
	scheduler.Start()

	api := router.NewAPI(logger, orchestrator, monitor, aggregator, executeRateLimit)
	jsonRPCServer, err := jsonrpcserver.NewHandler(logger, api.Methods())
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	<-scheduler.Stop().Done()
	// wait for in-flight executions before draining their sinks
	runnerWg.Wait()
	monitorWg.Wait()
	broadcaster.Wait()
	orchestrator.Wait()
}

func mustDuration(logger *zap.Logger, name, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Fatal("Failed to parse "+name, zap.String("value", value), zap.Error(err))
	}
	return d
}

func mustInt(logger *zap.Logger, name, value string) int {
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		logger.Fatal("Failed to parse "+name, zap.String("value", value), zap.Error(err))
	}
	return n
}
