// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	endpointProbesOK        = metrics.NewCounter("endpoint_probes_ok_total")
	endpointProbesFailed    = metrics.NewCounter("endpoint_probes_failed_total")
	endpointDegradedChoices = metrics.NewCounter("endpoint_degraded_selections_total")

	budgetSimulationsFailed = metrics.NewCounter("budget_simulations_failed_total")

	financingQuotesOK     = metrics.NewCounter("financing_quotes_ok_total")
	financingQuotesFailed = metrics.NewCounter("financing_quotes_failed_total")
	financingChainsUsed   = metrics.NewCounter("financing_chains_used_total")

	broadcastAttempts = metrics.NewCounter("broadcast_attempts_total")
	broadcastAccepted = metrics.NewCounter("broadcast_accepted_total")
	broadcastFailed   = metrics.NewCounter("broadcast_failed_total")

	bundlesSubmitted = metrics.NewCounter("bundles_submitted_total")
	bundlesRejected  = metrics.NewCounter("bundles_rejected_total")

	opportunitiesReceived = metrics.NewCounter("opportunities_received_total")
)

const (
	probeLatencyLabel       = `endpoint_probe_latency_milliseconds{endpoint="%s"}`
	broadcastDurationLabel  = "broadcast_duration_milliseconds"
	executeDurationLabel    = "execute_duration_milliseconds"
	executionStatusLabel    = `executions_total{status="%s"}`
	executionStageFailLabel = `execution_failures_total{stage="%s"}`
	rpcCallDurationLabel    = `rpc_call_duration_milliseconds{method="%s"}`
	rpcCallFailureLabel     = `rpc_call_failures_total{method="%s"}`
)

func IncEndpointProbeOK() {
	endpointProbesOK.Inc()
}

func IncEndpointProbeFailed() {
	endpointProbesFailed.Inc()
}

func IncEndpointDegradedSelection() {
	endpointDegradedChoices.Inc()
}

func RecordEndpointProbeLatency(endpoint string, ms int64) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(probeLatencyLabel, endpoint)).Update(float64(ms))
}

func IncBudgetSimulationFailed() {
	budgetSimulationsFailed.Inc()
}

func IncFinancingQuoteOK() {
	financingQuotesOK.Inc()
}

func IncFinancingQuoteFailed() {
	financingQuotesFailed.Inc()
}

func IncFinancingChainUsed() {
	financingChainsUsed.Inc()
}

func AddBroadcastAttempts(n int) {
	broadcastAttempts.Add(n)
}

func IncBroadcastAccepted() {
	broadcastAccepted.Inc()
}

func IncBroadcastFailed() {
	broadcastFailed.Inc()
}

func RecordBroadcastDuration(ms int64) {
	metrics.GetOrCreateHistogram(broadcastDurationLabel).Update(float64(ms))
}

func IncBundleSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundleRejected() {
	bundlesRejected.Inc()
}

func IncOpportunitiesReceived() {
	opportunitiesReceived.Inc()
}

func IncExecution(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(executionStatusLabel, status)).Inc()
}

func IncExecutionFailure(stage string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(executionStageFailLabel, stage)).Inc()
}

func RecordExecuteDuration(ms int64) {
	metrics.GetOrCreateHistogram(executeDurationLabel).Update(float64(ms))
}

func RecordRPCCallDuration(method string, ms int64) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(rpcCallDurationLabel, method)).Update(float64(ms))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(rpcCallFailureLabel, method)).Inc()
}
