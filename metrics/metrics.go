// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	hintsReceived  = metrics.NewCounter("hints_received_total")
	hintsMalformed = metrics.NewCounter("hints_malformed_total")
	hintsDropped   = metrics.NewCounter("hints_dropped_total")
	hintsDuplicate = metrics.NewCounter("hints_duplicate_total")

	streamReconnects = metrics.NewCounter("hint_stream_reconnects_total")
	streamFailures   = metrics.NewCounter("hint_stream_failures_total")

	chainRequestRetries = metrics.NewCounter("chain_request_retries_total")
	chainUnavailable    = metrics.NewCounter("chain_unavailable_total")
	resolveStalled      = metrics.NewCounter("resolve_stalled_total")
)

const (
	relayRequestDurationLabel = `relay_request_duration_milliseconds{method="%s"}`
	relayRequestErrorsLabel   = `relay_request_errors_total{method="%s"}`
	outcomesLabel             = `submission_outcomes_total{status="%s"}`
	resolveDurationLabel      = `resolve_duration_milliseconds`
	queueFullLabel            = `queue_full_total{queue="%s"}`
	queuePopStaleItemLabel    = `queue_pop_stale_item_total{queue="%s"}`
	queueDroppedItemLabel     = `queue_dropped_item_total{queue="%s"}`
	queueProcessDurationLabel = `queue_process_duration_milliseconds{queue="%s"}`
)

func IncHintsReceived() {
	hintsReceived.Inc()
}

func IncHintsMalformed() {
	hintsMalformed.Inc()
}

func IncHintsDropped() {
	hintsDropped.Inc()
}

func IncHintsDuplicate() {
	hintsDuplicate.Inc()
}

func IncStreamReconnects() {
	streamReconnects.Inc()
}

func IncStreamFailures() {
	streamFailures.Inc()
}

func IncChainRequestRetries() {
	chainRequestRetries.Inc()
}

func IncChainUnavailable() {
	chainUnavailable.Inc()
}

func IncResolveStalled() {
	resolveStalled.Inc()
}

func RecordRelayRequestDuration(method string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(relayRequestDurationLabel, method)).Update(float64(duration))
}

func IncRelayRequestErrors(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(relayRequestErrorsLabel, method)).Inc()
}

func IncOutcome(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(outcomesLabel, status)).Inc()
}

func RecordResolveDuration(duration int64) {
	metrics.GetOrCreateSummary(resolveDurationLabel).Update(float64(duration))
}

func IncQueueFull(queue string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(queueFullLabel, queue)).Inc()
}

func IncQueuePopStaleItem(queue string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(queuePopStaleItemLabel, queue)).Inc()
}

func IncQueueDroppedItem(queue string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(queueDroppedItemLabel, queue)).Inc()
}

func RecordQueueProcessDuration(queue string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(queueProcessDurationLabel, queue)).Update(float64(duration))
}
