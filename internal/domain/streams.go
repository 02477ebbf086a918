package domain

// Stream names shared between the coordinator and its collaborators.
const (
	// StreamHealth carries fleet health envelopes and the coordinator self-report.
	StreamHealth = "stream:health"
	// StreamOpportunities carries detector-emitted arbitrage opportunities.
	StreamOpportunities = "stream:opportunities"
	// StreamWhaleAlerts carries large-transfer notifications.
	StreamWhaleAlerts = "stream:whale-alerts"
	// StreamSwapEvents carries wrapped swap-event envelopes.
	StreamSwapEvents = "stream:swap-events"
	// StreamVolumeAggregates carries wrapped windowed volume envelopes.
	StreamVolumeAggregates = "stream:volume-aggregates"
	// StreamPriceUpdates carries wrapped price ticks.
	StreamPriceUpdates = "stream:price-updates"
	// StreamExecutionResults carries executor outcomes for forwarded opportunities.
	StreamExecutionResults = "stream:execution-results"
	// StreamExecutionRequests is the leader-only output stream to the executor.
	StreamExecutionRequests = "stream:execution-requests"
	// StreamDeadLetter archives messages whose handlers failed.
	StreamDeadLetter = "stream:dead-letter-queue"
)
