package types

// Telemetry metric names for CloudWatch. All components use these constants.
const (
	MetricMessageAccepted   = "MessageAccepted"
	MetricMessageRejected   = "MessageRejected"
	MetricMessageDuplicate  = "MessageDuplicate"
	MetricDispatchFailure   = "DispatchFailure"
	MetricIngestLatency     = "IngestLatency"
	MetricBatchSize         = "BatchSize"
	MetricMaintenancePurged = "MaintenancePurged"

	// Dimension Keys
	DimKind     = "Kind"
	DimReason   = "Reason"
	DimTask     = "Task"
	DimEndpoint = "Endpoint"

	// Metric Namespace
	MetricNamespace = "RealmRelay"
)
