package types

// Telemetry metric names for CloudWatch.
const (
	// Metric Names
	MetricDeliveryAttempt          = "DeliveryAttempt"
	MetricDeliveryLatency          = "DeliveryLatency"
	MetricDispatchQueueLag         = "DispatchQueueLag"
	MetricPersistenceInconsistency = "PersistenceInconsistency"
	MetricSwitchesTriggered        = "SwitchesTriggered"
	MetricTriggerConflicts         = "TriggerConflicts"
	MetricBatchItemFailures        = "BatchItemFailures"
	MetricRemindersSent            = "RemindersSent"
	MetricJobsEnqueued             = "JobsEnqueued"

	// Dimension Keys
	DimResult = "Result"
	DimTask   = "Task"

	// Default Metric Namespace
	MetricNamespace = "DeadSwitch"
)
