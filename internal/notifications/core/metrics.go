package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"deadswitch/internal/scheduler"
	"deadswitch/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var (
	_ DispatchMetrics        = (*CloudWatchMetrics)(nil)
	_ scheduler.BatchMetrics = (*CloudWatchMetrics)(nil)
	_ DispatchMetrics        = NoopMetrics{}
	_ scheduler.BatchMetrics = NoopMetrics{}
)

// CloudWatchMetrics publishes dispatch and batch metrics to CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Result} on every dispatch outcome
//   - DeliveryLatency: transport call duration
//   - DispatchQueueLag: time between enqueue and processing start
//   - PersistenceInconsistency: sent but not marked sent
//   - SwitchesTriggered, TriggerConflicts, RemindersSent
//   - JobsEnqueued, BatchItemFailures: Dims {Task}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace falls
// back to types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to publish metrics",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func count(name string, v int, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(v)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func millis(name string, d time.Duration) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// RecordDelivery emits DeliveryAttempt with the Result dimension.
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, result MetricResult) {
	m.put(ctx, count(types.MetricDeliveryAttempt, 1, dim(types.DimResult, string(result))))
}

func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, millis(types.MetricDeliveryLatency, d))
}

func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, millis(types.MetricDispatchQueueLag, lag))
}

// RecordInconsistency counts messages delivered but not marked sent. Alarm on
// any non-zero value.
func (m *CloudWatchMetrics) RecordInconsistency(ctx context.Context) {
	m.put(ctx, count(types.MetricPersistenceInconsistency, 1))
}

func (m *CloudWatchMetrics) RecordTriggered(ctx context.Context, triggered, conflicts int) {
	m.put(ctx,
		count(types.MetricSwitchesTriggered, triggered),
		count(types.MetricTriggerConflicts, conflicts),
	)
}

func (m *CloudWatchMetrics) RecordJobsEnqueued(ctx context.Context, task string, n int) {
	m.put(ctx, count(types.MetricJobsEnqueued, n, dim(types.DimTask, task)))
}

func (m *CloudWatchMetrics) RecordRemindersSent(ctx context.Context, n int) {
	m.put(ctx, count(types.MetricRemindersSent, n))
}

func (m *CloudWatchMetrics) RecordBatchFailures(ctx context.Context, task string, n int) {
	m.put(ctx, count(types.MetricBatchItemFailures, n, dim(types.DimTask, task)))
}

// NoopMetrics discards everything. Used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordDelivery(context.Context, MetricResult)     {}
func (NoopMetrics) RecordLatency(context.Context, time.Duration)     {}
func (NoopMetrics) RecordQueueLag(context.Context, time.Duration)    {}
func (NoopMetrics) RecordInconsistency(context.Context)              {}
func (NoopMetrics) RecordTriggered(context.Context, int, int)        {}
func (NoopMetrics) RecordJobsEnqueued(context.Context, string, int)  {}
func (NoopMetrics) RecordRemindersSent(context.Context, int)         {}
func (NoopMetrics) RecordBatchFailures(context.Context, string, int) {}
