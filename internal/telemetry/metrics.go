package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/caseflow"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Job metrics
	JobsCreatedTotal    metric.Int64Counter
	JobsAdmittedTotal   metric.Int64Counter
	JobsFinishedTotal   metric.Int64Counter
	JobsRunning         metric.Int64UpDownCounter
	DispatchErrorsTotal metric.Int64Counter
	DispatchDuration    metric.Float64Histogram
	LateEventsTotal     metric.Int64Counter

	// Log channel metrics
	LogEntriesAppended   metric.Int64Counter
	LogEntriesPruned     metric.Int64Counter
	ActiveSubscriptions  metric.Int64UpDownCounter
	ChannelOverflowTotal metric.Int64Counter

	// Lifecycle metrics
	CleanupStepsTotal      metric.Int64Counter
	CleanupStepDuration    metric.Float64Histogram
	OrganizationsPurged    metric.Int64Counter
	NotificationsDropped   metric.Int64Counter
	CredentialRevealsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.JobsCreatedTotal, _ = meter.Int64Counter(
		"caseflow.jobs.created.total",
		metric.WithDescription("Total number of jobs created"),
		metric.WithUnit("{job}"),
	)

	m.JobsAdmittedTotal, _ = meter.Int64Counter(
		"caseflow.jobs.admitted.total",
		metric.WithDescription("Total number of jobs admitted to a running slot"),
		metric.WithUnit("{job}"),
	)

	m.JobsFinishedTotal, _ = meter.Int64Counter(
		"caseflow.jobs.finished.total",
		metric.WithDescription("Total number of jobs reaching a terminal state"),
		metric.WithUnit("{job}"),
	)

	m.JobsRunning, _ = meter.Int64UpDownCounter(
		"caseflow.jobs.running",
		metric.WithDescription("Number of jobs holding a running slot"),
		metric.WithUnit("{job}"),
	)

	m.DispatchErrorsTotal, _ = meter.Int64Counter(
		"caseflow.dispatch.errors.total",
		metric.WithDescription("Total number of failed executor hand-offs"),
		metric.WithUnit("{error}"),
	)

	m.DispatchDuration, _ = meter.Float64Histogram(
		"caseflow.dispatch.duration",
		metric.WithDescription("Duration of executor hand-off calls"),
		metric.WithUnit("ms"),
	)

	m.LateEventsTotal, _ = meter.Int64Counter(
		"caseflow.dispatch.late_events.total",
		metric.WithDescription("Total number of executor events rejected after a terminal state"),
		metric.WithUnit("{event}"),
	)

	m.LogEntriesAppended, _ = meter.Int64Counter(
		"caseflow.logs.appended.total",
		metric.WithDescription("Total number of job log entries appended"),
		metric.WithUnit("{entry}"),
	)

	m.LogEntriesPruned, _ = meter.Int64Counter(
		"caseflow.logs.pruned.total",
		metric.WithDescription("Total number of job log entries removed by retention"),
		metric.WithUnit("{entry}"),
	)

	m.ActiveSubscriptions, _ = meter.Int64UpDownCounter(
		"caseflow.logs.subscriptions.active",
		metric.WithDescription("Number of active log stream subscriptions"),
		metric.WithUnit("{stream}"),
	)

	m.ChannelOverflowTotal, _ = meter.Int64Counter(
		"caseflow.channels.overflow.total",
		metric.WithDescription("Total number of channel overflow events (dropped updates)"),
		metric.WithUnit("{event}"),
	)

	m.CleanupStepsTotal, _ = meter.Int64Counter(
		"caseflow.cleanup.steps.total",
		metric.WithDescription("Total number of purge cleanup step attempts"),
		metric.WithUnit("{step}"),
	)

	m.CleanupStepDuration, _ = meter.Float64Histogram(
		"caseflow.cleanup.step.duration",
		metric.WithDescription("Duration of purge cleanup steps"),
		metric.WithUnit("ms"),
	)

	m.OrganizationsPurged, _ = meter.Int64Counter(
		"caseflow.organizations.purged.total",
		metric.WithDescription("Total number of organizations purged"),
		metric.WithUnit("{organization}"),
	)

	m.NotificationsDropped, _ = meter.Int64Counter(
		"caseflow.notifications.dropped.total",
		metric.WithDescription("Total number of lifecycle notifications that could not be published"),
		metric.WithUnit("{event}"),
	)

	m.CredentialRevealsTotal, _ = meter.Int64Counter(
		"caseflow.credentials.reveals.total",
		metric.WithDescription("Total number of unmasked credential reads"),
		metric.WithUnit("{read}"),
	)

	return m
}
