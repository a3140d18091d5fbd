package metrics

import (
	"sync"
	"time"
)

// Collector provides a centralized way to collect and retrieve metrics
type Collector struct {
	mutex               sync.RWMutex
	counters            map[string]int64
	gauges              map[string]float64
	requestCounts       map[string]int64
	requestLatencies    map[string][]time.Duration
	stepLatencies       map[string][]time.Duration
	databaseQueryCounts map[string]int64
	databaseLatencies   map[string][]time.Duration
	errorCounts         map[string]int64
	startTime           time.Time
	maxSamples          int
}

// Counter metrics
const (
	CounterHTTPRequests        = "http_requests_total"
	CounterHTTPRequestsError   = "http_requests_error_total"
	CounterEventsAppended      = "events_appended_total"
	CounterEventsFailed        = "events_processing_failed_total"
	CounterEventsReprocessed   = "events_reprocessed_total"
	CounterVersionConflicts    = "version_conflicts_total"
	CounterJobsCreated         = "jobs_created_total"
	CounterJobsClaimed         = "jobs_claimed_total"
	CounterClaimsLost          = "claims_lost_total"
	CounterJobsCompleted       = "jobs_completed_total"
	CounterJobsFailed          = "jobs_failed_total"
	CounterJobsRequeued        = "jobs_requeued_total"
	CounterFeedNotifications   = "feed_notifications_total"
	CounterStepRetries         = "saga_step_retries_total"
	CounterCompensations       = "saga_compensations_total"
	CounterQuorumFailures      = "quorum_failures_total"
	CounterNotificationsSent   = "notifications_sent_total"
	CounterDBQueriesTotal      = "db_queries_total"
	CounterDBQueriesError      = "db_queries_error_total"
	CounterErrorsTotal         = "errors_total"
	CounterReadBackFailures    = "read_back_failures_total"
	CounterObserverFailures    = "observer_failures_total"
	CounterWorkflowsStarted    = "workflows_started_total"
	CounterWorkflowsDuplicates = "workflows_duplicate_start_total"
	CounterEventsIndexed       = "events_indexed_total"
)

// Gauge metrics
const (
	GaugeRunningWorkflows = "running_workflows"
	GaugePendingJobs      = "pending_jobs"
)

// Database query types
const (
	DBQueryTypeSelect = "select"
	DBQueryTypeInsert = "insert"
	DBQueryTypeUpdate = "update"
	DBQueryTypeDelete = "delete"
	DBQueryTypeRaw    = "raw"
)

// Error types
const (
	ErrorTypeHTTP       = "http"
	ErrorTypeValidation = "validation"
	ErrorTypeDatabase   = "database"
	ErrorTypeProjection = "projection"
	ErrorTypeWorkflow   = "workflow"
	ErrorTypeMessaging  = "messaging"
	ErrorTypeSearch     = "search"
)

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		counters:            make(map[string]int64),
		gauges:              make(map[string]float64),
		requestCounts:       make(map[string]int64),
		requestLatencies:    make(map[string][]time.Duration),
		stepLatencies:       make(map[string][]time.Duration),
		databaseQueryCounts: make(map[string]int64),
		databaseLatencies:   make(map[string][]time.Duration),
		errorCounts:         make(map[string]int64),
		startTime:           time.Now(),
		maxSamples:          1000,
	}
}

// IncrementCounter increments a counter by the given value
func (m *Collector) IncrementCounter(name string, value int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.counters[name] += value
}

// Inc increments a counter by one
func (m *Collector) Inc(name string) {
	m.IncrementCounter(name, 1)
}

// Counter returns the current value of a counter
func (m *Collector) Counter(name string) int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.counters[name]
}

// SetGauge sets a gauge to the given value
func (m *Collector) SetGauge(name string, value float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gauges[name] = value
}

// AddGauge adds delta to a gauge
func (m *Collector) AddGauge(name string, delta float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gauges[name] += delta
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Collector) RecordHTTPRequest(path string, statusCode int, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters[CounterHTTPRequests]++
	m.requestCounts[path]++
	m.requestLatencies[path] = m.appendSample(m.requestLatencies[path], latency)

	if statusCode >= 400 {
		m.counters[CounterHTTPRequestsError]++
		m.errorCounts[ErrorTypeHTTP]++
	}
}

// RecordStep records the latency of one saga step attempt
func (m *Collector) RecordStep(step string, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stepLatencies[step] = m.appendSample(m.stepLatencies[step], latency)
}

// RecordDatabaseQuery records metrics for a database query
func (m *Collector) RecordDatabaseQuery(queryType string, success bool, latency time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.databaseQueryCounts[queryType]++
	m.counters[CounterDBQueriesTotal]++
	if !success {
		m.counters[CounterDBQueriesError]++
		m.errorCounts[ErrorTypeDatabase]++
	}
	m.databaseLatencies[queryType] = m.appendSample(m.databaseLatencies[queryType], latency)
}

// RecordError records an error of the given type
func (m *Collector) RecordError(errorType string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.errorCounts[errorType]++
	m.counters[CounterErrorsTotal]++
}

func (m *Collector) appendSample(samples []time.Duration, latency time.Duration) []time.Duration {
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	return append(samples, latency)
}

func averages(samples map[string][]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(samples))
	for key, latencies := range samples {
		if len(latencies) == 0 {
			continue
		}
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		out[key] = float64(sum.Milliseconds()) / float64(len(latencies))
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// GetMetrics returns all collected metrics in a structured format
func (m *Collector) GetMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	gauges := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds":        time.Since(m.startTime).Seconds(),
		"counters":              copyCounts(m.counters),
		"gauges":                gauges,
		"request_counts":        copyCounts(m.requestCounts),
		"request_latencies_ms":  averages(m.requestLatencies),
		"step_latencies_ms":     averages(m.stepLatencies),
		"database_query_counts": copyCounts(m.databaseQueryCounts),
		"database_latencies_ms": averages(m.databaseLatencies),
		"error_counts":          copyCounts(m.errorCounts),
	}
}

// GetHealthStatus returns a simple health status based on metrics
func (m *Collector) GetHealthStatus() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	errorRate := 0.0
	total := m.counters[CounterHTTPRequests]
	if total > 0 {
		errorRate = float64(m.counters[CounterHTTPRequestsError]) / float64(total)
	}

	// More than 5% failing requests is unhealthy.
	const errorRateThreshold = 0.05

	return map[string]interface{}{
		"healthy":          errorRate <= errorRateThreshold,
		"uptime_seconds":   time.Since(m.startTime).Seconds(),
		"total_requests":   total,
		"error_rate":       errorRate,
		"events_failed":    m.counters[CounterEventsFailed],
		"jobs_failed":      m.counters[CounterJobsFailed],
		"running_workflow": m.gauges[GaugeRunningWorkflows],
	}
}

var (
	globalCollector *Collector
	once            sync.Once
)

// Get returns the global metrics collector instance
func Get() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}
