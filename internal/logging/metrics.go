package logging

import (
	"fmt"
	"sync"
	"time"
)

// Metrics tracks API calls, resource operations and step durations
type Metrics struct {
	StartTime     time.Time                   `json:"start_time"`
	EndTime       time.Time                   `json:"end_time"`
	Duration      string                      `json:"duration"`
	APICalls      map[string]APICallMetrics   `json:"api_calls"`
	Resources     map[string]ResourceMetrics  `json:"resources"`
	Operations    map[string]OperationMetrics `json:"operations"`
	TotalAPICalls int                         `json:"total_api_calls"`
	TotalSuccess  int                         `json:"total_success"`
	TotalFailures int                         `json:"total_failures"`
	mu            sync.RWMutex
}

// APICallMetrics tracks metrics for a specific API call
type APICallMetrics struct {
	Count       int      `json:"count"`
	Success     int      `json:"success"`
	Failures    int      `json:"failures"`
	SuccessRate float64  `json:"success_rate"`
	Errors      []string `json:"errors,omitempty"`
}

// ResourceMetrics tracks what happened to a single resource during a run
type ResourceMetrics struct {
	Operations []string `json:"operations"`
	Failures   int      `json:"failures"`
	Errors     []string `json:"errors,omitempty"`
}

// OperationMetrics tracks metrics for high-level operations (stack steps)
type OperationMetrics struct {
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsFound     int           `json:"items_found"`
}

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance (singleton)
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		StartTime:  time.Now(),
		APICalls:   make(map[string]APICallMetrics),
		Resources:  make(map[string]ResourceMetrics),
		Operations: make(map[string]OperationMetrics),
	}
}

// Reset clears all recorded metrics. The CLI calls it once per command.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := newMetrics()
	m.StartTime = fresh.StartTime
	m.EndTime = time.Time{}
	m.Duration = ""
	m.APICalls = fresh.APICalls
	m.Resources = fresh.Resources
	m.Operations = fresh.Operations
	m.TotalAPICalls = 0
	m.TotalSuccess = 0
	m.TotalFailures = 0
}

// RecordAPICall records an API call with success/failure
func (m *Metrics) RecordAPICall(apiName string, success bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalAPICalls++
	if success {
		m.TotalSuccess++
	} else {
		m.TotalFailures++
	}

	metrics := m.APICalls[apiName]
	metrics.Count++
	if success {
		metrics.Success++
	} else {
		metrics.Failures++
		if err != nil && len(metrics.Errors) < 10 {
			metrics.Errors = append(metrics.Errors, err.Error())
		}
	}
	if metrics.Count > 0 {
		metrics.SuccessRate = float64(metrics.Success) / float64(metrics.Count) * 100
	}
	m.APICalls[apiName] = metrics
}

// RecordResource records an operation (create, reuse, delete...) on a resource
func (m *Metrics) RecordResource(resource, operation string, success bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.Resources[resource]
	metrics.Operations = append(metrics.Operations, operation)
	if !success {
		metrics.Failures++
		if err != nil && len(metrics.Errors) < 5 {
			metrics.Errors = append(metrics.Errors, fmt.Sprintf("%s: %v", operation, err))
		}
	}
	m.Resources[resource] = metrics
}

// RecordOperation records a high-level operation
func (m *Metrics) RecordOperation(operationName string, duration time.Duration, success bool, itemsProcessed, itemsFound int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opMetrics := OperationMetrics{
		Duration:       duration,
		Success:        success,
		ItemsProcessed: itemsProcessed,
		ItemsFound:     itemsFound,
	}
	if err != nil {
		opMetrics.Error = err.Error()
	}
	m.Operations[operationName] = opMetrics
}

// Finish stamps the end time and duration
func (m *Metrics) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EndTime = time.Now()
	m.Duration = m.EndTime.Sub(m.StartTime).Round(time.Millisecond).String()
}

// Snapshot returns a copy that is safe to serialize while the run continues
func (m *Metrics) Snapshot() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &Metrics{
		StartTime:     m.StartTime,
		EndTime:       m.EndTime,
		Duration:      m.Duration,
		APICalls:      make(map[string]APICallMetrics, len(m.APICalls)),
		Resources:     make(map[string]ResourceMetrics, len(m.Resources)),
		Operations:    make(map[string]OperationMetrics, len(m.Operations)),
		TotalAPICalls: m.TotalAPICalls,
		TotalSuccess:  m.TotalSuccess,
		TotalFailures: m.TotalFailures,
	}
	for k, v := range m.APICalls {
		out.APICalls[k] = v
	}
	for k, v := range m.Resources {
		out.Resources[k] = v
	}
	for k, v := range m.Operations {
		out.Operations[k] = v
	}
	return out
}
