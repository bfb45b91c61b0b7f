package models

import "time"

// HealthStatus is a point-in-time snapshot of one backend's health,
// derived from a bounded sliding window of call outcomes.
type HealthStatus struct {
	Provider             ProviderType  `json:"provider"`
	IsHealthy            bool          `json:"is_healthy"`
	Availability         float64       `json:"availability"`
	AverageResponseTime  time.Duration `json:"average_response_time"`
	SuccessRate          float64       `json:"success_rate"`
	TotalRequests        int64         `json:"total_requests"`
	SuccessfulRequests   int64         `json:"successful_requests"`
	FailedRequests       int64         `json:"failed_requests"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastSuccessTime      *time.Time    `json:"last_success_time,omitempty"`
	LastFailureTime      *time.Time    `json:"last_failure_time,omitempty"`
}
