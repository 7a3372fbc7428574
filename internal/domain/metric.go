package domain

import "time"

// MetricSample is a single resource usage observation of a running container.
type MetricSample struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_percent"`
	RAMMB             float64   `json:"ram_mb"`
	RAMLimitMB        *float64  `json:"ram_limit_mb,omitempty"`
	SoftLimitExceeded bool      `json:"soft_limit_exceeded"`
	CPUSoftExceeded   bool      `json:"cpu_soft_limit_exceeded,omitempty"`
	MemSoftExceeded   bool      `json:"mem_soft_limit_exceeded,omitempty"`
}
