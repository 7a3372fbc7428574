package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var pipelineNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Limits holds the resource limits applied to a run. CPU values are in cores,
// memory values in megabytes. Zero means unset.
type Limits struct {
	CPUSoft   float64 `json:"cpu_soft_limit,omitempty"`
	CPUHard   float64 `json:"cpu_hard_limit,omitempty"`
	MemSoftMB int64   `json:"mem_soft_limit_mb,omitempty"`
	MemHardMB int64   `json:"mem_hard_limit_mb,omitempty"`
}

func (l Limits) Validate() error {
	if l.CPUSoft < 0 || l.CPUHard < 0 {
		return errors.New("cpu limits must be non-negative")
	}
	if l.MemSoftMB < 0 || l.MemHardMB < 0 {
		return errors.New("memory limits must be non-negative")
	}
	if l.CPUSoft > 0 && l.CPUHard > 0 && l.CPUSoft > l.CPUHard {
		return fmt.Errorf("cpu soft limit %g exceeds hard limit %g", l.CPUSoft, l.CPUHard)
	}
	if l.MemSoftMB > 0 && l.MemHardMB > 0 && l.MemSoftMB > l.MemHardMB {
		return fmt.Errorf("memory soft limit %dMB exceeds hard limit %dMB", l.MemSoftMB, l.MemHardMB)
	}
	return nil
}

// PipelineMetadata is the optional descriptor shipped next to a pipeline.
type PipelineMetadata struct {
	Limits
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Image       string            `json:"image,omitempty"`
	SecretEnv   []string          `json:"secret_env,omitempty"`
	DefaultEnv  map[string]string `json:"default_env,omitempty"`
}

// PipelineCounters aggregates run outcomes for a pipeline.
type PipelineCounters struct {
	Total      int64 `json:"total_runs"`
	Successful int64 `json:"successful_runs"`
	Failed     int64 `json:"failed_runs"`
}

// Pipeline is a parsed pipeline definition from the synced repository.
type Pipeline struct {
	Name            string           `json:"name"`
	Enabled         bool             `json:"enabled"`
	Metadata        PipelineMetadata `json:"metadata"`
	HasRequirements bool             `json:"has_requirements"`
	LastCacheWarmup *time.Time       `json:"last_cache_warmup,omitempty"`
	Counters        PipelineCounters `json:"counters"`
	Path            string           `json:"-"`
	Checksum        string           `json:"checksum"`
}

func ValidatePipelineName(name string) error {
	if !pipelineNamePattern.MatchString(name) {
		return fmt.Errorf("invalid pipeline name %q", name)
	}
	return nil
}

func (p Pipeline) Validate() error {
	if err := ValidatePipelineName(p.Name); err != nil {
		return err
	}
	if err := p.Metadata.Limits.Validate(); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.Name, err)
	}
	if p.Metadata.Timeout < 0 {
		return fmt.Errorf("pipeline %s: timeout must be non-negative", p.Name)
	}
	return nil
}
