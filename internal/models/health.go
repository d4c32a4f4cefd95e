package models

import (
	"fmt"
	"time"
)

// HealthCheckType identifies how a health check is evaluated.
type HealthCheckType string

const (
	// CheckContainer asks the remote container runtime whether a named
	// container is in the running state.
	CheckContainer HealthCheckType = "container"
	// CheckHTTP issues an HTTP request and compares the status code
	// against the expected range.
	CheckHTTP HealthCheckType = "http"
	// CheckTCP attempts a TCP connection to host:port.
	CheckTCP HealthCheckType = "tcp"
)

// HealthCheck is one entry in a service's health check spec. Static
// configuration supplied by the caller; the success predicate is part of
// the check, not hardcoded in the validator.
type HealthCheck struct {
	Name string          `yaml:"name" json:"name"`
	Type HealthCheckType `yaml:"type" json:"type"`

	// Container is the container name for CheckContainer.
	Container string `yaml:"container,omitempty" json:"container,omitempty"`

	// URL is the probe target for CheckHTTP.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// ExpectStatusMin/Max bound the acceptable HTTP status codes.
	// Zero values default to the 200-399 range.
	ExpectStatusMin int `yaml:"expect_status_min,omitempty" json:"expect_status_min,omitempty"`
	ExpectStatusMax int `yaml:"expect_status_max,omitempty" json:"expect_status_max,omitempty"`

	// Target is the host:port for CheckTCP.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// Timeout bounds the total polling time for this check.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Interval is the polling interval.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// Validate checks that the health check is well formed.
func (c *HealthCheck) Validate() error {
	switch c.Type {
	case CheckContainer:
		if c.Container == "" {
			return fmt.Errorf("health check %q: container is required", c.Name)
		}
	case CheckHTTP:
		if c.URL == "" {
			return fmt.Errorf("health check %q: url is required", c.Name)
		}
	case CheckTCP:
		if c.Target == "" {
			return fmt.Errorf("health check %q: target is required", c.Name)
		}
	default:
		return fmt.Errorf("health check %q: unknown type %q", c.Name, c.Type)
	}
	return nil
}

// StatusRange returns the acceptable HTTP status bounds, applying the
// 200-399 default.
func (c *HealthCheck) StatusRange() (int, int) {
	lo, hi := c.ExpectStatusMin, c.ExpectStatusMax
	if lo == 0 {
		lo = 200
	}
	if hi == 0 {
		hi = 399
	}
	return lo, hi
}

// HealthCheckResult is the outcome of one health check. Appended to a
// DeploymentRecord and never mutated afterward.
type HealthCheckResult struct {
	Name      string          `json:"name"`
	Type      HealthCheckType `json:"type"`
	Passed    bool            `json:"passed"`
	Detail    string          `json:"detail,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
	CheckedAt time.Time       `json:"checked_at"`
}

// AllPassed reports whether every result in the slice passed. An empty
// slice passes vacuously (a service with no configured checks).
func AllPassed(results []HealthCheckResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
