// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) error{
		validatePoolSettings,
		validateQueueSettings,
		validateTimingSettings,
		validateLimitSettings,
		validateAlertSettings,
		validateMetricsSettings,
	} {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validatePoolSettings(s *Settings) error {
	tiers := []struct {
		name string
		t    TierSettings
	}{
		{"small", s.Pool.Small},
		{"medium", s.Pool.Medium},
		{"large", s.Pool.Large},
	}
	prev := 0
	for _, tier := range tiers {
		switch {
		case tier.t.Size <= 0:
			return fmt.Errorf("pool.%s.size must be positive", tier.name)
		case tier.t.Size <= prev:
			return fmt.Errorf("pool.%s.size (%d) must be larger than the previous tier (%d)", tier.name, tier.t.Size, prev)
		case tier.t.MaxBuffers <= 0:
			return fmt.Errorf("pool.%s.max_buffers must be positive", tier.name)
		case tier.t.Preallocate < 0 || tier.t.Preallocate > tier.t.MaxBuffers:
			return fmt.Errorf("pool.%s.preallocate must be between 0 and max_buffers", tier.name)
		}
		prev = tier.t.Size
	}
	return nil
}

func validateQueueSettings(s *Settings) error {
	if s.Queues.CaptureDepth <= 0 || s.Queues.ProcessingDepth <= 0 || s.Queues.StorageDepth <= 0 {
		return fmt.Errorf("queue depths must be positive")
	}
	return nil
}

func validateTimingSettings(s *Settings) error {
	switch {
	case s.Locks.AcquireTimeout <= 0:
		return fmt.Errorf("locks.acquire_timeout must be positive")
	case s.Health.CheckInterval <= 0:
		return fmt.Errorf("health.check_interval must be positive")
	case s.Health.FailureWindow <= 0:
		return fmt.Errorf("health.failure_window must be positive")
	case s.Health.FailureHistory < 1:
		return fmt.Errorf("health.failure_history must be at least 1")
	case s.Cleanup.StepTimeout <= 0:
		return fmt.Errorf("cleanup.step_timeout must be positive")
	case s.Cleanup.VerifyRetries < 1:
		return fmt.Errorf("cleanup.verify_retries must be at least 1")
	case s.Cleanup.VerifyDelay < 0:
		return fmt.Errorf("cleanup.verify_delay must not be negative")
	}
	return nil
}

func validateLimitSettings(s *Settings) error {
	if s.Resources.MaxThreads <= 0 || s.Resources.MaxHandles <= 0 {
		return fmt.Errorf("resource limits must be positive")
	}
	return nil
}

func validateAlertSettings(s *Settings) error {
	switch {
	case s.Alerts.Buffer <= 0:
		return fmt.Errorf("alerts.buffer must be positive")
	case s.Alerts.RatePerSecond <= 0:
		return fmt.Errorf("alerts.rate_per_second must be positive")
	case s.Alerts.Burst < 1:
		return fmt.Errorf("alerts.burst must be at least 1")
	case s.Alerts.DedupTTL < 0:
		return fmt.Errorf("alerts.dedup_ttl must not be negative")
	}
	return nil
}

func validateMetricsSettings(s *Settings) error {
	if !s.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Metrics.Listen); err != nil {
		return fmt.Errorf("metrics.listen %q is not a valid address: %w", s.Metrics.Listen, err)
	}
	return nil
}
