package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Validation range constants.
const (
	minPageSize    = 1
	maxPageSize    = 500
	minWorkers     = 1
	maxWorkers     = 64
	minMaxAttempts = 1
	minRetryDelay  = time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	for id, ic := range cfg.Integrations {
		errs = append(errs, validateIntegration(id, &ic)...)
	}

	return errors.Join(errs...)
}

func validateQueue(qc *QueueConfig) []error {
	var errs []error

	if qc.MaxAttempts < minMaxAttempts {
		errs = append(errs, fmt.Errorf("queue.max_attempts: must be >= %d, got %d",
			minMaxAttempts, qc.MaxAttempts))
	}

	if qc.RetryDelay != "" {
		d, err := time.ParseDuration(qc.RetryDelay)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue.retry_delay: %w", err))
		} else if d < minRetryDelay {
			errs = append(errs, fmt.Errorf("queue.retry_delay: must be >= %s, got %s",
				minRetryDelay, d))
		}
	}

	return errs
}

func validateLogging(lc *LoggingConfig) []error {
	var errs []error

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(lc.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("logging.log_level: unknown level %q", lc.LogLevel))
	}

	switch lc.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be auto, text, or json, got %q",
			lc.LogFormat))
	}

	return errs
}

func validateIntegration(id string, ic *IntegrationConfig) []error {
	var errs []error

	if ic.Vendor == "" {
		errs = append(errs, fmt.Errorf("integration.%s.vendor: required", id))
	}

	if ic.BaseURL == "" {
		errs = append(errs, fmt.Errorf("integration.%s.base_url: required", id))
	}

	switch ic.Strategy {
	case StrategyPage, StrategyCursor:
	default:
		errs = append(errs, fmt.Errorf("integration.%s.strategy: must be %q or %q, got %q",
			id, StrategyPage, StrategyCursor, ic.Strategy))
	}

	for name, v := range map[string]int{
		"initial_page_size": ic.InitialPageSize,
		"ongoing_page_size": ic.OngoingPageSize,
	} {
		if v < minPageSize || v > maxPageSize {
			errs = append(errs, fmt.Errorf("integration.%s.%s: must be %d-%d, got %d",
				id, name, minPageSize, maxPageSize, v))
		}
	}

	if ic.Workers < minWorkers || ic.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("integration.%s.workers: must be %d-%d, got %d",
			id, minWorkers, maxWorkers, ic.Workers))
	}

	if ic.MaxInFlight < ic.Workers {
		errs = append(errs, fmt.Errorf("integration.%s.max_in_flight: must be >= workers (%d), got %d",
			id, ic.Workers, ic.MaxInFlight))
	}

	return errs
}

// RetryDelayDuration parses the queue retry delay, falling back to the
// default when unset.
func (qc *QueueConfig) RetryDelayDuration() time.Duration {
	if qc.RetryDelay == "" {
		d, _ := time.ParseDuration(defaultRetryDelay)
		return d
	}

	d, err := time.ParseDuration(qc.RetryDelay)
	if err != nil {
		d, _ = time.ParseDuration(defaultRetryDelay)
	}

	return d
}
