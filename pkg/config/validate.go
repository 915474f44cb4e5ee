package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// server.port must be positive.
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	if c.Server.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("server.max_in_flight must be >= 0, got %d", c.Server.MaxInFlight))
	}

	switch c.Router.Strategy {
	case "roundrobin", "leastbusy", "latency", "usagebased":
		// valid
	default:
		errs = append(errs, fmt.Errorf("router.strategy must be one of roundrobin, leastbusy, latency, usagebased, got %q", c.Router.Strategy))
	}

	if c.Router.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("router.max_retries must be >= 0, got %d", c.Router.MaxRetries))
	}

	// At least one deployment is required to route anything.
	if len(c.Deployments) == 0 {
		errs = append(errs, errors.New("at least one deployment is required"))
	}

	models := make(map[string]bool)
	seen := make(map[string]int)
	for i, d := range c.Deployments {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("deployments[%d].id is required", i))
			continue
		}
		if prev, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Errorf("deployments[%d].id %q duplicates deployments[%d]", i, d.ID, prev))
		}
		seen[d.ID] = i

		if d.Model == "" {
			errs = append(errs, fmt.Errorf("deployments[%d].model is required", i))
		}
		models[d.Model] = true

		if d.Weight < 0 {
			errs = append(errs, fmt.Errorf("deployments[%d].weight must be >= 0, got %d", i, d.Weight))
		}
		if d.RPM < 0 {
			errs = append(errs, fmt.Errorf("deployments[%d].rpm must be >= 0, got %d", i, d.RPM))
		}
		if d.TPM < 0 {
			errs = append(errs, fmt.Errorf("deployments[%d].tpm must be >= 0, got %d", i, d.TPM))
		}
	}

	// A fallback chain entry without deployments would always be
	// skipped; catch the misconfiguration at load time.
	for model, chain := range c.Fallbacks {
		for _, alt := range chain {
			if !models[alt] {
				errs = append(errs, fmt.Errorf("fallbacks[%q] references model %q with no deployments", model, alt))
			}
		}
	}

	for status, class := range c.Classification {
		if status < 100 || status > 599 {
			errs = append(errs, fmt.Errorf("classification: %d is not an HTTP status code", status))
		}
		switch class {
		case "transient", "capacity", "deployment_terminal", "request_terminal", "internal":
			// valid
		default:
			errs = append(errs, fmt.Errorf("classification[%d]: unknown error class %q", status, class))
		}
	}

	return errors.Join(errs...)
}
