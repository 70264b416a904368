package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if any entry is not a warning.
func (e ValidationErrors) HasErrors() bool {
	for _, err := range e {
		if err.Severity != "warning" {
			return true
		}
	}
	return false
}

// Errors returns only the fatal entries.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.Severity != "warning" {
			out = append(out, err)
		}
	}
	return out
}

// Warnings returns only the warning entries.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.Severity == "warning" {
			out = append(out, err)
		}
	}
	return out
}

// Validate validates the entire configuration. Defaults must be applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateSelection()...)
	errs = append(errs, c.validateRuntime()...)
	errs = append(errs, c.validateSSH()...)
	errs = append(errs, c.validateBlocklist()...)
	errs = append(errs, c.validateFetch()...)

	return errs
}

func (c *Config) validateSelection() ValidationErrors {
	var errs ValidationErrors

	if !Provider(c.Provider).Valid() {
		errs = append(errs, ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("unknown provider %q (want one of %v)", c.Provider, Providers),
		})
		return errs
	}

	sel, err := c.Selection()
	if err != nil {
		errs = append(errs, ValidationError{Field: "countries", Message: err.Error()})
		return errs
	}

	groups := sel.ByProvider()
	if _, ok := groups[ProviderMMDB]; ok && c.Sources.MMDBPath == "" {
		errs = append(errs, ValidationError{
			Field:   "sources.mmdb_path",
			Message: "required when the mmdb provider is selected",
		})
	}
	if ccs, ok := groups[ProviderNirsoft]; ok && c.IPv6 {
		errs = append(errs, ValidationError{
			Field:    "countries",
			Message:  fmt.Sprintf("nirsoft publishes no IPv6 ranges; %d countries will only be allowed over IPv4", len(ccs)),
			Severity: "warning",
		})
	}

	for _, u := range []struct{ field, value string }{
		{"sources.ipdeny_url", c.Sources.IPDenyURL},
		{"sources.ripe_url", c.Sources.RIPEURL},
		{"sources.nirsoft_url", c.Sources.NirsoftURL},
	} {
		if !isValidURL(u.value) {
			errs = append(errs, ValidationError{Field: u.field, Message: fmt.Sprintf("invalid URL %q", u.value)})
		}
	}

	return errs
}

func (c *Config) validateRuntime() ValidationErrors {
	var errs ValidationErrors

	switch c.Backend {
	case BackendAuto, BackendNFTables, BackendIPTables:
	default:
		errs = append(errs, ValidationError{
			Field:   "backend",
			Message: fmt.Sprintf("must be %s, %s or %s, got %q", BackendAuto, BackendNFTables, BackendIPTables, c.Backend),
		})
	}

	if c.Workers < 1 || c.Workers > 16 {
		errs = append(errs, ValidationError{
			Field:   "workers",
			Message: fmt.Sprintf("must be between 1 and 16, got %d", c.Workers),
		})
	}

	if c.WorkDir == "" || c.StateDir == "" {
		errs = append(errs, ValidationError{Field: "work_dir", Message: "work_dir and state_dir must not be empty"})
	}

	return errs
}

func (c *Config) validateSSH() ValidationErrors {
	var errs ValidationErrors

	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "ssh.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.SSH.Port),
		})
	}
	if c.SSH.RateLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "ssh.rate_limit",
			Message: fmt.Sprintf("must be positive, got %d", c.SSH.RateLimit),
		})
	}
	// the legacy recent match needs hitcount rate_limit+1 and caps it at
	// ip_pkt_list_tot (20 by default)
	if c.SSH.RateLimit > MaxSSHRateLimit {
		errs = append(errs, ValidationError{
			Field:   "ssh.rate_limit",
			Message: fmt.Sprintf("must not exceed %d, got %d", MaxSSHRateLimit, c.SSH.RateLimit),
		})
	}
	errs = append(errs, validateDuration("ssh.window", c.SSH.Window)...)
	errs = append(errs, validateDuration("ssh.ban_duration", c.SSH.BanDuration)...)

	if c.SSH.WindowDuration() >= c.SSH.BanDurationValue() {
		errs = append(errs, ValidationError{
			Field:    "ssh.ban_duration",
			Message:  "ban duration is not longer than the rate-limit window",
			Severity: "warning",
		})
	}

	return errs
}

func (c *Config) validateBlocklist() ValidationErrors {
	var errs ValidationErrors

	if !c.Blocklist.Enabled {
		return nil
	}
	if c.Blocklist.Dir == "" {
		errs = append(errs, ValidationError{Field: "blocklist.dir", Message: "must not be empty"})
	}
	for i, name := range c.Blocklist.Lists {
		if !isValidListName(name) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("blocklist.lists[%d]", i),
				Message: fmt.Sprintf("invalid list name %q", name),
			})
		}
	}
	for i, u := range c.Blocklist.URLs {
		if !isValidURL(u) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("blocklist.urls[%d]", i),
				Message: fmt.Sprintf("invalid URL %q", u),
			})
		}
	}
	errs = append(errs, validateDuration("blocklist.max_age", c.Blocklist.MaxAge)...)

	return errs
}

func (c *Config) validateFetch() ValidationErrors {
	var errs ValidationErrors

	if c.Fetch.Attempts < 1 || c.Fetch.Attempts > 10 {
		errs = append(errs, ValidationError{
			Field:   "fetch.attempts",
			Message: fmt.Sprintf("must be between 1 and 10, got %d", c.Fetch.Attempts),
		})
	}
	errs = append(errs, validateDuration("fetch.timeout", c.Fetch.Timeout)...)
	errs = append(errs, validateDuration("fetch.initial_delay", c.Fetch.InitialDelay)...)

	return errs
}

func validateDuration(field, value string) ValidationErrors {
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", value)}}
	}
	if d <= 0 {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("must be positive, got %s", value)}}
	}
	return nil
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidListName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}
