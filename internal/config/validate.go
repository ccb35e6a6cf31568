package config

import (
	"fmt"
	"net/netip"
	"strings"

	"grimm.is/rampart/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
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

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var rejectTypes = map[string]bool{
	"icmp-net-unreachable":   true,
	"icmp-host-unreachable":  true,
	"icmp-port-unreachable":  true,
	"icmp-proto-unreachable": true,
	"icmp-net-prohibited":    true,
	"icmp-host-prohibited":   true,
	"icmp-admin-prohibited":  true,
	"tcp-reset":              true,
}

// IsRejectType reports whether t is a valid REJECT --reject-with value.
func IsRejectType(t string) bool { return rejectTypes[t] }

// Validate checks a config that has had its defaults applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.LoadMode != LoadModeBulk && c.LoadMode != LoadModeImmediate {
		add("load_mode", "must be %q or %q, got %q", LoadModeBulk, LoadModeImmediate, c.LoadMode)
	}
	if c.TempDir == "" || !strings.HasPrefix(c.TempDir, "/") {
		add("temp_dir", "must be an absolute path")
	}

	if c.Backend != nil {
		switch c.Backend.Type {
		case "file", "sqlite":
		default:
			add("backend.type", "unknown backend %q", c.Backend.Type)
		}
	}

	if c.Logging != nil {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level", "%v", err)
		}
		if c.Logging.Limit < 0 || c.Logging.Burst < 0 {
			add("logging.limit", "must not be negative")
		}
		// iptables caps --log-prefix at 29 characters; leave room for the rule tag
		if len(c.Logging.Prefix) > 14 {
			add("logging.prefix", "at most 14 characters, got %d", len(c.Logging.Prefix))
		}
		if c.Logging.NFLogGroup < 0 || c.Logging.NFLogGroup > 65535 {
			add("logging.nflog_group", "out of range")
		}
		if s := c.Logging.Syslog; s != nil && s.Host == "" {
			add("logging.syslog.host", "required")
		}
	}

	if p := c.Protect; p != nil {
		if p.SynLimit < 0 || p.UDPLimit < 0 {
			add("protect", "limits must not be negative")
		}
		if !IsRejectType(p.RejectType) {
			add("protect.reject_type", "unknown reject type %q", p.RejectType)
		}
	}

	if b := c.Blocklist; b != nil {
		for _, a := range b.Addresses {
			if !validAddrOrPrefix(a) {
				add("blocklist.addresses", "invalid address %q", a)
			}
		}
	}
	return errs
}

func validAddrOrPrefix(s string) bool {
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}
