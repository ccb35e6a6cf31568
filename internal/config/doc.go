// Package config loads the program configuration: tool locations, where
// the policy lives, logging and protection switches and daemon settings.
//
// The policy itself (zones, hosts, services, rules) is not part of this
// file; it is read through a backend.
//
//	schema_version = "1.0"
//	ipv6           = true
//	backend {
//	  type = "file"
//	  path = "/etc/rampart/policy.hcl"
//	}
//	logging {
//	  level   = "info"
//	  invalid = true
//	}
package config
