// Package config loads and validates geofence configuration.
//
// Configuration comes from an optional HCL (or HCL-JSON) file, is completed
// with defaults, and is then overlaid with command-line flags by the caller.
//
// # Example
//
//	countries = "ipdeny:IT,FR;ripe:DE"
//	ipv6      = true
//
//	ssh {
//	  port       = 2222
//	  rate_limit = 4
//	  window     = "1m"
//	}
//
//	blocklist {
//	  enabled = true
//	  lists   = ["firehol_level1"]
//	}
package config
