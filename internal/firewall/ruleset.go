package firewall

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/geofence/internal/brand"
	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/netset"
)

// Private address ranges accepted before any geo check.
var (
	PrivateV4 = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	PrivateV6 = []netip.Prefix{
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("fe80::/10"),
	}
)

// Reserved documentation addresses used when an allow set would be empty.
// They never grant anything real.
const (
	PlaceholderV4 = "192.0.2.1"
	PlaceholderV6 = "2001:db8::1"
)

// BruteForce holds the SSH mitigation parameters shared by both backends.
type BruteForce struct {
	Port int
	// Threshold is the number of new connections per Window a source may
	// open; the next one blacklists it.
	Threshold int
	Window    time.Duration
	Ban       time.Duration
}

// DefaultBruteForce returns port 22, 4 new connections per minute, 1h ban.
func DefaultBruteForce() BruteForce {
	return BruteForce{Port: 22, Threshold: 4, Window: time.Minute, Ban: time.Hour}
}

// BruteForceFromConfig converts the ssh block.
func BruteForceFromConfig(c *config.SSHConfig) BruteForce {
	if c == nil {
		return DefaultBruteForce()
	}
	return BruteForce{
		Port:      c.Port,
		Threshold: c.RateLimit,
		Window:    c.WindowDuration(),
		Ban:       c.BanDurationValue(),
	}
}

// Validate checks that both backends can express b.
func (b BruteForce) Validate() error {
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("ssh port %d out of range", b.Port)
	}
	if b.Threshold < 1 || b.Threshold > config.MaxSSHRateLimit {
		return fmt.Errorf("ssh rate limit %d out of range 1..%d", b.Threshold, config.MaxSSHRateLimit)
	}
	if b.Window < time.Second {
		return fmt.Errorf("ssh window %s is shorter than one second", b.Window)
	}
	if b.Ban < time.Second {
		return fmt.Errorf("ssh ban duration %s is shorter than one second", b.Ban)
	}
	return nil
}

// Ruleset is the input of both compilers.
type Ruleset struct {
	Allow *netset.AllowSet
	// IPv6 enables geo-blocking for IPv6; otherwise IPv6 is accepted after
	// the common rules.
	IPv6 bool
	SSH  BruteForce
	// Comment is stored as the nftables table comment.
	Comment string
}

// Check enforces the invariants that must hold before anything is applied.
func (r *Ruleset) Check() error {
	if err := r.Allow.Check(); err != nil {
		return err
	}
	return r.SSH.Validate()
}

// Names of managed objects.
var (
	TableName   = brand.TableName
	TableFamily = "inet"

	ChainInput   = brand.ChainPrefix + "-INPUT"
	ChainForward = brand.ChainPrefix + "-FORWARD"
	ChainSSHBan  = brand.ChainPrefix + "-SSH-BAN"
)

func logPrefix(what string) string {
	return fmt.Sprintf("%s-%s: ", brand.LogPrefix, what)
}
