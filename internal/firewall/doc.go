// Package firewall compiles an allow set into a packet-filter ruleset and
// applies it.
//
// # Overview
//
// Two mutually exclusive backends are supported. The unified backend
// replaces the "inet geofence" nftables table with a single script applied
// through nft -f, so the old table stays in place until the new one is
// accepted. The legacy backend drives iptables, ip6tables and ipset: address
// sets are bulk-loaded into temporary sets and swapped, rules are loaded per
// address family with iptables-restore --noflush, and jump rules into the
// managed chains are reconciled so repeated runs never duplicate them.
//
// # Architecture
//
//	AllowSet → Ruleset → CompileUnified / CompileLegacy → Applier → Kernel
//
// # Key Types
//
//   - [Ruleset]: everything a compiler needs (allow set, IPv6 switch, SSH limits)
//   - [ScriptBuilder]: builder for nftables scripts
//   - [LegacyTransaction]: ipset and iptables-restore documents per family
//   - [Applier]: cleans up the other backend, validates and applies
//   - [CommandRunner]: external process abstraction used for nft, ipset and
//     the restore tools
//
// # Rule order
//
// Input: loopback, established/related, invalid, ICMP, private networks,
// allow-set miss (logged drop), IPv6 passthrough when IPv6 geo-blocking is
// off, SSH blacklist (logged drop), SSH rate check, SSH accept, drop.
//
// Forward: established/related, invalid, private networks, allow-set miss
// (logged drop), then hand off to the container engine's chains.
package firewall
