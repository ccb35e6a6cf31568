package firewall

import (
	"fmt"
	"strings"

	"grimm.is/rampart/internal/resolve"
)

// Rule is one concrete iptables rule. Two rules are duplicates when every
// field compares equal.
type Rule struct {
	IPVersion resolve.Family
	Table     string
	Chain     string
	// Body is everything after "-A <chain>".
	Body string
	// Packets and Bytes seed the kernel counters on load.
	Packets uint64
	Bytes   uint64
}

// NewRule returns a rule without counters.
func NewRule(v resolve.Family, table, chain, body string) Rule {
	return Rule{IPVersion: v, Table: table, Chain: chain, Body: strings.TrimSpace(body)}
}

// WithCounters returns a copy of r carrying the given counters.
func (r Rule) WithCounters(packets, bytes uint64) Rule {
	r.Packets = packets
	r.Bytes = bytes
	return r
}

// HasCounters reports whether the rule seeds non-zero counters.
func (r Rule) HasCounters() bool {
	return r.Packets > 0 || r.Bytes > 0
}

// RestoreLine renders the rule as an iptables-restore line.
func (r Rule) RestoreLine() string {
	if r.HasCounters() {
		return fmt.Sprintf("[%d:%d] -A %s %s", r.Packets, r.Bytes, r.Chain, r.Body)
	}
	return fmt.Sprintf("-A %s %s", r.Chain, r.Body)
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s/%s: %s", r.IPVersion, r.Table, r.Chain, r.Body)
}
