package rulegen

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/resolve"
)

// iptables truncates log prefixes at 29 characters
const maxLogPrefix = 29

// body accumulates the words of a rule body, skipping empty ones.
type body []string

func (b *body) add(parts ...string) *body {
	for _, p := range parts {
		if p != "" {
			*b = append(*b, p)
		}
	}
	return b
}

// opt adds "flag value" when value is set.
func (b *body) opt(flag, value string) *body {
	if value != "" {
		*b = append(*b, flag, value)
	}
	return b
}

func (b *body) String() string { return strings.Join(*b, " ") }

func quote(s string) string { return strconv.Quote(s) }

// clause selects the parts of a leaf a rule matches on.
type clause struct {
	in, out bool
	syn     bool
	ports   bool
	mac     bool
}

// ifaceFlags reports which of -i and -o a chain accepts.
func ifaceFlags(chain string) (in, out bool) {
	switch chain {
	case firewall.ChainInput, firewall.ChainPrerouting:
		return true, false
	case firewall.ChainOutput, firewall.ChainPostrouting:
		return false, true
	}
	return true, true
}

func chainClause(chain string) clause {
	in, out := ifaceFlags(chain)
	return clause{in: in, out: out, ports: true}
}

// match renders "[-i dev] [-o dev] [-s src] [-d dst] [proto] [ports] [mac]".
func (l Leaf) match(c clause) *body {
	b := &body{}
	if c.in {
		b.opt("-i", l.InDev())
	}
	if c.out {
		b.opt("-o", l.OutDev())
	}
	b.opt("-s", l.Src).opt("-d", l.Dst)
	if c.ports && l.HasPort {
		b.add(resolve.ProtocolClause(l.Port, l.Family, c.syn), l.Ports().String())
	}
	if c.mac && l.MAC != "" {
		b.add("-m mac --mac-source", l.MAC)
	}
	return b
}

func limitClause(limit, burst int) string {
	if limit <= 0 {
		return ""
	}
	if burst <= 0 {
		burst = 2 * limit
	}
	return fmt.Sprintf("-m limit --limit %d/sec --limit-burst %d", limit, burst)
}

func logPrefix(prefix, word string) string {
	p := prefix + word + " "
	if len(p) > maxLogPrefix {
		p = p[:maxLogPrefix]
	}
	return p
}

func hexMark(m uint32) string { return fmt.Sprintf("0x%x", m) }
