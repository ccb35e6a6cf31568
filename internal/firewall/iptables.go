package firewall

import (
	"github.com/coreos/go-iptables/iptables"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/resolve"
)

// IPTables is the part of go-iptables the compiler uses.
type IPTables interface {
	Append(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
	ChangePolicy(table, chain, target string) error
	ListChains(table string) ([]string, error)
	StructuredStats(table, chain string) ([]iptables.Stat, error)
}

// NewIPTables returns a go-iptables client for family v. timeout is the
// xtables lock wait in seconds; zero waits forever. The binary is looked up
// in PATH.
func NewIPTables(v resolve.Family, timeout int) (IPTables, error) {
	proto := iptables.ProtocolIPv4
	if v == resolve.IPv6 {
		proto = iptables.ProtocolIPv6
	}
	ipt, err := iptables.New(iptables.IPFamily(proto), iptables.Timeout(timeout))
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindSubprocess, "iptables client"), "family", v.String())
	}
	return ipt, nil
}

// ExistingChains lists the chains of every table in tables. A table that
// cannot be listed maps to an empty set.
func ExistingChains(ipt IPTables, tables []string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(tables))
	for _, t := range tables {
		set := make(map[string]bool)
		chains, err := ipt.ListChains(t)
		if err == nil {
			for _, c := range chains {
				set[c] = true
			}
		}
		out[t] = set
	}
	return out
}
