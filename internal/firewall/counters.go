package firewall

import (
	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/errors"
)

// Counter is one rule's packet and byte count.
type Counter struct {
	Packets uint64
	Bytes   uint64
}

// Counters maps an accounting chain to its rule counters in rule order.
type Counters map[string][]Counter

// SnapshotCounters reads the counters of every live accounting chain.
// A missing filter table yields an empty snapshot.
func SnapshotCounters(ipt IPTables) (Counters, error) {
	out := make(Counters)
	chains, err := ipt.ListChains(capability.TableFilter)
	if err != nil {
		return out, nil
	}
	for _, c := range chains {
		if !IsAccountingChain(c) {
			continue
		}
		stats, err := ipt.StructuredStats(capability.TableFilter, c)
		if err != nil {
			return out, errors.Attr(errors.Wrap(err, errors.KindSubprocess, "read accounting counters"), "chain", c)
		}
		list := make([]Counter, 0, len(stats))
		for _, s := range stats {
			list = append(list, Counter{Packets: s.Packets, Bytes: s.Bytes})
		}
		out[c] = list
	}
	return out, nil
}

// Get returns the counter of rule index in chain.
func (c Counters) Get(chain string, index int) (Counter, bool) {
	list, ok := c[chain]
	if !ok || index < 0 || index >= len(list) {
		return Counter{}, false
	}
	return list[index], true
}
