package rulegen

import (
	"net/netip"

	"go4.org/netipx"

	"grimm.is/rampart/internal/policy"
)

// reservedPrefixes are the IPv4 special-use ranges (RFC 3330, RFC 5735)
// that never appear as a source on an outside interface.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// reservedFor returns the reserved ranges minus the networks reachable
// through interface id. A default network does not count.
func reservedFor(p *policy.Policy, id policy.InterfaceID) ([]netip.Prefix, error) {
	var b netipx.IPSetBuilder
	for _, r := range reservedPrefixes {
		b.AddPrefix(r)
	}
	for i := range p.Networks {
		n := &p.Networks[i]
		if !n.Active || !n.Addr.Prefix.IsValid() || n.Addr.Prefix.Bits() == 0 {
			continue
		}
		for _, ifID := range n.Interfaces {
			if ifID == id {
				b.RemovePrefix(n.Addr.Prefix)
			}
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return set.Prefixes(), nil
}

// mergePrefixes collapses overlapping prefixes of family v.
func mergePrefixes(in []netip.Prefix, v4 bool) ([]netip.Prefix, error) {
	var b netipx.IPSetBuilder
	for _, p := range in {
		if p.Addr().Is4() == v4 {
			b.AddPrefix(p)
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return set.Prefixes(), nil
}
