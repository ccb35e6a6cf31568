package rulegen

import (
	"strings"

	"grimm.is/rampart/internal/policy"
	"grimm.is/rampart/internal/resolve"
)

// Leaf is one point of a rule's expansion. Leaves are values: the With
// methods return modified copies, so a generator can derive the leaf of a
// nested rule without touching its own.
type Leaf struct {
	Rule   *policy.Rule
	Kind   Kind
	Action policy.Action
	Family resolve.Family

	// In and Out are nil when the side has no device.
	In  *policy.Interface
	Out *policy.Interface

	// Src and Dst are "addr/mask"; SrcIP and DstIP the bare addresses.
	Src   string
	Dst   string
	SrcIP string
	DstIP string
	MAC   string

	Port    resolve.PortRange
	HasPort bool
	Helper  string

	// Target replaces the action's jump target when set.
	Target string

	reverse bool
}

// device strips an alias suffix: "eth0:1" -> "eth0".
func device(ifc *policy.Interface) string {
	if ifc == nil {
		return ""
	}
	dev, _, _ := strings.Cut(ifc.Device, ":")
	return dev
}

// InDev returns the inbound device or "".
func (l Leaf) InDev() string { return device(l.In) }

// OutDev returns the outbound device or "".
func (l Leaf) OutDev() string { return device(l.Out) }

// Options returns the options of the leaf's rule.
func (l Leaf) Options() policy.RuleOptions {
	if l.Rule == nil {
		return policy.RuleOptions{}
	}
	return l.Rule.Options
}

// IsICMP reports whether the leaf matches ICMP of either family.
func (l Leaf) IsICMP() bool {
	return l.HasPort && l.Port.IsAnyICMP()
}

// WithKind returns a copy with kind k.
func (l Leaf) WithKind(k Kind) Leaf {
	l.Kind = k
	return l
}

// WithAction returns a copy with action a.
func (l Leaf) WithAction(a policy.Action) Leaf {
	l.Action = a
	return l
}

// WithTarget returns a copy jumping to target.
func (l Leaf) WithTarget(target string) Leaf {
	l.Target = target
	return l
}

// WithDst returns a copy with a new destination address.
func (l Leaf) WithDst(ip, mask string) Leaf {
	l.DstIP = ip
	l.Dst = resolve.AddrMask(ip, mask)
	return l
}

// WithDstPort returns a copy matching a single destination port.
func (l Leaf) WithDstPort(port int) Leaf {
	if port > 0 && l.HasPort {
		l.Port = l.Port.WithDstPort(port)
	}
	return l
}

// WithInterfaces returns a copy with new devices.
func (l Leaf) WithInterfaces(in, out *policy.Interface) Leaf {
	l.In, l.Out = in, out
	return l
}

// Reversed returns the leaf for reply traffic: addresses, port clause
// prefixes and devices are swapped and the MAC match is dropped.
func (l Leaf) Reversed() Leaf {
	l.Src, l.Dst = l.Dst, l.Src
	l.SrcIP, l.DstIP = l.DstIP, l.SrcIP
	l.In, l.Out = l.Out, l.In
	l.MAC = ""
	l.reverse = !l.reverse
	return l
}

// Ports renders the leaf's port clause.
func (l Leaf) Ports() resolve.Ports {
	if !l.HasPort {
		return resolve.Ports{}
	}
	p := resolve.PortClause(l.Port)
	if l.reverse {
		return p.Swapped()
	}
	return p
}

func hostMask(v resolve.Family) string {
	if v == resolve.IPv6 {
		return resolve.HostMask6
	}
	return resolve.HostMask4
}

// interfaceIP returns the address of ifc for family v.
func interfaceIP(ifc *policy.Interface, v resolve.Family) string {
	if ifc == nil {
		return ""
	}
	if v == resolve.IPv6 {
		return ifc.IPv6
	}
	return ifc.IPv4
}
