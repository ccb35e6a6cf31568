package rulegen

import (
	"strconv"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/policy"
	"grimm.is/rampart/internal/resolve"
)

// Expander walks the expansion of policy rules.
type Expander struct {
	ac *ApplyContext
}

// NewExpander returns an expander bound to one apply cycle.
func NewExpander(ac *ApplyContext) *Expander {
	return &Expander{ac: ac}
}

// address is one concrete source or destination.
type address struct {
	net string // addr/mask
	ip  string
	mac string
}

// side is one interface of an endpoint with the addresses reached through
// it. A nil interface renders no -i or -o.
type side struct {
	ifc   *policy.Interface
	addrs []address
}

type pair struct {
	src, dst side
}

type portPass struct {
	pr  resolve.PortRange
	has bool
}

// ExpandRule generates every concrete rule of r into q. Rules that are not
// usable, or that reference an inactive object, produce nothing.
func (e *Expander) ExpandRule(r *policy.Rule, q *firewall.Queue) error {
	if !r.Usable() {
		return nil
	}
	p := e.ac.Policy
	c := r.Cache
	if !p.EndpointActive(c.From) || !p.EndpointActive(c.To) || (!c.AnyService && !p.Services[c.Service].Active) {
		e.ac.Logger.Debug("rule references an inactive object, skipped", "rule", r.Number)
		return nil
	}

	kind := KindFor(r)
	gen := GeneratorFor(kind)
	helper := ""
	if !c.AnyService {
		helper = p.Services[c.Service].Helper
	}

	for _, v := range e.ac.Families() {
		if v == resolve.IPv6 && kind.IsNAT() {
			continue
		}
		ports := e.ports(r, v)
		if len(ports) == 0 {
			continue
		}
		for _, pr := range e.pairs(r, v) {
			for _, pp := range ports {
				for _, src := range pr.src.addrs {
					for _, dst := range pr.dst.addrs {
						leaf := Leaf{
							Rule:    r,
							Kind:    kind,
							Action:  r.Action,
							Family:  v,
							In:      pr.src.ifc,
							Out:     pr.dst.ifc,
							Src:     src.net,
							SrcIP:   src.ip,
							MAC:     src.mac,
							Dst:     dst.net,
							DstIP:   dst.ip,
							Port:    pp.pr,
							HasPort: pp.has,
							Helper:  helper,
						}
						res, err := gen.Generate(e.ac, leaf)
						if err != nil {
							return errors.Attr(err, "rule", r.Number)
						}
						if res.Skipped {
							e.ac.Metrics.RecordSkipped(kind.String())
						}
						q.InsertAll(res.Rules)
					}
				}
			}
		}
	}
	return nil
}

// ports lists the port passes of r for family v. "any" is one empty pass.
func (e *Expander) ports(r *policy.Rule, v resolve.Family) []portPass {
	if r.Cache.AnyService {
		return []portPass{{}}
	}
	var out []portPass
	for _, pr := range e.ac.Policy.Services[r.Cache.Service].Ranges {
		if pr.MatchesFamily(v) {
			out = append(out, portPass{pr: pr, has: true})
		}
	}
	return out
}

// pairs lists the source/destination interface combinations. A firewall
// endpoint follows the interface of the other side.
func (e *Expander) pairs(r *policy.Rule, v resolve.Family) []pair {
	c := r.Cache
	var out []pair
	switch {
	case c.From.IsFirewall():
		for _, d := range e.sides(c.To, v, c.OutInterface, false) {
			for _, s := range e.firewallSides(c.From, v, d.ifc, c.InInterface) {
				out = append(out, pair{s, d})
			}
		}
	case c.To.IsFirewall():
		for _, s := range e.sides(c.From, v, c.InInterface, true) {
			for _, d := range e.firewallSides(c.To, v, s.ifc, c.OutInterface) {
				out = append(out, pair{s, d})
			}
		}
	default:
		dsts := e.sides(c.To, v, c.OutInterface, false)
		for _, s := range e.sides(c.From, v, c.InInterface, true) {
			for _, d := range dsts {
				out = append(out, pair{s, d})
			}
		}
	}
	return out
}

func (e *Expander) usable(ifc *policy.Interface, v resolve.Family) bool {
	return ifc.Usable() && (v != resolve.IPv6 || ifc.HasIPv6())
}

func (e *Expander) pinned(id policy.InterfaceID) *policy.Interface {
	if id == policy.NoInterface {
		return nil
	}
	return &e.ac.Policy.Interfaces[id]
}

// sides expands a non-firewall endpoint. Networks without interfaces yield
// one side without a device. A pin filters the interfaces of a network;
// it only stands in for them when the network has none.
func (e *Expander) sides(ep policy.Endpoint, v resolve.Family, pin policy.InterfaceID, source bool) []side {
	p := e.ac.Policy
	pinned := e.pinned(pin)
	ifaces := func(n *policy.Network) []*policy.Interface {
		l := p.NetworkInterfaces(n.ID)
		if len(l) == 0 {
			return []*policy.Interface{pinned}
		}
		if pinned == nil {
			return l
		}
		var kept []*policy.Interface
		for _, ifc := range l {
			if ifc.ID == pin {
				kept = append(kept, ifc)
			}
		}
		return kept
	}

	var out []side
	add := func(ifcs []*policy.Interface, addrs []address) {
		if len(addrs) == 0 {
			return
		}
		for _, ifc := range ifcs {
			if ifc != nil && !e.usable(ifc, v) {
				continue
			}
			out = append(out, side{ifc: ifc, addrs: addrs})
		}
	}

	switch ep.Kind {
	case policy.EndpointAny:
		add([]*policy.Interface{pinned}, []address{{}})
	case policy.EndpointZone:
		for _, nID := range p.Zones[ep.ID].Networks {
			n := &p.Networks[nID]
			if n.Active {
				add(ifaces(n), networkAddrs(n, v))
			}
		}
	case policy.EndpointNetwork:
		n := &p.Networks[ep.ID]
		add(ifaces(n), networkAddrs(n, v))
	case policy.EndpointHost:
		h := &p.Hosts[ep.ID]
		add(ifaces(&p.Networks[h.Network]), hostAddrs(h, v, source))
	case policy.EndpointGroup:
		g := &p.Groups[ep.ID]
		var addrs []address
		for _, m := range g.Members {
			if h := &p.Hosts[m]; h.Active {
				addrs = append(addrs, hostAddrs(h, v, source)...)
			}
		}
		add(ifaces(&p.Networks[g.Network]), addrs)
	}
	return out
}

// firewallSides expands the firewall endpoint against the interface of
// the other side: a pinned interface wins, then the mirrored one, then
// every active interface. firewall(any) matches no address.
func (e *Expander) firewallSides(ep policy.Endpoint, v resolve.Family, mirror *policy.Interface, pin policy.InterfaceID) []side {
	var ifcs []*policy.Interface
	switch {
	case pin != policy.NoInterface:
		ifcs = []*policy.Interface{e.pinned(pin)}
	case mirror != nil:
		ifcs = []*policy.Interface{mirror}
	}

	if ep.Kind == policy.EndpointFirewallAny {
		var ifc *policy.Interface
		if len(ifcs) == 1 {
			ifc = ifcs[0]
		}
		return []side{{ifc: ifc, addrs: []address{{}}}}
	}

	if ifcs == nil {
		ifcs = e.ac.Policy.ActiveInterfaces()
	}
	var out []side
	for _, ifc := range ifcs {
		if !e.usable(ifc, v) {
			continue
		}
		ip := interfaceIP(ifc, v)
		if ip == "" {
			continue
		}
		out = append(out, side{ifc: ifc, addrs: []address{{net: resolve.AddrMask(ip, hostMask(v)), ip: ip}}})
	}
	return out
}

func networkAddrs(n *policy.Network, v resolve.Family) []address {
	if v == resolve.IPv6 {
		if n.Addr.Network6 == "" {
			return nil
		}
		return []address{{net: resolve.AddrMask(n.Addr.Network6, strconv.Itoa(n.Addr.CIDR6)), ip: n.Addr.Network6}}
	}
	if n.Addr.Network == "" {
		return nil
	}
	return []address{{net: resolve.AddrMask(n.Addr.Network, n.Addr.Netmask), ip: n.Addr.Network}}
}

// hostAddrs returns a host's address; sources also match its MAC.
func hostAddrs(h *policy.Host, v resolve.Family, source bool) []address {
	a := address{}
	if v == resolve.IPv6 {
		a.net, a.ip = resolve.AddrMask(h.Addr.IPv6, h.Addr.Mask6), h.Addr.IPv6
	} else {
		a.net, a.ip = resolve.AddrMask(h.Addr.IPv4, h.Addr.Mask4), h.Addr.IPv4
	}
	if a.ip == "" {
		return nil
	}
	if source {
		a.mac = h.Addr.MAC
	}
	return []address{a}
}
