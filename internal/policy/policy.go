// Package policy is the in-memory model of a firewall policy: zones,
// networks, hosts, groups, interfaces, services and the ordered rule list.
//
// Entities live in per-type slices and refer to each other by index
// handles. A Policy is built from a backend once per apply cycle and is
// never mutated by the rule generators.
package policy

import (
	"sort"

	"grimm.is/rampart/internal/resolve"
)

// Handles into the Policy slices.
type (
	ZoneID      int
	NetworkID   int
	HostID      int
	GroupID     int
	InterfaceID int
	ServiceID   int
)

// NoInterface marks an unset interface handle.
const NoInterface InterfaceID = -1

// Protect rule names.
const (
	ProtectSpoofing   = "spoofing"
	ProtectDHCPClient = "dhcp-client"
	ProtectDHCPServer = "dhcp-server"
	ProtectRFC3330    = "rfc3330"
)

// Interface is a firewall interface.
type Interface struct {
	ID      InterfaceID
	Name    string
	Device  string
	Active  bool
	Virtual bool
	Dynamic bool
	// Up is filled from the link snapshot; interfaces without one are up.
	Up          bool
	IPv4        string
	IPv6        string
	IPv6Enabled bool

	Shape        bool
	BandwidthIn  uint64 // kbit/s
	BandwidthOut uint64
	// ShapeHandle is assigned per apply cycle; 0 means not shaped.
	ShapeHandle int

	Protect []string
	Comment string
}

// HasIPv6 reports whether the interface takes part in IPv6 rules.
func (i *Interface) HasIPv6() bool { return i.IPv6Enabled && i.IPv6 != "" }

// Usable reports whether rules may reference the interface.
func (i *Interface) Usable() bool {
	return i.Active && !(i.Dynamic && !i.Up)
}

// Zone groups networks.
type Zone struct {
	ID       ZoneID
	Name     string
	Active   bool
	Networks []NetworkID
	Comment  string
}

// Network is an address range reachable through one or more interfaces.
type Network struct {
	ID         NetworkID
	Name       string // lan.trusted
	Zone       ZoneID
	Active     bool
	// Unresolved marks a network whose addresses failed to parse.
	Unresolved bool
	Addr       resolve.NetworkAddr
	Interfaces []InterfaceID
	Protect    []string
	Hosts      []HostID
	Groups     []GroupID
	Comment    string
}

// Host is a single address inside a network.
type Host struct {
	ID      HostID
	Name    string // pc1.lan.trusted
	Network NetworkID
	Active  bool
	// Unresolved marks a host whose addresses failed to parse.
	Unresolved bool
	Addr       resolve.HostAddr
	Comment    string
}

// Group is an ordered set of hosts.
type Group struct {
	ID      GroupID
	Name    string
	Network NetworkID
	Active  bool
	Members []HostID
	Comment string
}

// Service is an OR-list of port ranges. Service groups are flattened into
// a Service whose Members lists the originals.
type Service struct {
	ID      ServiceID
	Name    string
	Active  bool
	Ranges  []resolve.PortRange
	Helper  string
	Members []ServiceID
	Comment string
}

// Policy is the entity arena plus the rule list.
type Policy struct {
	Interfaces []Interface
	Zones      []Zone
	Networks   []Network
	Hosts      []Host
	Groups     []Group
	Services   []Service
	Rules      []Rule

	// Problems collects entity and rule errors found while loading. None of
	// them abort the load.
	Problems []error

	names    map[nameKey]int
	devices  map[string]InterfaceID
	refcount map[HostID]int
}

type entityKind int

const (
	kindInterface entityKind = iota
	kindZone
	kindNetwork
	kindHost
	kindGroup
	kindService
)

type nameKey struct {
	kind entityKind
	name string
}

// New returns an empty policy.
func New() *Policy {
	return &Policy{
		names:    make(map[nameKey]int),
		devices:  make(map[string]InterfaceID),
		refcount: make(map[HostID]int),
	}
}

func (p *Policy) lookup(kind entityKind, name string) (int, bool) {
	id, ok := p.names[nameKey{kind, name}]
	return id, ok
}

// AddInterface appends an interface and returns its handle.
func (p *Policy) AddInterface(i Interface) InterfaceID {
	i.ID = InterfaceID(len(p.Interfaces))
	p.Interfaces = append(p.Interfaces, i)
	p.names[nameKey{kindInterface, i.Name}] = int(i.ID)
	if i.Device != "" {
		if _, dup := p.devices[i.Device]; !dup {
			p.devices[i.Device] = i.ID
		}
	}
	return i.ID
}

// AddZone appends a zone.
func (p *Policy) AddZone(z Zone) ZoneID {
	z.ID = ZoneID(len(p.Zones))
	p.Zones = append(p.Zones, z)
	p.names[nameKey{kindZone, z.Name}] = int(z.ID)
	return z.ID
}

// AddNetwork appends a network and links it into its zone.
func (p *Policy) AddNetwork(n Network) NetworkID {
	n.ID = NetworkID(len(p.Networks))
	p.Networks = append(p.Networks, n)
	p.names[nameKey{kindNetwork, n.Name}] = int(n.ID)
	z := &p.Zones[n.Zone]
	z.Networks = append(z.Networks, n.ID)
	return n.ID
}

// AddHost appends a host and links it into its network.
func (p *Policy) AddHost(h Host) HostID {
	h.ID = HostID(len(p.Hosts))
	p.Hosts = append(p.Hosts, h)
	p.names[nameKey{kindHost, h.Name}] = int(h.ID)
	n := &p.Networks[h.Network]
	n.Hosts = append(n.Hosts, h.ID)
	return h.ID
}

// AddGroup appends a group. Duplicate members are dropped and the
// membership index is updated.
func (p *Policy) AddGroup(g Group) GroupID {
	g.ID = GroupID(len(p.Groups))
	seen := make(map[HostID]bool, len(g.Members))
	members := g.Members[:0:0]
	for _, m := range g.Members {
		if seen[m] {
			continue
		}
		seen[m] = true
		members = append(members, m)
		p.refcount[m]++
	}
	g.Members = members
	p.Groups = append(p.Groups, g)
	p.names[nameKey{kindGroup, g.Name}] = int(g.ID)
	n := &p.Networks[g.Network]
	n.Groups = append(n.Groups, g.ID)
	return g.ID
}

// AddService appends a service.
func (p *Policy) AddService(s Service) ServiceID {
	s.ID = ServiceID(len(p.Services))
	p.Services = append(p.Services, s)
	p.names[nameKey{kindService, s.Name}] = int(s.ID)
	return s.ID
}

// RefCount returns how many groups h belongs to.
func (p *Policy) RefCount(h HostID) int { return p.refcount[h] }

// Interface returns the named interface.
func (p *Policy) Interface(name string) (*Interface, bool) {
	id, ok := p.lookup(kindInterface, name)
	if !ok {
		return nil, false
	}
	return &p.Interfaces[id], true
}

// InterfaceByDevice returns the first interface on device.
func (p *Policy) InterfaceByDevice(device string) (*Interface, bool) {
	id, ok := p.devices[device]
	if !ok {
		return nil, false
	}
	return &p.Interfaces[id], true
}

// Zone returns the named zone.
func (p *Policy) Zone(name string) (*Zone, bool) {
	id, ok := p.lookup(kindZone, name)
	if !ok {
		return nil, false
	}
	return &p.Zones[id], true
}

// Network returns the named network.
func (p *Policy) Network(name string) (*Network, bool) {
	id, ok := p.lookup(kindNetwork, name)
	if !ok {
		return nil, false
	}
	return &p.Networks[id], true
}

// Host returns the named host.
func (p *Policy) Host(name string) (*Host, bool) {
	id, ok := p.lookup(kindHost, name)
	if !ok {
		return nil, false
	}
	return &p.Hosts[id], true
}

// Group returns the named group.
func (p *Policy) Group(name string) (*Group, bool) {
	id, ok := p.lookup(kindGroup, name)
	if !ok {
		return nil, false
	}
	return &p.Groups[id], true
}

// Service returns the named service.
func (p *Policy) Service(name string) (*Service, bool) {
	id, ok := p.lookup(kindService, name)
	if !ok {
		return nil, false
	}
	return &p.Services[id], true
}

// NetworkInterfaces returns the interfaces of a network in declared order.
func (p *Policy) NetworkInterfaces(id NetworkID) []*Interface {
	n := &p.Networks[id]
	out := make([]*Interface, 0, len(n.Interfaces))
	for _, ifID := range n.Interfaces {
		out = append(out, &p.Interfaces[ifID])
	}
	return out
}

// ZoneInterfaces returns the union of the interfaces of the zone's active
// networks, first occurrence wins.
func (p *Policy) ZoneInterfaces(id ZoneID) []*Interface {
	seen := make(map[InterfaceID]bool)
	var out []*Interface
	for _, nID := range p.Zones[id].Networks {
		if !p.Networks[nID].Active {
			continue
		}
		for _, ifID := range p.Networks[nID].Interfaces {
			if seen[ifID] {
				continue
			}
			seen[ifID] = true
			out = append(out, &p.Interfaces[ifID])
		}
	}
	return out
}

// ActiveInterfaces returns every active interface.
func (p *Policy) ActiveInterfaces() []*Interface {
	var out []*Interface
	for i := range p.Interfaces {
		if p.Interfaces[i].Active {
			out = append(out, &p.Interfaces[i])
		}
	}
	return out
}

// NetworkCandidates lists the active networks for BestMatchingNetwork.
func (p *Policy) NetworkCandidates() []resolve.NetworkCandidate {
	out := make([]resolve.NetworkCandidate, 0, len(p.Networks))
	for _, n := range p.Networks {
		if n.Active && n.Addr.Network != "" {
			out = append(out, resolve.NetworkCandidate{Name: n.Name, Network: n.Addr.Network, Netmask: n.Addr.Netmask})
		}
	}
	return out
}

// Devices lists the distinct devices of all interfaces, sorted.
func (p *Policy) Devices() []string {
	out := make([]string, 0, len(p.devices))
	for d := range p.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
