package policy

import (
	"context"
	"strconv"
	"strings"

	"grimm.is/rampart/internal/backend"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/network"
	"grimm.is/rampart/internal/qos"
	"grimm.is/rampart/internal/resolve"
)

var knownProtect = map[string]bool{
	ProtectSpoofing:   true,
	ProtectDHCPClient: true,
	ProtectDHCPServer: true,
	ProtectRFC3330:    true,
}

// loader reads one policy out of a backend. Object errors become Problems
// and deactivate the object; backend errors abort.
type loader struct {
	ctx context.Context
	b   backend.Backend
	p   *Policy
	log *logging.Logger
}

// Load reads the complete policy from b and runs Analyze.
func Load(ctx context.Context, b backend.Backend, log *logging.Logger) (*Policy, error) {
	if log == nil {
		log = logging.Discard()
	}
	l := &loader{ctx: ctx, b: b, p: New(), log: log.WithComponent("policy")}

	steps := []func() error{l.interfaces, l.zones, l.networks, l.hosts, l.groups, l.services, l.serviceGroups, l.rules}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	for _, err := range l.p.Analyze() {
		l.log.Warn("rule dropped", "error", err)
	}
	return l.p, nil
}

func (l *loader) one(typ backend.ObjectType, name, key string) (string, error) {
	v, err := backend.AskOne(l.ctx, l.b, typ, name, key)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "%s %s: ask %s", typ, name, key)
	}
	return v, nil
}

func (l *loader) multi(typ backend.ObjectType, name, key string) ([]string, error) {
	v, err := backend.AskMulti(l.ctx, l.b, typ, name, key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "%s %s: ask %s", typ, name, key)
	}
	return v, nil
}

// flag reads a boolean; a malformed value is a problem, not a failure.
func (l *loader) flag(typ backend.ObjectType, name, key string, def bool) bool {
	v, err := backend.AskBool(l.ctx, l.b, typ, name, key, def)
	if err != nil {
		l.problem(err)
	}
	return v
}

func (l *loader) problem(err error) {
	l.log.Warn("policy problem", "error", err)
	l.p.Problems = append(l.p.Problems, err)
}

func (l *loader) list(typ backend.ObjectType) ([]string, error) {
	names, err := l.b.List(l.ctx, typ)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "list %s", typ)
	}
	return names, nil
}

func (l *loader) protect(typ backend.ObjectType, name string) ([]string, error) {
	vals, err := l.multi(typ, name, backend.KeyRule)
	if err != nil {
		return nil, err
	}
	out := vals[:0:0]
	for _, v := range vals {
		v = strings.ToLower(strings.TrimSpace(v))
		if !knownProtect[v] {
			l.problem(errors.Errorf(errors.KindValidation, "%s %s: unknown protect rule %q", typ, name, v))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (l *loader) interfaces() error {
	names, err := l.list(backend.TypeInterface)
	if err != nil {
		return err
	}
	const t = backend.TypeInterface
	for _, name := range names {
		ifc := Interface{Name: name, Up: true}
		ifc.Active = l.flag(t, name, backend.KeyActive, true)
		ifc.Virtual = l.flag(t, name, backend.KeyVirtual, false)
		ifc.Dynamic = l.flag(t, name, backend.KeyDynamic, false)
		ifc.Shape = l.flag(t, name, backend.KeyShape, false)
		for key, dst := range map[string]*string{
			backend.KeyDevice:      &ifc.Device,
			backend.KeyIPAddress:   &ifc.IPv4,
			backend.KeyIPv6Address: &ifc.IPv6,
			backend.KeyComment:     &ifc.Comment,
		} {
			if *dst, err = l.one(t, name, key); err != nil {
				return err
			}
		}
		ifc.IPv6Enabled = l.flag(t, name, backend.KeyIPv6, ifc.IPv6 != "")

		if ifc.Device == "" {
			l.problem(errors.Errorf(errors.KindValidation, "interface %s: no device", name))
			ifc.Active = false
		}
		if ifc.IPv4 != "" || ifc.IPv6 != "" {
			if _, err := resolve.Host(ifc.IPv4, ifc.IPv6, ""); err != nil {
				l.problem(errors.Wrapf(err, errors.KindResolution, "interface %s", name))
				ifc.Active = false
			}
		}

		for key, dst := range map[string]*uint64{backend.KeyBandwidthIn: &ifc.BandwidthIn, backend.KeyBandwidthOut: &ifc.BandwidthOut} {
			v, err := l.one(t, name, key)
			if err != nil {
				return err
			}
			if *dst, err = qos.ParseRate(v); err != nil {
				l.problem(errors.Wrapf(err, errors.KindValidation, "interface %s: %s", name, key))
				ifc.Shape = false
			}
		}
		if ifc.Shape && ifc.BandwidthOut == 0 {
			l.problem(errors.Errorf(errors.KindValidation, "interface %s: shaping without %s", name, backend.KeyBandwidthOut))
			ifc.Shape = false
		}

		if ifc.Protect, err = l.protect(t, name); err != nil {
			return err
		}
		l.p.AddInterface(ifc)
	}
	return nil
}

func (l *loader) zones() error {
	names, err := l.list(backend.TypeZone)
	if err != nil {
		return err
	}
	for _, name := range names {
		z := Zone{Name: name, Active: l.flag(backend.TypeZone, name, backend.KeyActive, true)}
		if z.Comment, err = l.one(backend.TypeZone, name, backend.KeyComment); err != nil {
			return err
		}
		l.p.AddZone(z)
	}
	return nil
}

// parent strips the first label: "pc1.lan.trusted" -> "lan.trusted".
func parent(name string) string {
	_, rest, _ := strings.Cut(name, ".")
	return rest
}

func (l *loader) networks() error {
	names, err := l.list(backend.TypeNetwork)
	if err != nil {
		return err
	}
	const t = backend.TypeNetwork
	for _, name := range names {
		z, ok := l.p.Zone(parent(name))
		if !ok {
			l.problem(errors.Errorf(errors.KindResolution, "network %s: unknown zone", name))
			continue
		}
		n := Network{Name: name, Zone: z.ID, Active: l.flag(t, name, backend.KeyActive, true)}

		var addr, mask, addr6, cidr6 string
		for key, dst := range map[string]*string{
			backend.KeyNetwork:     &addr,
			backend.KeyNetmask:     &mask,
			backend.KeyIPv6Network: &addr6,
			backend.KeyIPv6CIDR:    &cidr6,
			backend.KeyComment:     &n.Comment,
		} {
			if *dst, err = l.one(t, name, key); err != nil {
				return err
			}
		}
		bits := 0
		if cidr6 != "" {
			bits, _ = strconv.Atoi(cidr6)
		}
		if n.Addr, err = resolve.Network(addr, mask, addr6, bits); err != nil {
			l.problem(errors.Wrapf(err, errors.KindResolution, "network %s", name))
			n.Active, n.Unresolved = false, true
		}

		ifNames, err := l.multi(t, name, backend.KeyInterface)
		if err != nil {
			return err
		}
		for _, in := range ifNames {
			ifc, ok := l.p.Interface(in)
			if !ok {
				l.problem(errors.Errorf(errors.KindResolution, "network %s: unknown interface %q", name, in))
				continue
			}
			n.Interfaces = append(n.Interfaces, ifc.ID)
		}
		if n.Protect, err = l.protect(t, name); err != nil {
			return err
		}
		l.p.AddNetwork(n)
	}
	return nil
}

func (l *loader) hosts() error {
	names, err := l.list(backend.TypeHost)
	if err != nil {
		return err
	}
	const t = backend.TypeHost
	for _, name := range names {
		n, ok := l.p.Network(parent(name))
		if !ok {
			l.problem(errors.Errorf(errors.KindResolution, "host %s: unknown network", name))
			continue
		}
		h := Host{Name: name, Network: n.ID, Active: l.flag(t, name, backend.KeyActive, true)}

		var ip4, ip6, mac string
		for key, dst := range map[string]*string{
			backend.KeyIPAddress:   &ip4,
			backend.KeyIPv6Address: &ip6,
			backend.KeyMAC:         &mac,
			backend.KeyComment:     &h.Comment,
		} {
			if *dst, err = l.one(t, name, key); err != nil {
				return err
			}
		}
		if h.Addr, err = resolve.Host(ip4, ip6, strings.ToLower(mac)); err != nil {
			l.problem(errors.Wrapf(err, errors.KindResolution, "host %s", name))
			h.Active, h.Unresolved = false, true
		}
		l.p.AddHost(h)
	}
	return nil
}

func (l *loader) groups() error {
	names, err := l.list(backend.TypeGroup)
	if err != nil {
		return err
	}
	const t = backend.TypeGroup
	for _, name := range names {
		n, ok := l.p.Network(parent(name))
		if !ok {
			l.problem(errors.Errorf(errors.KindResolution, "group %s: unknown network", name))
			continue
		}
		g := Group{Name: name, Network: n.ID, Active: l.flag(t, name, backend.KeyActive, true)}
		if g.Comment, err = l.one(t, name, backend.KeyComment); err != nil {
			return err
		}
		members, err := l.multi(t, name, backend.KeyMember)
		if err != nil {
			return err
		}
		for _, m := range members {
			h, ok := l.p.Host(m)
			if !ok {
				l.problem(errors.Errorf(errors.KindResolution, "group %s: unknown member %q", name, m))
				continue
			}
			g.Members = append(g.Members, h.ID)
		}
		l.p.AddGroup(g)
	}
	return nil
}

func (l *loader) services() error {
	names, err := l.list(backend.TypeService)
	if err != nil {
		return err
	}
	const t = backend.TypeService
	for _, name := range names {
		s := Service{Name: name, Active: l.flag(t, name, backend.KeyActive, true)}
		if s.Helper, err = l.one(t, name, backend.KeyHelper); err != nil {
			return err
		}
		if s.Comment, err = l.one(t, name, backend.KeyComment); err != nil {
			return err
		}
		if s.Ranges, err = l.ranges(name); err != nil {
			return err
		}
		l.p.AddService(s)
	}
	return nil
}

func (l *loader) ranges(name string) ([]resolve.PortRange, error) {
	const t = backend.TypeService
	var out []resolve.PortRange
	bad := func(err error) { l.problem(errors.Wrapf(err, errors.KindResolution, "service %s", name)) }

	for _, e := range []struct {
		key   string
		proto int
	}{{backend.KeyTCP, resolve.ProtoTCP}, {backend.KeyUDP, resolve.ProtoUDP}} {
		specs, err := l.multi(t, name, e.key)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			pr, err := resolve.ParsePortSpec(e.proto, spec)
			if err != nil {
				bad(err)
				continue
			}
			out = append(out, pr)
		}
	}
	for _, e := range []struct {
		key   string
		proto int
	}{{backend.KeyICMP, resolve.ProtoICMP}, {backend.KeyICMPv6, resolve.ProtoICMPv6}} {
		specs, err := l.multi(t, name, e.key)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			pr, err := resolve.ParseICMPSpec(e.proto, spec)
			if err != nil {
				bad(err)
				continue
			}
			out = append(out, pr)
		}
	}
	protos, err := l.multi(t, name, backend.KeyProto)
	if err != nil {
		return nil, err
	}
	for _, spec := range protos {
		n, err := resolve.ParseProtocol(spec)
		if err != nil {
			bad(err)
			continue
		}
		out = append(out, resolve.PortRange{Protocol: n})
	}
	return out, nil
}

func (l *loader) serviceGroups() error {
	names, err := l.list(backend.TypeServiceGroup)
	if err != nil {
		return err
	}
	for _, name := range names {
		s := Service{Name: name, Active: l.flag(backend.TypeServiceGroup, name, backend.KeyActive, true)}
		members, err := l.multi(backend.TypeServiceGroup, name, backend.KeyMember)
		if err != nil {
			return err
		}
		for _, m := range members {
			svc, ok := l.p.Service(m)
			if !ok || svc.Members != nil {
				l.problem(errors.Errorf(errors.KindResolution, "servicegroup %s: unknown service %q", name, m))
				continue
			}
			s.Members = append(s.Members, svc.ID)
			if svc.Active {
				s.Ranges = append(s.Ranges, svc.Ranges...)
			}
			if s.Helper == "" {
				s.Helper = svc.Helper
			}
		}
		if _, dup := l.p.Service(name); dup {
			l.problem(errors.Errorf(errors.KindValidation, "servicegroup %s: name already used by a service", name))
			continue
		}
		l.p.AddService(s)
	}
	return nil
}

func (l *loader) rules() error {
	lines, err := l.multi(backend.TypeRules, backend.RulesObject, backend.KeyRule)
	if err != nil {
		return err
	}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := ParseRule(line)
		r.Number = i + 1
		if err != nil {
			r.Err = ruleErr(&r, "text", err)
			l.problem(r.Err)
		}
		l.p.Rules = append(l.p.Rules, r)
	}
	return nil
}

// ApplyLinkState copies link state into the interfaces: Up for every
// device and the live address for dynamic interfaces.
func (p *Policy) ApplyLinkState(state *network.State) {
	if state == nil {
		return
	}
	for i := range p.Interfaces {
		ifc := &p.Interfaces[i]
		link, ok := state.Lookup(ifc.Device)
		if !ok {
			continue
		}
		ifc.Up = link.Exists && link.Up
		if ifc.Dynamic {
			ifc.IPv4 = state.PrimaryIPv4(ifc.Device)
			if ifc.IPv6Enabled {
				ifc.IPv6 = state.PrimaryIPv6(ifc.Device)
			}
		}
	}
}
