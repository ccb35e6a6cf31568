package policy

import (
	"strings"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
)

// EndpointKind says what a rule's from/to names.
type EndpointKind int

const (
	EndpointAny EndpointKind = iota
	EndpointFirewall
	EndpointFirewallAny
	EndpointZone
	EndpointNetwork
	EndpointHost
	EndpointGroup
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointAny:
		return "any"
	case EndpointFirewall:
		return "firewall"
	case EndpointFirewallAny:
		return "firewall(any)"
	case EndpointZone:
		return "zone"
	case EndpointNetwork:
		return "network"
	case EndpointHost:
		return "host"
	case EndpointGroup:
		return "group"
	}
	return "unknown"
}

// Endpoint is a resolved rule source or destination. ID indexes the slice
// matching Kind.
type Endpoint struct {
	Kind EndpointKind
	ID   int
}

// IsFirewall reports whether the endpoint is the firewall itself.
func (e Endpoint) IsFirewall() bool {
	return e.Kind == EndpointFirewall || e.Kind == EndpointFirewallAny
}

// RuleCache holds the handles Analyze resolved for a rule.
type RuleCache struct {
	From         Endpoint
	To           Endpoint
	Service      ServiceID
	AnyService   bool
	InInterface  InterfaceID
	OutInterface InterfaceID
	ViaInterface InterfaceID
}

// ResolveEndpoint maps a rule-line name onto the arena. Names carry their
// kind in the number of dots: zone, network.zone, host.network.zone.
func (p *Policy) ResolveEndpoint(name string) (Endpoint, error) {
	switch strings.ToLower(name) {
	case NameAny:
		return Endpoint{Kind: EndpointAny}, nil
	case NameFirewall:
		return Endpoint{Kind: EndpointFirewall}, nil
	case NameFirewallAny:
		return Endpoint{Kind: EndpointFirewallAny}, nil
	}

	switch strings.Count(name, ".") {
	case 0:
		if id, ok := p.lookup(kindZone, name); ok {
			return Endpoint{Kind: EndpointZone, ID: id}, nil
		}
	case 1:
		if id, ok := p.lookup(kindNetwork, name); ok {
			return Endpoint{Kind: EndpointNetwork, ID: id}, nil
		}
	case 2:
		if id, ok := p.lookup(kindHost, name); ok {
			return Endpoint{Kind: EndpointHost, ID: id}, nil
		}
		if id, ok := p.lookup(kindGroup, name); ok {
			return Endpoint{Kind: EndpointGroup, ID: id}, nil
		}
	}
	return Endpoint{}, errors.Errorf(errors.KindResolution, "unknown object %q", name)
}

// EndpointActive reports whether the endpoint and everything it lives in
// is active.
func (p *Policy) EndpointActive(e Endpoint) bool {
	switch e.Kind {
	case EndpointZone:
		return p.Zones[e.ID].Active
	case EndpointNetwork:
		n := &p.Networks[e.ID]
		return n.Active && p.Zones[n.Zone].Active
	case EndpointHost:
		h := &p.Hosts[e.ID]
		return h.Active && p.EndpointActive(Endpoint{Kind: EndpointNetwork, ID: int(h.Network)})
	case EndpointGroup:
		g := &p.Groups[e.ID]
		return g.Active && p.EndpointActive(Endpoint{Kind: EndpointNetwork, ID: int(g.Network)})
	}
	return true
}

// unresolved returns the name of the first entity behind e whose address
// could not be resolved.
func (p *Policy) unresolved(e Endpoint) (string, bool) {
	network := func(id NetworkID) (string, bool) {
		n := &p.Networks[id]
		return n.Name, n.Unresolved
	}
	switch e.Kind {
	case EndpointZone:
		for _, id := range p.Zones[e.ID].Networks {
			if name, bad := network(id); bad {
				return name, true
			}
		}
	case EndpointNetwork:
		return network(NetworkID(e.ID))
	case EndpointHost:
		h := &p.Hosts[e.ID]
		if h.Unresolved {
			return h.Name, true
		}
		return network(h.Network)
	case EndpointGroup:
		g := &p.Groups[e.ID]
		for _, m := range g.Members {
			if h := &p.Hosts[m]; h.Unresolved {
				return h.Name, true
			}
		}
		return network(g.Network)
	}
	return "", false
}

// unattached returns the first network behind e that has no interfaces.
func (p *Policy) unattached(e Endpoint) (string, bool) {
	var ids []NetworkID
	switch e.Kind {
	case EndpointZone:
		ids = p.Zones[e.ID].Networks
	case EndpointNetwork:
		ids = []NetworkID{NetworkID(e.ID)}
	case EndpointHost:
		ids = []NetworkID{p.Hosts[e.ID].Network}
	case EndpointGroup:
		ids = []NetworkID{p.Groups[e.ID].Network}
	}
	for _, id := range ids {
		if n := &p.Networks[id]; n.Active && len(n.Interfaces) == 0 {
			return n.Name, true
		}
	}
	return "", false
}

// EndpointName renders e the way rule lines name it.
func (p *Policy) EndpointName(e Endpoint) string {
	switch e.Kind {
	case EndpointZone:
		return p.Zones[e.ID].Name
	case EndpointNetwork:
		return p.Networks[e.ID].Name
	case EndpointHost:
		return p.Hosts[e.ID].Name
	case EndpointGroup:
		return p.Groups[e.ID].Name
	}
	return e.Kind.String()
}

func ruleErr(r *Rule, field string, err error) error {
	err = errors.Wrapf(err, errors.GetKind(err), "rule %d (%s): %s", r.Number, r.Action, field)
	err = errors.Attr(err, "rule", r.Number)
	return errors.Attr(err, "field", field)
}

func ruleInvalid(r *Rule, field, format string, args ...any) error {
	return ruleErr(r, field, errors.Errorf(errors.KindValidation, format, args...))
}

// Analyze resolves every rule's references into its Cache. Rules that fail
// get Err set and are left out of expansion; their errors are appended to
// Problems and returned. Rules that already failed to parse are skipped.
func (p *Policy) Analyze() []error {
	var errs []error
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Err != nil || r.Action == ActionSeparator {
			continue
		}
		if err := p.analyzeRule(r); err != nil {
			r.Err = err
			errs = append(errs, err)
		}
	}
	p.Problems = append(p.Problems, errs...)
	return errs
}

func (p *Policy) interfaceRef(r *Rule, field, name string) (InterfaceID, error) {
	if name == "" {
		return NoInterface, nil
	}
	ifc, ok := p.Interface(name)
	if !ok {
		return NoInterface, ruleErr(r, field, errors.Errorf(errors.KindResolution, "unknown interface %q", name))
	}
	return ifc.ID, nil
}

func (p *Policy) analyzeRule(r *Rule) error {
	c := RuleCache{Service: -1}
	var err error

	if c.From, err = p.ResolveEndpoint(r.From); err != nil {
		return ruleErr(r, "from", err)
	}
	if c.To, err = p.ResolveEndpoint(r.To); err != nil {
		return ruleErr(r, "to", err)
	}
	for _, side := range []struct {
		field string
		ep    Endpoint
	}{{"from", c.From}, {"to", c.To}} {
		if name, bad := p.unresolved(side.ep); bad {
			return ruleErr(r, side.field, errors.Errorf(errors.KindResolution, "%s has no valid address", name))
		}
	}

	if strings.EqualFold(r.Service, NameAny) {
		c.AnyService = true
	} else {
		svc, ok := p.Service(r.Service)
		if !ok {
			return ruleErr(r, "service", errors.Errorf(errors.KindResolution, "unknown service %q", r.Service))
		}
		c.Service = svc.ID
	}

	o := r.Options
	if c.InInterface, err = p.interfaceRef(r, "in_int", o.InInterface); err != nil {
		return err
	}
	if c.OutInterface, err = p.interfaceRef(r, "out_int", o.OutInterface); err != nil {
		return err
	}
	if c.ViaInterface, err = p.interfaceRef(r, "via_int", o.ViaInterface); err != nil {
		return err
	}

	if o.RejectType != "" && !config.IsRejectType(o.RejectType) {
		return ruleInvalid(r, "rejecttype", "unknown reject type %q", o.RejectType)
	}
	if c.From.IsFirewall() && c.To.IsFirewall() {
		return ruleInvalid(r, "to", "firewall to firewall")
	}

	switch r.Action {
	case ActionMasquerade, ActionSNAT:
		if c.To.IsFirewall() || c.From.IsFirewall() {
			return ruleInvalid(r, "to", "%s cannot involve the firewall", r.Action)
		}
		if c.To.Kind == EndpointAny && c.OutInterface == NoInterface {
			return ruleInvalid(r, "out_int", "%s to any needs an exit interface", r.Action)
		}
		if r.Action == ActionSNAT && c.OutInterface == NoInterface {
			if name, ok := p.unattached(c.To); ok {
				return ruleInvalid(r, "out_int", "snat to %s needs an exit interface", name)
			}
		}
	case ActionPortForward, ActionDNAT, ActionBounce:
		if c.To.Kind != EndpointHost {
			return ruleInvalid(r, "to", "%s needs a host as destination", r.Action)
		}
		if c.From.IsFirewall() {
			return ruleInvalid(r, "from", "%s from the firewall", r.Action)
		}
		if r.Action == ActionPortForward && c.AnyService {
			return ruleInvalid(r, "service", "portfw needs a service")
		}
		if r.Action == ActionBounce && c.ViaInterface == NoInterface {
			return ruleInvalid(r, "via_int", "bounce needs via_int")
		}
	case ActionRedirect:
		if !c.To.IsFirewall() {
			return ruleInvalid(r, "to", "redirect needs the firewall as destination")
		}
		if o.RedirectPort == 0 {
			return ruleInvalid(r, "redirectport", "redirect needs redirectport")
		}
		if c.AnyService {
			return ruleInvalid(r, "service", "redirect needs a service")
		}
	}

	r.Cache = c
	return nil
}
