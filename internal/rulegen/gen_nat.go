package rulegen

import (
	"strconv"
	"strings"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/policy"
)

func natRule(l Leaf, chain string, b *body) firewall.Rule {
	return firewall.NewRule(l.Family, capability.TableNAT, chain, b.String())
}

// natMatch renders the match part of a nat rule; tcp never carries --syn.
func natMatch(l Leaf, chain string) *body {
	return l.match(chainClause(chain))
}

// forward builds the filter leaf for traffic that passed a DNAT rule.
func forward(l Leaf) Leaf {
	return l.WithKind(KindForward).WithAction(policy.ActionAccept).WithTarget(firewall.ChainNewAccept)
}

type masqGenerator struct{}

func (masqGenerator) Generate(ac *ApplyContext, l Leaf) (Result, error) {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableNAT), target(v, capability.TargetMasquerade)) {
		return skipped, nil
	}
	b := natMatch(l, firewall.ChainPostrouting).add("-j MASQUERADE")
	if l.Options().Random {
		b.add("--random")
	}
	return Result{Rules: []firewall.Rule{natRule(l, firewall.ChainPostrouting, b)}}, nil
}

type snatGenerator struct{}

func (snatGenerator) Generate(ac *ApplyContext, l Leaf) (Result, error) {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableNAT), target(v, capability.TargetSNAT)) {
		return skipped, nil
	}
	if l.Out == nil {
		ac.Logger.Warn("snat destination has no exit interface, rule skipped", "rule", ruleNumber(l))
		return skipped, nil
	}
	ip := interfaceIP(l.Out, v)
	if ip == "" {
		ac.Logger.Warn("snat exit interface has no address, rule skipped", "interface", l.Out.Name, "rule", ruleNumber(l))
		return skipped, nil
	}
	b := natMatch(l, firewall.ChainPostrouting).add("-j SNAT --to-source", ip)
	if l.Options().Random {
		b.add("--random")
	}
	return Result{Rules: []firewall.Rule{natRule(l, firewall.ChainPostrouting, b)}}, nil
}

func ruleNumber(l Leaf) int {
	if l.Rule == nil {
		return 0
	}
	return l.Rule.Number
}

// portRange renders a destination port for --to-destination, where ranges
// use a dash.
func portRange(dst string) string {
	return strings.ReplaceAll(dst, ":", "-")
}

// portForwardGenerator handles portfw and, with plain set, dnat. The
// prerouting rule matches the firewall's address on the inbound device;
// the packet is then accepted in the forward chain with the port it has
// after translation.
type portForwardGenerator struct {
	plain bool
}

func (g portForwardGenerator) Generate(ac *ApplyContext, l Leaf) (Result, error) {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableNAT), target(v, capability.TargetDNAT)) {
		return skipped, nil
	}
	o := l.Options()
	svcPort := l.Ports().Dst

	pre := l.WithDst(interfaceIP(l.In, v), hostMask(v))
	to := l.DstIP
	fwd := forward(l)
	if !g.plain {
		switch {
		case o.RemotePort > 0:
			to += ":" + strconv.Itoa(o.RemotePort)
			fwd = fwd.WithDstPort(o.RemotePort)
		case o.ListenPort > 0 && svcPort != "":
			to += ":" + portRange(svcPort)
		}
		if o.ListenPort > 0 {
			pre = pre.WithDstPort(o.ListenPort)
		}
	}

	var res Result
	b := natMatch(pre, firewall.ChainPrerouting).add("-j DNAT --to-destination", to)
	res.add(natRule(l, firewall.ChainPrerouting, b))
	nested, err := filterGenerator{}.Generate(ac, fwd)
	if err != nil {
		return Result{}, err
	}
	res.merge(nested)
	return res, nil
}

type redirectGenerator struct{}

// Generate redirects matching traffic to a local port and accepts it on
// the firewall's own address.
func (redirectGenerator) Generate(ac *ApplyContext, l Leaf) (Result, error) {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableNAT), target(v, capability.TargetRedirect)) {
		return skipped, nil
	}
	port := l.Options().RedirectPort

	var res Result
	pre := l.WithDst("", "")
	b := natMatch(pre, firewall.ChainPrerouting).add("-j REDIRECT --to-ports", strconv.Itoa(port))
	res.add(natRule(l, firewall.ChainPrerouting, b))

	in := l.WithKind(KindInput).WithAction(policy.ActionAccept).WithTarget(firewall.ChainNewAccept).WithDstPort(port)
	if ip := interfaceIP(l.In, v); ip != "" {
		in = in.WithDst(ip, hostMask(v))
	}
	nested, err := filterGenerator{}.Generate(ac, in)
	if err != nil {
		return Result{}, err
	}
	res.merge(nested)
	return res, nil
}

type bounceGenerator struct{}

// Generate sends traffic arriving for the via interface's address on to
// the destination host, with the source rewritten so replies come back
// through the firewall.
func (bounceGenerator) Generate(ac *ApplyContext, l Leaf) (Result, error) {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableNAT), target(v, capability.TargetDNAT), target(v, capability.TargetSNAT)) {
		return skipped, nil
	}
	via := viaInterface(ac, l)
	if via == nil {
		return Result{}, errors.Attr(errors.New(errors.KindInternal, "bounce without via interface"), "rule", ruleNumber(l))
	}
	viaIP := interfaceIP(via, v)
	snatIP := interfaceIP(l.In, v)
	if snatIP == "" {
		snatIP = interfaceIP(l.Out, v)
	}
	if viaIP == "" || snatIP == "" {
		return Result{}, errors.Attr(errors.New(errors.KindInternal, "bounce interface without address"), "rule", ruleNumber(l))
	}

	dnat := l.WithDst(viaIP, hostMask(v))
	var res Result
	res.add(
		natRule(l, firewall.ChainPrerouting, natMatch(dnat, firewall.ChainPrerouting).add("-j DNAT --to-destination", l.DstIP)),
		natRule(l, firewall.ChainPostrouting, natMatch(l, firewall.ChainPostrouting).add("-j SNAT --to-source", snatIP)),
	)
	nested, err := filterGenerator{}.Generate(ac, forward(l))
	if err != nil {
		return Result{}, err
	}
	res.merge(nested)
	return res, nil
}

func viaInterface(ac *ApplyContext, l Leaf) *policy.Interface {
	if l.Rule == nil {
		return nil
	}
	id := l.Rule.Cache.ViaInterface
	if id == policy.NoInterface || int(id) >= len(ac.Policy.Interfaces) {
		return nil
	}
	return &ac.Policy.Interfaces[id]
}
