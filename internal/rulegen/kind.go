// Package rulegen expands policy rules into concrete iptables rules.
//
// An Expander walks the cartesian product of one policy rule (address
// family, interfaces, port ranges, addresses) and hands every combination,
// a Leaf, to the Generator for the rule's Kind. Generators are pure: they
// read the leaf and the capabilities and return rules. Everything that
// lives for a whole apply cycle is held by the ApplyContext.
package rulegen

import (
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/policy"
)

// Kind selects the generator of a rule.
type Kind int

const (
	KindInput Kind = iota
	KindOutput
	KindForward
	KindMasq
	KindSnat
	KindPortForward
	KindRedirect
	KindDnat
	KindBounce
)

var kindNames = [...]string{
	KindInput:       "input",
	KindOutput:      "output",
	KindForward:     "forward",
	KindMasq:        "masq",
	KindSnat:        "snat",
	KindPortForward: "portfw",
	KindRedirect:    "redirect",
	KindDnat:        "dnat",
	KindBounce:      "bounce",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// IsNAT reports whether the kind writes to the nat table. NAT kinds are
// generated for IPv4 only.
func (k Kind) IsNAT() bool {
	return k >= KindMasq
}

// KindFor picks the generator kind of a rule. NAT actions have their own
// kinds; filter actions go by direction.
func KindFor(r *policy.Rule) Kind {
	switch r.Action {
	case policy.ActionMasquerade:
		return KindMasq
	case policy.ActionSNAT:
		return KindSnat
	case policy.ActionPortForward:
		return KindPortForward
	case policy.ActionRedirect:
		return KindRedirect
	case policy.ActionDNAT:
		return KindDnat
	case policy.ActionBounce:
		return KindBounce
	}
	switch {
	case r.Cache.To.IsFirewall():
		return KindInput
	case r.Cache.From.IsFirewall():
		return KindOutput
	}
	return KindForward
}

// Result is what a generator produced for one leaf. Skipped is set when a
// required packet filter feature is missing; Rules is then empty.
type Result struct {
	Rules   []firewall.Rule
	Skipped bool
}

func (r *Result) add(rules ...firewall.Rule) {
	r.Rules = append(r.Rules, rules...)
}

// merge appends a nested result. A skipped nested result does not skip
// the outer one once it has rules of its own.
func (r *Result) merge(o Result) {
	r.Rules = append(r.Rules, o.Rules...)
}

var skipped = Result{Skipped: true}

// Generator turns one leaf into concrete rules.
type Generator interface {
	Generate(ac *ApplyContext, l Leaf) (Result, error)
}

// GeneratorFor returns the generator of kind k.
func GeneratorFor(k Kind) Generator {
	switch k {
	case KindInput, KindOutput, KindForward:
		return filterGenerator{}
	case KindMasq:
		return masqGenerator{}
	case KindSnat:
		return snatGenerator{}
	case KindPortForward:
		return portForwardGenerator{}
	case KindRedirect:
		return redirectGenerator{}
	case KindDnat:
		return portForwardGenerator{plain: true}
	case KindBounce:
		return bounceGenerator{}
	}
	return nil
}
