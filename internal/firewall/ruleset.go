package firewall

import (
	"strings"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/resolve"
)

// Phase selects the segment of a buffer a rule lands in. Every buffer
// renders its pre segment, then its rules, then its post segment.
type Phase int

const (
	PhasePre Phase = iota
	PhaseRules
	PhasePost

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhasePost:
		return "post"
	default:
		return "rules"
	}
}

// accounting holds the two counter slots of one ACC chain.
type accounting struct {
	slots [2]*Rule
}

const (
	slotOut = 0
	slotIn  = 1
)

// Ruleset is the complete rule list for one IP version.
type Ruleset struct {
	Family   resolve.Family
	segments [numBuffers][numPhases][]Rule
	policies [numBuffers]string
	acc      map[string]*accounting
	accOrder []string
}

// NewRuleset returns an empty ruleset with the default chain policies.
func NewRuleset(v resolve.Family) *Ruleset {
	rs := &Ruleset{Family: v, acc: make(map[string]*accounting)}
	for b := Buffer(0); b < numBuffers; b++ {
		rs.policies[b] = buffers[b].policy
	}
	return rs
}

// Append adds r to the matching buffer segment.
func (rs *Ruleset) Append(phase Phase, r Rule) error {
	if phase < 0 || phase >= numPhases {
		return errors.Errorf(errors.KindInternal, "invalid phase %d", phase)
	}
	if r.IPVersion != rs.Family {
		return errors.Attr(errors.Errorf(errors.KindInternal, "rule for %s routed to %s ruleset", r.IPVersion, rs.Family), "rule", r.Body)
	}
	if r.Table == capability.TableFilter && IsAccountingChain(r.Chain) {
		rs.appendAccounting(r)
		return nil
	}
	b, ok := LookupBuffer(r.Table, r.Chain)
	if !ok {
		return errors.Attr(errors.Errorf(errors.KindInternal, "no buffer for %s/%s", r.Table, r.Chain), "rule", r.Body)
	}
	rs.segments[b][phase] = append(rs.segments[b][phase], r)
	return nil
}

// appendAccounting fills the outbound slot for "-o" rules and the inbound
// slot for "-i" rules. A rule naming neither takes the first free slot.
// Rules beyond the two slots are dropped.
func (rs *Ruleset) appendAccounting(r Rule) {
	a, ok := rs.acc[r.Chain]
	if !ok {
		a = &accounting{}
		rs.acc[r.Chain] = a
		rs.accOrder = append(rs.accOrder, r.Chain)
	}
	slot := -1
	switch {
	case hasFlag(r.Body, "-o"):
		slot = slotOut
	case hasFlag(r.Body, "-i"):
		slot = slotIn
	}
	if slot < 0 {
		for i := range a.slots {
			if a.slots[i] == nil {
				slot = i
				break
			}
		}
	}
	if slot < 0 || a.slots[slot] != nil {
		return
	}
	rule := r
	a.slots[slot] = &rule
}

func hasFlag(body, flag string) bool {
	for _, f := range strings.Fields(body) {
		if f == flag {
			return true
		}
	}
	return false
}

// SetPolicy changes the policy of a built-in chain.
func (rs *Ruleset) SetPolicy(table, chain, policy string) error {
	b, ok := LookupBuffer(table, chain)
	if !ok || !b.Builtin() {
		return errors.Errorf(errors.KindInternal, "%s/%s is not a built-in chain", table, chain)
	}
	rs.policies[b] = policy
	return nil
}

// Policy returns the policy of a buffer's chain; custom chains have none.
func (rs *Ruleset) Policy(b Buffer) string {
	if !b.Builtin() {
		return "-"
	}
	return rs.policies[b]
}

// Rules returns the rules of one buffer: pre, rules and post segments.
func (rs *Ruleset) Rules(b Buffer) []Rule {
	var out []Rule
	for p := Phase(0); p < numPhases; p++ {
		out = append(out, rs.segments[b][p]...)
	}
	return out
}

// AccountingChains lists the accounting chains in creation order.
func (rs *Ruleset) AccountingChains() []string {
	return rs.accOrder
}

// AccountingRules returns the rules of one accounting chain, outbound first.
func (rs *Ruleset) AccountingRules(chain string) []Rule {
	a, ok := rs.acc[chain]
	if !ok {
		return nil
	}
	var out []Rule
	for _, r := range a.slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// TableRules returns every rule of a table in render order. Accounting
// chains follow the filter buffers.
func (rs *Ruleset) TableRules(table string) []Rule {
	var out []Rule
	for _, b := range TableBuffers(table) {
		out = append(out, rs.Rules(b)...)
	}
	if table == capability.TableFilter {
		for _, c := range rs.accOrder {
			out = append(out, rs.AccountingRules(c)...)
		}
	}
	return out
}

// Len counts every rule in the ruleset.
func (rs *Ruleset) Len() int {
	n := 0
	for _, t := range Tables(rs.Family) {
		n += len(rs.TableRules(t))
	}
	return n
}

// Count returns the number of rules per table.
func (rs *Ruleset) Count() map[string]int {
	out := make(map[string]int)
	for _, t := range Tables(rs.Family) {
		out[t] = len(rs.TableRules(t))
	}
	return out
}

// Replay routes the whole ruleset, table by table, in render order.
func (rs *Ruleset) Replay(r Router) error {
	for _, t := range Tables(rs.Family) {
		for _, rule := range rs.TableRules(t) {
			if err := r.Route(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChainSpec describes one chain of a table.
type ChainSpec struct {
	Name    string
	Builtin bool
	Policy  string
}

// Chains lists the chains of a table in declaration order.
func (rs *Ruleset) Chains(table string) []ChainSpec {
	var out []ChainSpec
	for _, b := range TableBuffers(table) {
		out = append(out, ChainSpec{Name: b.Chain(), Builtin: b.Builtin(), Policy: rs.Policy(b)})
	}
	if table == capability.TableFilter {
		for _, c := range rs.accOrder {
			out = append(out, ChainSpec{Name: c, Policy: "-"})
		}
	}
	return out
}
