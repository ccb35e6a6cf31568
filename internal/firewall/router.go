package firewall

import (
	"fmt"
	"io"

	"github.com/anmitsu/go-shlex"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/resolve"
)

// Router delivers concrete rules to their destination.
type Router interface {
	Route(Rule) error
}

// BulkRouter appends rules to per-family rulesets for a later atomic load.
type BulkRouter struct {
	// Phase selects the buffer segment new rules are appended to.
	Phase    Phase
	rulesets map[resolve.Family]*Ruleset
}

// NewBulkRouter routes into the given rulesets, one per family.
func NewBulkRouter(sets ...*Ruleset) *BulkRouter {
	r := &BulkRouter{Phase: PhaseRules, rulesets: make(map[resolve.Family]*Ruleset)}
	for _, rs := range sets {
		r.rulesets[rs.Family] = rs
	}
	return r
}

// Ruleset returns the ruleset of family v, or nil.
func (r *BulkRouter) Ruleset(v resolve.Family) *Ruleset {
	return r.rulesets[v]
}

// Route implements Router.
func (r *BulkRouter) Route(rule Rule) error {
	rs, ok := r.rulesets[rule.IPVersion]
	if !ok {
		return errors.Attr(errors.Errorf(errors.KindInternal, "no %s ruleset", rule.IPVersion), "rule", rule.Body)
	}
	return rs.Append(r.Phase, rule)
}

// ImmediateRouter runs each rule against the live packet filter.
type ImmediateRouter struct {
	tables map[resolve.Family]IPTables
	// Routed counts successfully appended rules.
	Routed int
}

// NewImmediateRouter returns a router that appends through the given clients.
func NewImmediateRouter(tables map[resolve.Family]IPTables) *ImmediateRouter {
	return &ImmediateRouter{tables: tables}
}

// Prepare creates and flushes every chain of rs. Flushing happens before any
// rule is appended so jumps to custom chains resolve.
func (r *ImmediateRouter) Prepare(rs *Ruleset, tables []string) error {
	ipt, err := r.client(rs.Family)
	if err != nil {
		return err
	}
	for _, t := range tables {
		for _, c := range rs.Chains(t) {
			if err := ipt.ClearChain(t, c.Name); err != nil {
				return errors.Attr(errors.Wrapf(err, errors.KindSubprocess, "prepare %s/%s", t, c.Name), "family", rs.Family.String())
			}
		}
	}
	return nil
}

// Finish sets the built-in chain policies of rs.
func (r *ImmediateRouter) Finish(rs *Ruleset, tables []string) error {
	ipt, err := r.client(rs.Family)
	if err != nil {
		return err
	}
	for _, t := range tables {
		for _, c := range rs.Chains(t) {
			if !c.Builtin {
				continue
			}
			if err := ipt.ChangePolicy(t, c.Name, c.Policy); err != nil {
				return errors.Wrapf(err, errors.KindSubprocess, "policy %s/%s", t, c.Name)
			}
		}
	}
	return nil
}

func (r *ImmediateRouter) client(v resolve.Family) (IPTables, error) {
	ipt, ok := r.tables[v]
	if !ok || ipt == nil {
		return nil, errors.Errorf(errors.KindInternal, "no iptables client for %s", v)
	}
	return ipt, nil
}

// Route implements Router.
func (r *ImmediateRouter) Route(rule Rule) error {
	ipt, err := r.client(rule.IPVersion)
	if err != nil {
		return err
	}
	spec, err := shlex.Split(rule.Body, true)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "split rule"), "rule", rule.Body)
	}
	if err := ipt.Append(rule.Table, rule.Chain, spec...); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindSubprocess, "append to %s/%s", rule.Table, rule.Chain), "rule", rule.Body)
	}
	r.Routed++
	return nil
}

// ScriptRouter writes each rule as an iptables command line.
type ScriptRouter struct {
	w io.Writer
	// Commands maps a family to the iptables binary.
	Commands map[resolve.Family]string
}

// NewScriptRouter writes to w using the given binaries.
func NewScriptRouter(w io.Writer, iptables, ip6tables string) *ScriptRouter {
	return &ScriptRouter{
		w: w,
		Commands: map[resolve.Family]string{
			resolve.IPv4: iptables,
			resolve.IPv6: ip6tables,
		},
	}
}

func (r *ScriptRouter) command(v resolve.Family) string {
	if c := r.Commands[v]; c != "" {
		return c
	}
	if v == resolve.IPv6 {
		return "ip6tables"
	}
	return "iptables"
}

// Prepare writes the chain creation and flush commands for rs.
func (r *ScriptRouter) Prepare(rs *Ruleset, tables []string) error {
	cmd := r.command(rs.Family)
	for _, t := range tables {
		for _, c := range rs.Chains(t) {
			if !c.Builtin {
				if _, err := fmt.Fprintf(r.w, "%s -t %s -N %s 2>/dev/null\n", cmd, t, c.Name); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(r.w, "%s -t %s -F %s\n", cmd, t, c.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finish writes the policy commands for rs.
func (r *ScriptRouter) Finish(rs *Ruleset, tables []string) error {
	cmd := r.command(rs.Family)
	for _, t := range tables {
		for _, c := range rs.Chains(t) {
			if !c.Builtin {
				continue
			}
			if _, err := fmt.Fprintf(r.w, "%s -t %s -P %s %s\n", cmd, t, c.Name, c.Policy); err != nil {
				return err
			}
		}
	}
	return nil
}

// Route implements Router.
func (r *ScriptRouter) Route(rule Rule) error {
	_, err := fmt.Fprintf(r.w, "%s -t %s -A %s %s\n", r.command(rule.IPVersion), rule.Table, rule.Chain, rule.Body)
	return err
}
