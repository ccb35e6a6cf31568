package rulegen

import (
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
)

// Compile expands every policy rule, then adds the pre- and post-rules,
// into one ruleset per family. Each policy rule is deduplicated on its own.
func Compile(ac *ApplyContext) ([]*firewall.Ruleset, error) {
	families := ac.Families()
	sets := make([]*firewall.Ruleset, 0, len(families))
	for _, v := range families {
		sets = append(sets, firewall.NewRuleset(v))
	}
	router := firewall.NewBulkRouter(sets...)

	exp := NewExpander(ac)
	dups := 0
	for i := range ac.Policy.Rules {
		r := &ac.Policy.Rules[i]
		q := firewall.NewQueue()
		if err := exp.ExpandRule(r, q); err != nil {
			return nil, err
		}
		dups += q.Suppressed
		if err := q.Flush(router); err != nil {
			return nil, errors.Attr(err, "rule", r.Number)
		}
	}
	ac.Metrics.RecordDuplicates(dups)

	for _, v := range families {
		pre, err := PreRules(ac, v)
		if err != nil {
			return nil, errors.Attr(err, "family", v.String())
		}
		q := firewall.NewQueue()
		q.InsertAll(pre)
		router.Phase = firewall.PhasePre
		if err := q.Flush(router); err != nil {
			return nil, err
		}
		q.InsertAll(PostRules(ac, v))
		router.Phase = firewall.PhasePost
		if err := q.Flush(router); err != nil {
			return nil, err
		}
	}
	router.Phase = firewall.PhaseRules

	for _, rs := range sets {
		counts := rs.Count()
		ac.Metrics.RecordRules(rs.Family.String(), counts)
		ac.Logger.Debug("ruleset compiled", "family", rs.Family.String(), "rules", rs.Len(), "duplicates", dups)
	}
	if d := ac.Degradations(); len(d) > 0 {
		ac.Logger.Warn("ruleset compiled with unsupported features skipped", "features", d)
	}
	return sets, nil
}
