package rulegen

import (
	"strconv"
	"strings"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/policy"
	"grimm.is/rampart/internal/qos"
	"grimm.is/rampart/internal/resolve"
)

// Connection marks set for targets whose established traffic needs
// handling in the pre-rules.
const (
	markNFQueueBase uint32 = 0x10000
	markNFLogBase   uint32 = 0x20000
	markQueue       uint32 = 0x30000
	markNewAccept   uint32 = 0x40000
)

const (
	stateNew         = "-m state --state NEW"
	stateEstablished = "-m state --state ESTABLISHED,RELATED"
)

// Shaping directions.
const (
	dirIn  = "in"
	dirOut = "out"
)

// ip6tables spells the ICMP reject types differently.
var rejectTypes6 = map[string]string{
	"icmp-net-unreachable":   "icmp6-no-route",
	"icmp-host-unreachable":  "icmp6-addr-unreachable",
	"icmp-port-unreachable":  "icmp6-port-unreachable",
	"icmp-proto-unreachable": "icmp6-port-unreachable",
	"icmp-net-prohibited":    "icmp6-adm-prohibited",
	"icmp-host-prohibited":   "icmp6-adm-prohibited",
	"icmp-admin-prohibited":  "icmp6-adm-prohibited",
}

var filterChains = map[Kind]string{
	KindInput:   firewall.ChainInput,
	KindOutput:  firewall.ChainOutput,
	KindForward: firewall.ChainForward,
}

// mangleChains returns the mangle chains seeing the original direction and
// the reply direction of a filter kind.
func mangleChains(k Kind) (fwd, rev string) {
	switch k {
	case KindInput:
		return firewall.ChainInput, firewall.ChainOutput
	case KindOutput:
		return firewall.ChainOutput, firewall.ChainInput
	}
	return firewall.ChainForward, firewall.ChainForward
}

type filterGenerator struct{}

// verdict is the jump of a primary filter rule.
type verdict struct {
	jump  string
	needs []capability.Feature
	mark  uint32
}

func (g filterGenerator) verdict(ac *ApplyContext, l Leaf) verdict {
	v := l.Family
	o := l.Options()
	if l.Target != "" {
		vd := verdict{jump: l.Target}
		if l.Target == firewall.ChainNewAccept {
			vd.mark = markNewAccept
		}
		return vd
	}
	switch l.Action {
	case policy.ActionDrop:
		return verdict{jump: "DROP"}
	case policy.ActionReject:
		rt := o.RejectType
		if rt == "" {
			rt = ac.Config.Protect.RejectType
		}
		needs := []capability.Feature{target(v, capability.TargetReject)}
		if rt == "tcp-reset" {
			return verdict{jump: firewall.ChainTCPReset, needs: needs}
		}
		if r6, ok := rejectTypes6[rt]; ok && v == resolve.IPv6 {
			rt = r6
		}
		return verdict{jump: "REJECT --reject-with " + rt, needs: needs}
	case policy.ActionLog:
		jump, needs := g.logJump(ac, l)
		return verdict{jump: jump, needs: needs}
	case policy.ActionQueue:
		return verdict{jump: firewall.ChainNewQueue, needs: []capability.Feature{target(v, capability.TargetQueue)}, mark: markQueue}
	case policy.ActionNFQueue:
		return verdict{
			jump:  "NFQUEUE --queue-num " + strconv.Itoa(o.NFQueueNum),
			needs: []capability.Feature{target(v, capability.TargetNFQueue)},
			mark:  markNFQueueBase + uint32(o.NFQueueNum),
		}
	case policy.ActionNFLog:
		return verdict{
			jump:  "NFLOG --nflog-group " + strconv.Itoa(o.NFLogGroup),
			needs: []capability.Feature{target(v, capability.TargetNFLog)},
			mark:  markNFLogBase + uint32(o.NFLogGroup),
		}
	}
	return verdict{jump: "ACCEPT"}
}

// logJump renders the LOG (or NFLOG) jump for leaf l.
func (g filterGenerator) logJump(ac *ApplyContext, l Leaf) (string, []capability.Feature) {
	word := l.Options().LogPrefix
	if word == "" {
		word = strings.ToUpper(l.Action.String())
		if l.Target != "" {
			word = l.Target
		}
	}
	return logTarget(ac, l.Family, word)
}

// logTarget renders a log jump whose prefix ends in word.
func logTarget(ac *ApplyContext, v resolve.Family, word string) (string, []capability.Feature) {
	lc := ac.Config.Logging
	prefix := quote(logPrefix(lc.Prefix, word))
	if lc.NFLog {
		return "NFLOG --nflog-group " + strconv.Itoa(lc.NFLogGroup) + " --nflog-prefix " + prefix,
			[]capability.Feature{target(v, capability.TargetNFLog)}
	}
	return "LOG --log-prefix " + prefix + " --log-level info",
		[]capability.Feature{target(v, capability.TargetLog)}
}

func (g filterGenerator) logLimit(ac *ApplyContext, l Leaf) string {
	if n := l.Options().LogLimit; n > 0 {
		return limitClause(n, 0)
	}
	return limitClause(ac.Config.Logging.Limit, ac.Config.Logging.Burst)
}

// Generate emits the optional log rule, the primary rule and the mangle
// side rules of a filter leaf.
func (g filterGenerator) Generate(ac *ApplyContext, l Leaf) (Result, error) {
	v := l.Family
	o := l.Options()
	chain := filterChains[l.Kind]
	if chain == "" {
		chain = firewall.ChainForward
	}

	vd := g.verdict(ac, l)
	needs := append([]capability.Feature{match(v, capability.MatchState)}, vd.needs...)
	if l.MAC != "" {
		needs = append(needs, match(v, capability.MatchMAC))
	}
	if o.Limit > 0 || (l.Action == policy.ActionLog && g.logLimit(ac, l) != "") {
		needs = append(needs, match(v, capability.MatchLimit))
	}
	if !ac.supports(l.Kind, needs...) {
		return skipped, nil
	}

	switch l.Action {
	case policy.ActionQueue:
		ac.useQueue()
	case policy.ActionNFQueue:
		ac.useNFQueue(o.NFQueueNum)
	case policy.ActionNFLog:
		ac.useNFLog(o.NFLogGroup)
	}

	c := chainClause(chain)
	c.syn, c.mac = true, true
	newRule := func(b *body) firewall.Rule {
		return firewall.NewRule(v, capability.TableFilter, chain, b.String())
	}

	var res Result
	if o.Log && l.Action != policy.ActionLog {
		jump, logNeeds := g.logJump(ac, l)
		limit := g.logLimit(ac, l)
		if limit != "" {
			logNeeds = append(logNeeds, match(v, capability.MatchLimit))
		}
		if ac.supports(l.Kind, logNeeds...) {
			res.add(newRule(l.match(c).add(stateNew, limit, "-j", jump)))
		}
	}

	limit := limitClause(o.Limit, o.Burst)
	if l.Action == policy.ActionLog && limit == "" {
		limit = g.logLimit(ac, l)
	}
	primary := l.match(c).add(stateNew, limit)
	if o.Comment != "" && ac.supports(l.Kind, match(v, capability.MatchComment)) {
		primary.add("-m comment --comment", quote(o.Comment))
	}
	res.add(newRule(primary.add("-j", vd.jump)))

	if vd.mark != 0 {
		res.add(g.connmark(ac, l, vd.mark)...)
	}
	if o.Mark > 0 && l.Action != policy.ActionLog && !l.IsICMP() {
		res.add(g.mark(ac, l, o.Mark)...)
	}
	if o.Shaped() && l.Action != policy.ActionLog {
		rules, err := g.classify(ac, l)
		if err != nil {
			return Result{}, err
		}
		res.add(rules...)
	}
	return res, nil
}

func (g filterGenerator) helper(ac *ApplyContext, l Leaf) bool {
	return l.Helper != "" && ac.supports(l.Kind, match(l.Family, capability.MatchHelper))
}

func helperClause(name string) string {
	return "-m helper --helper " + quote(name)
}

// connmark marks the connection in both directions so the pre-rules can
// treat its established traffic like the first packet.
func (g filterGenerator) connmark(ac *ApplyContext, l Leaf, mark uint32) []firewall.Rule {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableMangle), target(v, capability.TargetConnmark)) {
		return nil
	}
	fwd, rev := mangleChains(l.Kind)
	jump := "-j CONNMARK --set-mark " + hexMark(mark)
	r := l.Reversed()
	rule := func(chain string, b *body) firewall.Rule {
		return firewall.NewRule(v, capability.TableMangle, chain, b.String())
	}

	fc, rc := chainClause(fwd), chainClause(rev)
	fc.mac = true
	out := []firewall.Rule{rule(fwd, l.match(fc).add(stateNew, jump))}
	if !l.IsICMP() {
		out = append(out, rule(rev, r.match(rc).add(stateEstablished, jump)))
	}
	if g.helper(ac, l) {
		fc.ports, rc.ports = false, false
		out = append(out,
			rule(fwd, l.match(fc).add(helperClause(l.Helper), jump)),
			rule(rev, r.match(rc).add(helperClause(l.Helper), jump)))
	}
	return out
}

// mark sets the packet mark in both directions. --syn is never used so
// every packet of the connection is marked.
func (g filterGenerator) mark(ac *ApplyContext, l Leaf, mark uint32) []firewall.Rule {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableMangle), target(v, capability.TargetMark)) {
		return nil
	}
	fwd, rev := mangleChains(l.Kind)
	jump := "-j MARK --set-mark " + strconv.FormatUint(uint64(mark), 10)
	r := l.Reversed()
	rule := func(chain string, b *body) firewall.Rule {
		return firewall.NewRule(v, capability.TableMangle, chain, b.String())
	}

	fc, rc := chainClause(fwd), chainClause(rev)
	fc.mac = true
	out := []firewall.Rule{
		rule(fwd, l.match(fc).add(jump)),
		rule(rev, r.match(rc).add(jump)),
	}
	if g.helper(ac, l) {
		fc.ports, rc.ports = false, false
		out = append(out,
			rule(fwd, l.match(fc).add(helperClause(l.Helper), jump)),
			rule(rev, r.match(rc).add(helperClause(l.Helper), jump)))
	}
	return out
}

// classify steers the rule's traffic into its tc classes. Traffic to the
// firewall is shaped on the way back out of the inbound device, traffic
// from the firewall on the outbound device, forwarded traffic on both.
func (g filterGenerator) classify(ac *ApplyContext, l Leaf) ([]firewall.Rule, error) {
	v := l.Family
	if !ac.supports(l.Kind, table(v, capability.TableMangle), target(v, capability.TargetClassify)) {
		return nil, nil
	}
	o := l.Options()
	in := qos.ClassSpec{Min: o.InMin, Max: o.InMax, Prio: o.Prio}
	out := qos.ClassSpec{Min: o.OutMin, Max: o.OutMax, Prio: o.Prio}

	type shaped struct {
		chain string
		leaf  Leaf
		dir   string
		spec  qos.ClassSpec
	}
	var todo []shaped
	switch l.Kind {
	case KindInput:
		todo = append(todo, shaped{firewall.ChainShapeIn, l.Reversed(), dirIn, in})
	case KindOutput:
		todo = append(todo, shaped{firewall.ChainShapeOut, l, dirOut, out})
	default:
		todo = append(todo,
			shaped{firewall.ChainShapeFw, l, dirOut, out},
			shaped{firewall.ChainShapeFw, l.Reversed(), dirIn, in})
	}

	var rules []firewall.Rule
	for _, s := range todo {
		ifc := s.leaf.Out
		if ifc == nil || ifc.ShapeHandle == 0 || (s.spec.Min == 0 && s.spec.Max == 0) {
			continue
		}
		id, err := ac.class(l.Rule.Number, device(ifc), s.dir, s.spec)
		if err != nil {
			return nil, err
		}
		b := s.leaf.match(clause{out: true, ports: true}).add("-j CLASSIFY --set-class", id)
		rules = append(rules, firewall.NewRule(v, capability.TableMangle, s.chain, b.String()))
	}
	return rules, nil
}
