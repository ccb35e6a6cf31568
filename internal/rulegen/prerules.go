package rulegen

import (
	"slices"
	"strconv"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/policy"
	"grimm.is/rampart/internal/resolve"
)

// ruleList collects rules of one family.
type ruleList struct {
	v     resolve.Family
	rules []firewall.Rule
}

func (l *ruleList) add(table, chain string, parts ...string) {
	b := &body{}
	l.rules = append(l.rules, firewall.NewRule(l.v, table, chain, b.add(parts...).String()))
}

func (l *ruleList) filter(chain string, parts ...string) {
	l.add(capability.TableFilter, chain, parts...)
}

// scanFlags are the TCP flag combinations no legitimate stack sends.
var scanFlags = []string{
	"ALL NONE",
	"ALL ALL",
	"ALL FIN,URG,PSH",
	"SYN,RST SYN,RST",
	"SYN,FIN SYN,FIN",
}

// PreRules builds the rules that run before any policy rule of family v:
// accounting, loopback, invalid state, blocklist, antispoofing, scan
// drops, DHCP and neighbor discovery, then established traffic. It also
// fills the custom chains the policy rules jump to. Call it after every
// policy rule was expanded so the connection marks in use are known.
func PreRules(ac *ApplyContext, v resolve.Family) ([]firewall.Rule, error) {
	l := &ruleList{v: v}
	cfg := ac.Config

	accounting(ac, l)

	l.filter(firewall.ChainInput, "-i lo -j ACCEPT")
	l.filter(firewall.ChainOutput, "-o lo -j ACCEPT")

	hasState := ac.Caps.Has(match(v, capability.MatchState))
	if hasState && cfg.Protect.DropInvalidEnabled() {
		for _, c := range []string{firewall.ChainInput, firewall.ChainOutput, firewall.ChainForward} {
			if cfg.Logging.Invalid {
				if jump, ok := ac.logJumpFor(v, "INVALID"); ok {
					l.filter(c, "-m state --state INVALID", limitClause(cfg.Logging.Limit, cfg.Logging.Burst), "-j", jump)
				}
			}
			l.filter(c, "-m state --state INVALID -j DROP")
		}
	}

	if err := blocklist(ac, l); err != nil {
		return nil, err
	}
	if err := antispoof(ac, l); err != nil {
		return nil, err
	}

	if cfg.Protect.StealthScanEnabled() {
		for _, c := range []string{firewall.ChainInput, firewall.ChainForward} {
			for _, f := range scanFlags {
				l.filter(c, "-p tcp -m tcp --tcp-flags", f, "-j DROP")
			}
		}
	}

	if v == resolve.IPv4 {
		dhcp(ac, l)
	} else {
		for _, t := range []int{133, 134, 135, 136} {
			typ := strconv.Itoa(t)
			l.filter(firewall.ChainInput, "-p icmpv6 --icmpv6-type", typ, "-j ACCEPT")
			l.filter(firewall.ChainOutput, "-p icmpv6 --icmpv6-type", typ, "-j ACCEPT")
		}
	}

	connmarks(ac, l)

	if hasState {
		for _, c := range []string{firewall.ChainInput, firewall.ChainOutput, firewall.ChainForward} {
			l.filter(c, stateEstablished, "-j ACCEPT")
		}
	}

	customChains(ac, l)

	if !ac.Shaper.Empty() && ac.Caps.Has(table(v, capability.TableMangle)) {
		l.add(capability.TableMangle, firewall.ChainOutput, "-j", firewall.ChainShapeIn)
		l.add(capability.TableMangle, firewall.ChainOutput, "-j", firewall.ChainShapeOut)
		l.add(capability.TableMangle, firewall.ChainForward, "-j", firewall.ChainShapeFw)
	}
	return l.rules, nil
}

// logJumpFor returns a log jump if the packet filter supports it.
func (ac *ApplyContext) logJumpFor(v resolve.Family, word string) (string, bool) {
	jump, needs := logTarget(ac, v, word)
	if ac.Config.Logging.Limit > 0 {
		needs = append(needs, match(v, capability.MatchLimit))
	}
	for _, f := range needs {
		if !ac.Caps.Has(f) {
			return "", false
		}
	}
	return jump, true
}

// accountingDevices lists the devices that get an ACC chain: every active,
// non-virtual interface, first occurrence wins.
func accountingDevices(p *policy.Policy) []string {
	var out []string
	for _, ifc := range p.ActiveInterfaces() {
		if ifc.Virtual {
			continue
		}
		if d := device(ifc); !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// accounting jumps every packet of a device through its ACC chain. The
// outbound rule comes first. IPv4 chains start from the counters read
// before the load.
func accounting(ac *ApplyContext, l *ruleList) {
	for _, dev := range accountingDevices(ac.Policy) {
		acc := firewall.AccountingChain(dev)
		l.filter(firewall.ChainInput, "-i", dev, "-j", acc)
		l.filter(firewall.ChainOutput, "-o", dev, "-j", acc)
		l.filter(firewall.ChainForward, "-i", dev, "-j", acc)
		l.filter(firewall.ChainForward, "-o", dev, "-j", acc)

		out := firewall.NewRule(l.v, capability.TableFilter, acc, "-o "+dev+" -j RETURN")
		in := firewall.NewRule(l.v, capability.TableFilter, acc, "-i "+dev+" -j RETURN")
		if l.v == resolve.IPv4 {
			if c, ok := ac.Counters.Get(acc, 0); ok {
				out = out.WithCounters(c.Packets, c.Bytes)
			}
			if c, ok := ac.Counters.Get(acc, 1); ok {
				in = in.WithCounters(c.Packets, c.Bytes)
			}
		}
		l.rules = append(l.rules, out, in)
	}
}

func blocklist(ac *ApplyContext, l *ruleList) error {
	prefixes, err := mergePrefixes(ac.Blocklist, l.v == resolve.IPv4)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "merge blocklist")
	}
	if len(prefixes) == 0 {
		return nil
	}
	for _, p := range prefixes {
		l.filter(firewall.ChainBlocklist, "-s", p.String(), "-j", firewall.ChainBlock)
		l.filter(firewall.ChainBlocklist, "-d", p.String(), "-j", firewall.ChainBlock)
	}
	if ac.Config.Logging.LogBlocklist() {
		if jump, ok := ac.logJumpFor(l.v, "BLOCKLIST"); ok {
			l.filter(firewall.ChainBlock, limitClause(ac.Config.Logging.Limit, ac.Config.Logging.Burst), "-j", jump)
		}
	}
	l.filter(firewall.ChainBlock, "-j DROP")
	for _, c := range []string{firewall.ChainInput, firewall.ChainOutput, firewall.ChainForward} {
		l.filter(c, "-j", firewall.ChainBlocklist)
	}
	return nil
}

func hasProtect(list []string, name string) bool {
	return slices.Contains(list, name)
}

// antispoof drops packets claiming a protected network's source address
// on any other device, and reserved sources on rfc3330 interfaces.
func antispoof(ac *ApplyContext, l *ruleList) error {
	p := ac.Policy
	devices := accountingDevices(p)
	var rules []firewall.Rule
	emit := func(dev, src string) {
		rules = append(rules, firewall.NewRule(l.v, capability.TableFilter, firewall.ChainAntispoof, "-i "+dev+" -s "+src+" -j DROP"))
	}

	for i := range p.Networks {
		n := &p.Networks[i]
		if !n.Active || !hasProtect(n.Protect, policy.ProtectSpoofing) {
			continue
		}
		addrs := networkAddrs(n, l.v)
		if len(addrs) == 0 {
			continue
		}
		own := make(map[string]bool)
		for _, ifc := range p.NetworkInterfaces(n.ID) {
			own[device(ifc)] = true
		}
		for _, dev := range devices {
			if !own[dev] {
				emit(dev, addrs[0].net)
			}
		}
	}

	if l.v == resolve.IPv4 {
		for _, ifc := range p.ActiveInterfaces() {
			if !hasProtect(ifc.Protect, policy.ProtectRFC3330) {
				continue
			}
			reserved, err := reservedFor(p, ifc.ID)
			if err != nil {
				return errors.Attr(errors.Wrap(err, errors.KindInternal, "reserved ranges"), "interface", ifc.Name)
			}
			for _, r := range reserved {
				emit(device(ifc), r.String())
			}
		}
	}

	if len(rules) == 0 {
		return nil
	}
	l.filter(firewall.ChainInput, "-j", firewall.ChainAntispoof)
	l.filter(firewall.ChainForward, "-j", firewall.ChainAntispoof)
	l.rules = append(l.rules, rules...)
	return nil
}

// dhcp accepts DHCP on interfaces protected as client or server, either
// directly or through one of their networks.
func dhcp(ac *ApplyContext, l *ruleList) {
	p := ac.Policy
	for _, ifc := range p.ActiveInterfaces() {
		protect := slices.Clone(ifc.Protect)
		for i := range p.Networks {
			if slices.Contains(p.Networks[i].Interfaces, ifc.ID) && p.Networks[i].Active {
				protect = append(protect, p.Networks[i].Protect...)
			}
		}
		dev := device(ifc)
		if hasProtect(protect, policy.ProtectDHCPClient) {
			l.filter(firewall.ChainInput, "-i", dev, "-p udp -m udp --sport 67 --dport 68 -j ACCEPT")
			l.filter(firewall.ChainOutput, "-o", dev, "-p udp -m udp --sport 68 --dport 67 -j ACCEPT")
		}
		if hasProtect(protect, policy.ProtectDHCPServer) {
			l.filter(firewall.ChainInput, "-i", dev, "-p udp -m udp --sport 68 --dport 67 -j ACCEPT")
			l.filter(firewall.ChainOutput, "-o", dev, "-p udp -m udp --sport 67 --dport 68 -j ACCEPT")
		}
	}
}

// connmarks sends established traffic of queued or nflogged connections
// back to its target before the generic established accept.
func connmarks(ac *ApplyContext, l *ruleList) {
	v := l.v
	if !ac.Caps.Has(match(v, capability.MatchConnmark)) {
		return
	}
	type marked struct {
		mark uint32
		jump string
	}
	var list []marked
	for _, n := range ac.NFQueues() {
		list = append(list, marked{markNFQueueBase + uint32(n), "NFQUEUE --queue-num " + strconv.Itoa(n)})
	}
	for _, g := range ac.NFLogGroups() {
		list = append(list, marked{markNFLogBase + uint32(g), "NFLOG --nflog-group " + strconv.Itoa(g)})
	}
	if ac.QueueUsed() {
		list = append(list, marked{markQueue, "QUEUE"})
	}
	for _, m := range list {
		for _, c := range []string{firewall.ChainInput, firewall.ChainOutput, firewall.ChainForward} {
			l.filter(c, stateEstablished, "-m connmark --mark", hexMark(m.mark), "-j", m.jump)
		}
	}
}

// customChains fills NEWACCEPT and the chains behind it.
func customChains(ac *ApplyContext, l *ruleList) {
	v := l.v
	pc := ac.Config.Protect
	if ac.Caps.Has(match(v, capability.MatchLimit)) {
		l.filter(firewall.ChainNewAccept, "-p tcp -m tcp --syn -j", firewall.ChainSynLimit)
		l.filter(firewall.ChainNewAccept, "-p udp -j", firewall.ChainUDPLimit)
		flood(ac, l, firewall.ChainSynLimit, "SYNFLOOD", pc.SynLimit, pc.SynBurst)
		flood(ac, l, firewall.ChainUDPLimit, "UDPFLOOD", pc.UDPLimit, pc.UDPBurst)
	}
	l.filter(firewall.ChainNewAccept, "-j ACCEPT")

	if ac.Caps.Has(target(v, capability.TargetQueue)) {
		l.filter(firewall.ChainNewQueue, "-j QUEUE")
	}
	if ac.Caps.Has(target(v, capability.TargetReject)) {
		l.filter(firewall.ChainTCPReset, "-p tcp -j REJECT --reject-with tcp-reset")
		l.filter(firewall.ChainTCPReset, "-j REJECT")
	}
}

func flood(ac *ApplyContext, l *ruleList, chain, word string, limit, burst int) {
	l.filter(chain, limitClause(limit, burst), "-j RETURN")
	if jump, ok := ac.logJumpFor(l.v, word); ok {
		l.filter(chain, limitClause(ac.Config.Logging.Limit, ac.Config.Logging.Burst), "-j", jump)
	}
	l.filter(chain, "-j DROP")
}

// PostRules logs what is about to hit the chain policies.
func PostRules(ac *ApplyContext, v resolve.Family) []firewall.Rule {
	if !ac.Config.Logging.LogPolicy() {
		return nil
	}
	l := &ruleList{v: v}
	for _, c := range []string{firewall.ChainInput, firewall.ChainOutput, firewall.ChainForward} {
		if jump, ok := ac.logJumpFor(v, "policy "+c); ok {
			l.filter(c, limitClause(ac.Config.Logging.Limit, ac.Config.Logging.Burst), "-j", jump)
		}
	}
	return l.rules
}
