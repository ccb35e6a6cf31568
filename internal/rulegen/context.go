package rulegen

import (
	"net/netip"
	"sort"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/policy"
	"grimm.is/rampart/internal/qos"
	"grimm.is/rampart/internal/resolve"
)

// ApplyContext carries everything one apply cycle shares: configuration,
// probed capabilities, the policy, the counter snapshot and the state the
// generators accumulate. It is built once per cycle and never reused.
type ApplyContext struct {
	Config  *config.Config
	Caps    *capability.Capabilities
	Policy  *policy.Policy
	Logger  *logging.Logger
	Metrics *metrics.Registry

	// Counters seeds the accounting rules of the IPv4 ruleset.
	Counters firewall.Counters
	// Blocklist holds the merged blocklist entries of both families.
	Blocklist []netip.Prefix
	Shaper    *qos.Shaper

	warned   map[warnKey]bool
	degraded []string
	nfqueues map[int]bool
	nflogs   map[int]bool
	queue    bool
	classes  map[classKey]string
}

type warnKey struct {
	kind    Kind
	feature string
}

type classKey struct {
	rule   int
	device string
	dir    string
}

// NewApplyContext prepares a cycle. Interfaces with shaping enabled are
// registered with the shaper and get their tc handle here.
func NewApplyContext(cfg *config.Config, caps *capability.Capabilities, pol *policy.Policy, log *logging.Logger) (*ApplyContext, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if caps == nil {
		caps = capability.All()
	}
	if log == nil {
		log = logging.Discard()
	}
	if pol == nil {
		pol = policy.New()
	}
	ac := &ApplyContext{
		Config:   cfg,
		Caps:     caps,
		Policy:   pol,
		Logger:   log.WithComponent("rulegen"),
		Counters: make(firewall.Counters),
		Shaper:   qos.NewShaper(cfg.Tools.TC),
		warned:   make(map[warnKey]bool),
		nfqueues: make(map[int]bool),
		nflogs:   make(map[int]bool),
		classes:  make(map[classKey]string),
	}

	for _, ifc := range pol.ActiveInterfaces() {
		if !ifc.Shape || ifc.BandwidthOut == 0 {
			continue
		}
		h, err := ac.Shaper.AddInterface(device(ifc), ifc.BandwidthOut)
		if err != nil {
			return nil, errors.Attr(err, "interface", ifc.Name)
		}
		ifc.ShapeHandle = h
	}
	return ac, nil
}

// Families lists the address families generated this cycle.
func (ac *ApplyContext) Families() []resolve.Family {
	if ac.Config.IPv6 {
		return resolve.Families
	}
	return []resolve.Family{resolve.IPv4}
}

// Degraded records that kind needed a missing feature. The warning is
// logged once per kind and feature per cycle.
func (ac *ApplyContext) Degraded(k Kind, feature string) {
	key := warnKey{k, feature}
	if ac.warned[key] {
		return
	}
	ac.warned[key] = true
	ac.degraded = append(ac.degraded, k.String()+"/"+feature)
	ac.Logger.Warn("packet filter feature not supported, rules skipped", "kind", k.String(), "feature", feature)
	ac.Metrics.RecordDegraded(k.String(), feature)
}

// Degradations lists the "kind/feature" pairs warned about, in order.
func (ac *ApplyContext) Degradations() []string {
	return ac.degraded
}

func target(v resolve.Family, name string) capability.Feature {
	return capability.Feature{Family: v, Kind: capability.KindTarget, Name: name}
}

func match(v resolve.Family, name string) capability.Feature {
	return capability.Feature{Family: v, Kind: capability.KindMatch, Name: name}
}

func table(v resolve.Family, name string) capability.Feature {
	return capability.Feature{Family: v, Kind: capability.KindTable, Name: name}
}

// supports checks every feature and warns about the first missing one.
func (ac *ApplyContext) supports(k Kind, features ...capability.Feature) bool {
	for _, f := range features {
		if !ac.Caps.Has(f) {
			ac.Degraded(k, f.Name)
			return false
		}
	}
	return true
}

func (ac *ApplyContext) useNFQueue(n int) { ac.nfqueues[n] = true }
func (ac *ApplyContext) useNFLog(g int)   { ac.nflogs[g] = true }
func (ac *ApplyContext) useQueue()        { ac.queue = true }

// NFQueues lists the NFQUEUE numbers the generated rules use.
func (ac *ApplyContext) NFQueues() []int { return sortedKeys(ac.nfqueues) }

// NFLogGroups lists the NFLOG groups the generated rules use.
func (ac *ApplyContext) NFLogGroups() []int { return sortedKeys(ac.nflogs) }

// QueueUsed reports whether any rule jumps to NEWQUEUE.
func (ac *ApplyContext) QueueUsed() bool { return ac.queue }

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// class returns the tc class of a rule on dev, allocating it on first use.
func (ac *ApplyContext) class(rule int, dev, dir string, spec qos.ClassSpec) (string, error) {
	key := classKey{rule, dev, dir}
	if id, ok := ac.classes[key]; ok {
		return id, nil
	}
	id, err := ac.Shaper.Allocate(dev, spec)
	if err != nil {
		return "", errors.Attr(err, "rule", rule)
	}
	ac.classes[key] = id
	return id, nil
}
