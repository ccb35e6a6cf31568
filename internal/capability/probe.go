package capability

import (
	"bufio"
	"context"
	"path"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/resolve"
)

// ProbeOptions configures Probe.
type ProbeOptions struct {
	Fs         afero.Fs
	SkipChecks bool
	IPv6       bool
	// KernelRelease selects /lib/modules/<release>; empty means uname -r.
	KernelRelease string
	Logger        *logging.Logger
}

// standard verdicts are part of x_tables itself
var standardTargets = map[string]bool{"ACCEPT": true, "DROP": true, "RETURN": true, TargetQueue: true}

var builtinMatches = map[string]bool{"tcp": true, "udp": true, "icmp": true, "icmp6": true}

var probedTables = []string{TableRaw, TableMangle, TableNAT, TableFilter}

var probedTargets = []string{
	TargetLog, TargetNFLog, TargetNFQueue, TargetQueue, TargetReject, TargetMark,
	TargetConnmark, TargetClassify, TargetMasquerade, TargetSNAT, TargetDNAT, TargetRedirect,
}

var probedMatches = []string{
	MatchState, MatchMAC, MatchLimit, MatchHelper, MatchConnmark, MatchMark, MatchComment, MatchTCP,
}

// modules that provide a feature besides the obvious xt_<name>
var extraModules = map[string][]string{
	TargetConnmark:   {"xt_connmark"},
	TargetMark:       {"xt_mark"},
	TargetSNAT:       {"xt_nat", "nf_nat"},
	TargetDNAT:       {"xt_nat", "nf_nat"},
	TargetMasquerade: {"nf_nat_masquerade", "nft_masq"},
	MatchState:       {"xt_conntrack"},
	MatchTCP:         {"xt_tcpudp"},
}

type procFiles struct {
	names, targets, matches string
	tablePrefix, modPrefix  string
}

var procByFamily = map[resolve.Family]procFiles{
	resolve.IPv4: {"/proc/net/ip_tables_names", "/proc/net/ip_tables_targets", "/proc/net/ip_tables_matches", "iptable_", "ipt_"},
	resolve.IPv6: {"/proc/net/ip6_tables_names", "/proc/net/ip6_tables_targets", "/proc/net/ip6_tables_matches", "ip6table_", "ip6t_"},
}

// Probe inspects the running system. It never fails: anything that cannot
// be read counts as unsupported.
func Probe(ctx context.Context, opts ProbeOptions) *Capabilities {
	c := New()
	c.SkipChecks = opts.SkipChecks
	if opts.SkipChecks {
		return c
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.WithComponent("capability")

	release := opts.KernelRelease
	if release == "" {
		release = kernelRelease()
	}
	modules := availableModules(opts.Fs, release)

	families := []resolve.Family{resolve.IPv4}
	if opts.IPv6 {
		families = append(families, resolve.IPv6)
	}

	for _, fam := range families {
		if ctx.Err() != nil {
			break
		}
		pf := procByFamily[fam]
		tables := readList(opts.Fs, pf.names)
		targets := readList(opts.Fs, pf.targets)
		matches := readList(opts.Fs, pf.matches)

		for _, t := range probedTables {
			ok := tables[t] || modules[pf.tablePrefix+t]
			c.Set(fam, KindTable, t, ok)
		}
		for _, t := range probedTargets {
			ok := standardTargets[t] || targets[t] || hasModule(modules, pf.modPrefix, t)
			c.Set(fam, KindTarget, t, ok)
		}
		for _, m := range probedMatches {
			ok := builtinMatches[m] || matches[m] || hasModule(modules, pf.modPrefix, m)
			c.Set(fam, KindMatch, m, ok)
		}
	}

	for _, st := range c.Report() {
		if !st.Supported {
			log.Debug("feature unavailable", "family", st.Family.String(), "kind", st.Kind.String(), "name", st.Name)
		}
	}
	return c
}

func hasModule(modules map[string]bool, famPrefix, name string) bool {
	if modules["xt_"+name] || modules[famPrefix+name] {
		return true
	}
	for _, m := range extraModules[name] {
		if modules[m] {
			return true
		}
	}
	return false
}

func readList(fs afero.Fs, file string) map[string]bool {
	out := make(map[string]bool)
	f, err := fs.Open(file)
	if err != nil {
		return out
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			out[name] = true
		}
	}
	return out
}

// availableModules merges loaded modules with the ones the kernel can load
// on demand or has built in.
func availableModules(fs afero.Fs, release string) map[string]bool {
	out := make(map[string]bool)

	// /proc/modules: "xt_mark 12288 2 - Live 0x0"
	for line := range readList(fs, "/proc/modules") {
		if name, _, ok := strings.Cut(line, " "); ok {
			out[name] = true
		}
	}
	if release == "" {
		return out
	}

	base := path.Join("/lib/modules", release)
	// modules.dep: "kernel/net/netfilter/xt_mark.ko.zst: kernel/..."
	for line := range readList(fs, path.Join(base, "modules.dep")) {
		if file, _, ok := strings.Cut(line, ":"); ok {
			out[moduleName(file)] = true
		}
	}
	for line := range readList(fs, path.Join(base, "modules.builtin")) {
		out[moduleName(line)] = true
	}
	return out
}

func moduleName(file string) string {
	name := path.Base(file)
	if i := strings.Index(name, ".ko"); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "-", "_")
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}
