package rulegen

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/backend"
	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/network"
	"grimm.is/rampart/internal/policy"
	"grimm.is/rampart/internal/resolve"
)

const basePolicy = `
interface "lan" {
  device = "eth1"
  ip     = "192.168.1.1"
}
interface "wan" {
  device  = "eth0"
  ip      = "203.0.113.2"
  protect = ["rfc3330"]
}
interface "dmz" {
  device = "eth2"
  ip     = "10.0.0.1"
}

zone "trusted" {
  network "lan" {
    network    = "192.168.1.0"
    netmask    = "255.255.255.0"
    interfaces = ["lan"]
    protect    = ["spoofing", "dhcp-server"]
    host "pc1" {
      ip  = "192.168.1.10"
      mac = "AA:BB:CC:DD:EE:FF"
    }
    host "pc2" { ip = "192.168.1.11" }
    group "office" { members = ["pc1", "pc2"] }
  }
}

zone "internet" {
  network "inet" {
    network    = "0.0.0.0"
    netmask    = "0.0.0.0"
    interfaces = ["wan"]
  }
}

zone "dmz" {
  network "servers" {
    network    = "10.0.0.0"
    netmask    = "255.255.255.0"
    interfaces = ["dmz"]
    host "web" { ip = "10.0.0.20" }
  }
}

zone "lab" {
  network "hosts" {
    network = "10.0.0.0"
    netmask = "255.255.255.0"
    host "a" {
      ip  = "10.0.0.5"
      mac = "aa:bb:cc:dd:ee:ff"
    }
    host "b" { ip = "10.0.0.10" }
  }
}

service "ssh"  { tcp = ["22"] }
service "http" { tcp = ["80"] }
service "ftp" {
  tcp    = ["21"]
  helper = "ftp"
}
service "ping" { icmp = ["8"] }
`

func loadPolicy(t *testing.T, rules ...string) *policy.Policy {
	t.Helper()
	var b strings.Builder
	b.WriteString(basePolicy)
	b.WriteString("rules = [\n")
	for _, r := range rules {
		b.WriteString("  " + strconv.Quote(r) + ",\n")
	}
	b.WriteString("]\n")

	doc, err := backend.ParseDocument([]byte(b.String()), "policy.hcl")
	require.NoError(t, err)
	p, err := policy.Load(context.Background(), doc.Backend(), nil)
	require.NoError(t, err)
	for _, r := range p.Rules {
		require.NoError(t, r.Err, r.Text)
	}
	return p
}

func newContext(t *testing.T, p *policy.Policy, caps *capability.Capabilities) *ApplyContext {
	t.Helper()
	ac, err := NewApplyContext(config.Default(), caps, p, nil)
	require.NoError(t, err)
	return ac
}

func expandAll(t *testing.T, ac *ApplyContext) []firewall.Rule {
	t.Helper()
	q := firewall.NewQueue()
	exp := NewExpander(ac)
	for i := range ac.Policy.Rules {
		require.NoError(t, exp.ExpandRule(&ac.Policy.Rules[i], q))
	}
	return q.Rules()
}

func bodies(rules []firewall.Rule, table, chain string) []string {
	var out []string
	for _, r := range rules {
		if r.Table == table && r.Chain == chain {
			out = append(out, r.Body)
		}
	}
	return out
}

func count(rules []firewall.Rule, table string) int {
	n := 0
	for _, r := range rules {
		if r.Table == table {
			n++
		}
	}
	return n
}

func TestHostToHostSSH(t *testing.T) {
	p := loadPolicy(t, "accept service ssh from a.hosts.lab to b.hosts.lab")
	rules := expandAll(t, newContext(t, p, nil))

	require.Len(t, rules, 1)
	assert.Equal(t, capability.TableFilter, rules[0].Table)
	assert.Equal(t, firewall.ChainForward, rules[0].Chain)
	assert.Equal(t,
		"-s 10.0.0.5/255.255.255.255 -d 10.0.0.10/255.255.255.255 -p tcp -m tcp --syn --dport 22 -m mac --mac-source aa:bb:cc:dd:ee:ff -m state --state NEW -j ACCEPT",
		rules[0].Body)
	assert.Zero(t, count(rules, capability.TableMangle))
}

func TestMasquerade(t *testing.T) {
	p := loadPolicy(t, "masq service any from any to any options out_int=wan")
	rules := expandAll(t, newContext(t, p, nil))

	assert.Equal(t, []string{"-o eth0 -j MASQUERADE"}, bodies(rules, capability.TableNAT, firewall.ChainPostrouting))
	assert.Len(t, rules, 1)
}

func TestMasqueradeNetwork(t *testing.T) {
	p := loadPolicy(t, "masq service any from lan.trusted to inet.internet options random")
	rules := expandAll(t, newContext(t, p, nil))

	assert.Equal(t,
		[]string{"-o eth0 -s 192.168.1.0/255.255.255.0 -d 0.0.0.0/0.0.0.0 -j MASQUERADE --random"},
		bodies(rules, capability.TableNAT, firewall.ChainPostrouting))
}

func TestSNAT(t *testing.T) {
	p := loadPolicy(t, "snat service any from lan.trusted to any options out_int=wan")
	rules := expandAll(t, newContext(t, p, nil))

	assert.Equal(t,
		[]string{"-o eth0 -s 192.168.1.0/255.255.255.0 -j SNAT --to-source 203.0.113.2"},
		bodies(rules, capability.TableNAT, firewall.ChainPostrouting))
}

func TestPortForward(t *testing.T) {
	p := loadPolicy(t, "portfw service http from inet.internet to web.servers.dmz options listenport=8080")
	rules := expandAll(t, newContext(t, p, nil))

	dnat := bodies(rules, capability.TableNAT, firewall.ChainPrerouting)
	require.Len(t, dnat, 1)
	assert.Contains(t, dnat[0], "-i eth0")
	assert.Contains(t, dnat[0], "-d 203.0.113.2/255.255.255.255")
	assert.Contains(t, dnat[0], "--dport 8080")
	assert.True(t, strings.HasSuffix(dnat[0], "-j DNAT --to-destination 10.0.0.20:80"), dnat[0])

	fwd := bodies(rules, capability.TableFilter, firewall.ChainForward)
	require.Len(t, fwd, 1)
	assert.Equal(t,
		"-i eth0 -o eth2 -s 0.0.0.0/0.0.0.0 -d 10.0.0.20/255.255.255.255 -p tcp -m tcp --syn --dport 80 -m state --state NEW -j NEWACCEPT",
		fwd[0])
}

func TestPortForwardRemotePort(t *testing.T) {
	p := loadPolicy(t, "portfw service http from inet.internet to web.servers.dmz options remoteport=8000")
	rules := expandAll(t, newContext(t, p, nil))

	dnat := bodies(rules, capability.TableNAT, firewall.ChainPrerouting)
	require.Len(t, dnat, 1)
	assert.Contains(t, dnat[0], "--dport 80 ")
	assert.Contains(t, dnat[0], "--to-destination 10.0.0.20:8000")

	fwd := bodies(rules, capability.TableFilter, firewall.ChainForward)
	require.Len(t, fwd, 1)
	assert.Contains(t, fwd[0], "--dport 8000")
}

func TestRedirect(t *testing.T) {
	p := loadPolicy(t, "redirect service http from lan.trusted to firewall options redirectport=3128")
	rules := expandAll(t, newContext(t, p, nil))

	assert.Equal(t,
		[]string{"-i eth1 -s 192.168.1.0/255.255.255.0 -p tcp -m tcp --dport 80 -j REDIRECT --to-ports 3128"},
		bodies(rules, capability.TableNAT, firewall.ChainPrerouting))
	assert.Equal(t,
		[]string{"-i eth1 -s 192.168.1.0/255.255.255.0 -d 192.168.1.1/255.255.255.255 -p tcp -m tcp --syn --dport 3128 -m state --state NEW -j NEWACCEPT"},
		bodies(rules, capability.TableFilter, firewall.ChainInput))
}

func TestBounce(t *testing.T) {
	p := loadPolicy(t, "bounce service http from lan.trusted to web.servers.dmz options via_int=wan")
	rules := expandAll(t, newContext(t, p, nil))

	pre := bodies(rules, capability.TableNAT, firewall.ChainPrerouting)
	require.Len(t, pre, 1)
	assert.Contains(t, pre[0], "-d 203.0.113.2/255.255.255.255")
	assert.True(t, strings.HasSuffix(pre[0], "-j DNAT --to-destination 10.0.0.20"), pre[0])

	post := bodies(rules, capability.TableNAT, firewall.ChainPostrouting)
	require.Len(t, post, 1)
	assert.True(t, strings.HasSuffix(post[0], "-j SNAT --to-source 192.168.1.1"), post[0])
}

func TestNATIsIPv4Only(t *testing.T) {
	p := loadPolicy(t, "masq service any from any to any options out_int=wan")
	ac := newContext(t, p, nil)
	ac.Config.IPv6 = true
	for _, r := range expandAll(t, ac) {
		assert.Equal(t, resolve.IPv4, r.IPVersion)
	}
}

func TestNFQueueUnsupported(t *testing.T) {
	caps := capability.All()
	caps.Set(resolve.IPv4, capability.KindTarget, capability.TargetNFQueue, false)
	p := loadPolicy(t,
		"nfqueue service ssh from pc1.lan.trusted to firewall options nfqueuenum=3",
		"nfqueue service http from pc1.lan.trusted to firewall options nfqueuenum=3")
	ac := newContext(t, p, caps)

	rules := expandAll(t, ac)
	assert.Empty(t, rules)
	assert.Equal(t, []string{"input/NFQUEUE"}, ac.Degradations())
	assert.Empty(t, ac.NFQueues())
}

func TestGeneratorSkipped(t *testing.T) {
	caps := capability.All()
	caps.Set(resolve.IPv4, capability.KindMatch, capability.MatchMAC, false)
	p := loadPolicy(t)
	ac := newContext(t, p, caps)

	lan, _ := p.Interface("lan")
	leaf := Leaf{Kind: KindInput, Action: policy.ActionAccept, Family: resolve.IPv4, In: lan, MAC: "aa:bb:cc:dd:ee:ff"}
	res, err := filterGenerator{}.Generate(ac, leaf)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Rules)
	assert.Len(t, ac.Degradations(), 1)
}

func TestMarkDirections(t *testing.T) {
	p := loadPolicy(t, "accept service ssh from pc1.lan.trusted to firewall options mark=5")
	rules := expandAll(t, newContext(t, p, nil))

	assert.Equal(t,
		[]string{"-i eth1 -s 192.168.1.10/255.255.255.255 -d 192.168.1.1/255.255.255.255 -p tcp -m tcp --syn --dport 22 -m mac --mac-source aa:bb:cc:dd:ee:ff -m state --state NEW -j ACCEPT"},
		bodies(rules, capability.TableFilter, firewall.ChainInput))
	assert.Equal(t,
		[]string{"-i eth1 -s 192.168.1.10/255.255.255.255 -d 192.168.1.1/255.255.255.255 -p tcp -m tcp --dport 22 -m mac --mac-source aa:bb:cc:dd:ee:ff -j MARK --set-mark 5"},
		bodies(rules, capability.TableMangle, firewall.ChainInput))
	assert.Equal(t,
		[]string{"-o eth1 -s 192.168.1.1/255.255.255.255 -d 192.168.1.10/255.255.255.255 -p tcp -m tcp --sport 22 -j MARK --set-mark 5"},
		bodies(rules, capability.TableMangle, firewall.ChainOutput))
}

func TestNewAcceptConnmark(t *testing.T) {
	p := loadPolicy(t, "queue service ftp from lan.trusted to web.servers.dmz")
	ac := newContext(t, p, nil)
	rules := expandAll(t, ac)

	fwd := bodies(rules, capability.TableMangle, firewall.ChainForward)
	require.Len(t, fwd, 4)
	assert.Equal(t, "-i eth1 -o eth2 -s 192.168.1.0/255.255.255.0 -d 10.0.0.20/255.255.255.255 -p tcp -m tcp --dport 21 -m state --state NEW -j CONNMARK --set-mark 0x30000", fwd[0])
	assert.Equal(t, "-i eth2 -o eth1 -s 10.0.0.20/255.255.255.255 -d 192.168.1.0/255.255.255.0 -p tcp -m tcp --sport 21 -m state --state ESTABLISHED,RELATED -j CONNMARK --set-mark 0x30000", fwd[1])
	assert.Contains(t, fwd[2], `-m helper --helper "ftp"`)
	assert.NotContains(t, fwd[2], "--dport")
	assert.True(t, ac.QueueUsed())
}

func TestICMPHasNoReverseConnmark(t *testing.T) {
	p := loadPolicy(t, "nflog service ping from lan.trusted to firewall options nfloggroup=2")
	ac := newContext(t, p, nil)
	rules := expandAll(t, ac)

	assert.Equal(t,
		[]string{"-i eth1 -s 192.168.1.0/255.255.255.0 -d 192.168.1.1/255.255.255.255 -p icmp -m icmp --icmp-type 8 -m state --state NEW -j NFLOG --nflog-group 2"},
		bodies(rules, capability.TableFilter, firewall.ChainInput))
	assert.Len(t, bodies(rules, capability.TableMangle, firewall.ChainInput), 1)
	assert.Empty(t, bodies(rules, capability.TableMangle, firewall.ChainOutput))
	assert.Equal(t, []int{2}, ac.NFLogGroups())
}

func TestRejectTypes(t *testing.T) {
	p := loadPolicy(t,
		"reject service ssh from pc2.lan.trusted to firewall options rejecttype=tcp-reset",
		"reject service http from pc2.lan.trusted to firewall")
	rules := expandAll(t, newContext(t, p, nil))

	in := bodies(rules, capability.TableFilter, firewall.ChainInput)
	require.Len(t, in, 2)
	assert.True(t, strings.HasSuffix(in[0], "-j TCPRESET"), in[0])
	assert.True(t, strings.HasSuffix(in[1], "-j REJECT --reject-with icmp-port-unreachable"), in[1])
}

func TestLogOption(t *testing.T) {
	p := loadPolicy(t, `drop service ssh from pc2.lan.trusted to firewall options log,logprefix="ssh"`)
	ac := newContext(t, p, nil)
	rules := expandAll(t, ac)

	in := bodies(rules, capability.TableFilter, firewall.ChainInput)
	require.Len(t, in, 2)
	assert.Contains(t, in[0], `-j LOG --log-prefix "rampart: ssh "`)
	assert.Contains(t, in[0], "-m limit --limit 20/sec --limit-burst 40")
	assert.True(t, strings.HasSuffix(in[1], "-j DROP"), in[1])
}

func TestGroupExpandsMembers(t *testing.T) {
	p := loadPolicy(t, "drop service ssh from office.lan.trusted to any")
	rules := expandAll(t, newContext(t, p, nil))

	fwd := bodies(rules, capability.TableFilter, firewall.ChainForward)
	require.Len(t, fwd, 2)
	assert.Contains(t, fwd[0], "-s 192.168.1.10/255.255.255.255")
	assert.Contains(t, fwd[0], "-m mac --mac-source aa:bb:cc:dd:ee:ff")
	assert.Contains(t, fwd[1], "-s 192.168.1.11/255.255.255.255")
	assert.NotContains(t, fwd[1], "-m mac")
}

func TestFirewallToAny(t *testing.T) {
	p := loadPolicy(t, "accept service http from firewall to any")
	rules := expandAll(t, newContext(t, p, nil))

	out := bodies(rules, capability.TableFilter, firewall.ChainOutput)
	assert.Equal(t, []string{
		"-s 192.168.1.1/255.255.255.255 -p tcp -m tcp --syn --dport 80 -m state --state NEW -j ACCEPT",
		"-s 203.0.113.2/255.255.255.255 -p tcp -m tcp --syn --dport 80 -m state --state NEW -j ACCEPT",
		"-s 10.0.0.1/255.255.255.255 -p tcp -m tcp --syn --dport 80 -m state --state NEW -j ACCEPT",
	}, out)
}

func TestInactiveAndInvalidRulesSkipped(t *testing.T) {
	p := loadPolicy(t, "#accept service ssh from any to any", "separator")
	rules := expandAll(t, newContext(t, p, nil))
	assert.Empty(t, rules)
}

func TestDuplicateSuppression(t *testing.T) {
	p := loadPolicy(t, "accept service ssh from lan.trusted to any")
	ac := newContext(t, p, nil)
	exp := NewExpander(ac)
	q := firewall.NewQueue()

	require.NoError(t, exp.ExpandRule(&p.Rules[0], q))
	n := q.Len()
	require.Positive(t, n)
	require.NoError(t, exp.ExpandRule(&p.Rules[0], q))
	assert.Equal(t, n, q.Len())
	assert.Equal(t, n, q.Suppressed)
}

func TestKindFor(t *testing.T) {
	p := loadPolicy(t,
		"accept service ssh from any to firewall",
		"accept service ssh from firewall to any",
		"accept service ssh from any to any",
		"masq service any from any to any options out_int=wan",
		"dnat service http from any to web.servers.dmz",
	)
	want := []Kind{KindInput, KindOutput, KindForward, KindMasq, KindDnat}
	for i, k := range want {
		assert.Equal(t, k, KindFor(&p.Rules[i]), p.Rules[i].Text)
	}
	assert.True(t, KindDnat.IsNAT())
	assert.False(t, KindForward.IsNAT())
	assert.Equal(t, "portfw", KindPortForward.String())
}

func TestNATCapabilityGating(t *testing.T) {
	tests := []struct {
		line     string
		kind     capability.Kind
		feature  string
		degraded string
	}{
		{"masq service any from lan.trusted to any options out_int=wan", capability.KindTarget, capability.TargetMasquerade, "masq/MASQUERADE"},
		{"masq service any from lan.trusted to any options out_int=wan", capability.KindTable, capability.TableNAT, "masq/nat"},
		{"snat service any from lan.trusted to any options out_int=wan", capability.KindTarget, capability.TargetSNAT, "snat/SNAT"},
		{"portfw service http from inet.internet to web.servers.dmz options listenport=8080", capability.KindTarget, capability.TargetDNAT, "portfw/DNAT"},
		{"redirect service http from lan.trusted to firewall options redirectport=3128", capability.KindTarget, capability.TargetRedirect, "redirect/REDIRECT"},
		{"dnat service http from inet.internet to web.servers.dmz", capability.KindTarget, capability.TargetDNAT, "dnat/DNAT"},
		{"bounce service http from lan.trusted to web.servers.dmz options via_int=wan", capability.KindTarget, capability.TargetSNAT, "bounce/SNAT"},
	}
	for _, tt := range tests {
		t.Run(tt.degraded, func(t *testing.T) {
			caps := capability.All()
			caps.Set(resolve.IPv4, tt.kind, tt.feature, false)
			ac := newContext(t, loadPolicy(t, tt.line), caps)

			assert.Empty(t, expandAll(t, ac))
			assert.Equal(t, []string{tt.degraded}, ac.Degradations())
		})
	}
}

func TestMarkWithoutMangleTarget(t *testing.T) {
	caps := capability.All()
	caps.Set(resolve.IPv4, capability.KindTarget, capability.TargetMark, false)
	p := loadPolicy(t, "accept service ssh from pc1.lan.trusted to firewall options mark=5")
	ac := newContext(t, p, caps)
	rules := expandAll(t, ac)

	assert.Len(t, bodies(rules, capability.TableFilter, firewall.ChainInput), 1)
	assert.Zero(t, count(rules, capability.TableMangle))
	assert.Equal(t, []string{"input/MARK"}, ac.Degradations())
}

const multiNetPolicy = `
interface "lan" {
  device = "eth1"
  ip     = "192.168.1.1"
  ipv6   = "fd00:1::1"
}
interface "lan2" {
  device  = "eth3"
  ip      = "192.168.2.1"
  dynamic = true
}
interface "dmz" {
  device = "eth2"
  ip     = "10.0.0.1"
}

zone "trusted" {
  network "a" {
    network      = "192.168.1.0"
    netmask      = "255.255.255.0"
    ipv6_network = "fd00:1::"
    ipv6_cidr    = 64
    interfaces   = ["lan"]
    host "v6only" { ipv6 = "fd00:1::20" }
  }
  network "b" {
    network      = "192.168.2.0"
    netmask      = "255.255.255.0"
    ipv6_network = "fd00:2::"
    ipv6_cidr    = 64
    interfaces   = ["lan2"]
  }
}

service "ssh"  { tcp = ["22"] }
service "ping" {
  icmp   = ["8"]
  icmpv6 = ["128"]
}
`

func loadMultiNet(t *testing.T, rules ...string) *policy.Policy {
	t.Helper()
	var b strings.Builder
	b.WriteString(multiNetPolicy)
	b.WriteString("rules = [\n")
	for _, r := range rules {
		b.WriteString("  " + strconv.Quote(r) + ",\n")
	}
	b.WriteString("]\n")

	doc, err := backend.ParseDocument([]byte(b.String()), "policy.hcl")
	require.NoError(t, err)
	p, err := policy.Load(context.Background(), doc.Backend(), nil)
	require.NoError(t, err)
	for _, r := range p.Rules {
		require.NoError(t, r.Err, r.Text)
	}
	return p
}

func familyRules(rules []firewall.Rule, v resolve.Family, chain string) []string {
	var out []string
	for _, r := range rules {
		if r.IPVersion == v && r.Table == capability.TableFilter && r.Chain == chain {
			out = append(out, r.Body)
		}
	}
	return out
}

func TestZoneFansOutToNetworks(t *testing.T) {
	p := loadMultiNet(t, "accept service ssh from trusted to firewall")
	in := bodies(expandAll(t, newContext(t, p, nil)), capability.TableFilter, firewall.ChainInput)

	require.Len(t, in, 2)
	assert.Contains(t, in[0], "-i eth1 -s 192.168.1.0/255.255.255.0 -d 192.168.1.1/255.255.255.255")
	assert.Contains(t, in[1], "-i eth3 -s 192.168.2.0/255.255.255.0 -d 192.168.2.1/255.255.255.255")
}

func TestInterfacePinFiltersNetworks(t *testing.T) {
	p := loadMultiNet(t, "accept service ssh from trusted to firewall options in_int=lan2")
	in := bodies(expandAll(t, newContext(t, p, nil)), capability.TableFilter, firewall.ChainInput)

	require.Len(t, in, 1)
	assert.Contains(t, in[0], "-i eth3 -s 192.168.2.0/255.255.255.0")
	assert.NotContains(t, in[0], "192.168.1.0")
}

func TestOutInterfacePinFromFirewall(t *testing.T) {
	p := loadMultiNet(t, "accept service ssh from firewall to trusted options out_int=lan2")
	out := bodies(expandAll(t, newContext(t, p, nil)), capability.TableFilter, firewall.ChainOutput)

	require.Len(t, out, 1)
	assert.Contains(t, out[0], "-o eth3")
	assert.Contains(t, out[0], "-s 192.168.2.1/255.255.255.255 -d 192.168.2.0/255.255.255.0")
}

func TestPinOutsideNetworkMatchesNothing(t *testing.T) {
	p := loadMultiNet(t, "accept service ssh from trusted to firewall options in_int=dmz")
	assert.Empty(t, expandAll(t, newContext(t, p, nil)))
}

func TestDynamicInterfaceDownSkipped(t *testing.T) {
	p := loadMultiNet(t, "accept service ssh from trusted to firewall")
	p.ApplyLinkState(network.NewState(network.LinkState{Device: "eth3", Exists: true, Up: false}))
	in := bodies(expandAll(t, newContext(t, p, nil)), capability.TableFilter, firewall.ChainInput)

	require.Len(t, in, 1)
	assert.Contains(t, in[0], "-i eth1 ")
}

func TestIPv6SkipsInterfacesWithoutIPv6(t *testing.T) {
	p := loadMultiNet(t, "accept service ssh from trusted to firewall")
	ac := newContext(t, p, nil)
	ac.Config.IPv6 = true
	rules := expandAll(t, ac)

	assert.Len(t, familyRules(rules, resolve.IPv4, firewall.ChainInput), 2)
	v6 := familyRules(rules, resolve.IPv6, firewall.ChainInput)
	require.Len(t, v6, 1)
	assert.Contains(t, v6[0], "-i eth1 ")
	assert.NotContains(t, v6[0], "eth3")
}

func TestICMPPerFamily(t *testing.T) {
	p := loadMultiNet(t, "accept service ping from a.trusted to firewall")
	ac := newContext(t, p, nil)
	ac.Config.IPv6 = true
	rules := expandAll(t, ac)

	v4 := familyRules(rules, resolve.IPv4, firewall.ChainInput)
	require.Len(t, v4, 1)
	assert.Contains(t, v4[0], "--icmp-type 8")
	assert.NotContains(t, v4[0], "icmpv6")

	v6 := familyRules(rules, resolve.IPv6, firewall.ChainInput)
	require.Len(t, v6, 1)
	assert.Contains(t, v6[0], "icmpv6")
	assert.Contains(t, v6[0], "--icmpv6-type 128")
}

func TestIPv6OnlyHost(t *testing.T) {
	p := loadMultiNet(t, "accept service ssh from v6only.a.trusted to firewall")
	ac := newContext(t, p, nil)
	ac.Config.IPv6 = true
	rules := expandAll(t, ac)

	assert.Empty(t, familyRules(rules, resolve.IPv4, firewall.ChainInput))
	v6 := familyRules(rules, resolve.IPv6, firewall.ChainInput)
	require.Len(t, v6, 1)
	assert.Contains(t, v6[0], "-i eth1 -s fd00:1::20/")
}

func TestSNATWithoutExitInterfaceSkipped(t *testing.T) {
	ac := newContext(t, loadPolicy(t), nil)
	leaf := Leaf{Kind: KindSnat, Action: policy.ActionSNAT, Family: resolve.IPv4, Src: "192.168.1.0/255.255.255.0"}

	res, err := snatGenerator{}.Generate(ac, leaf)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Rules)
}
