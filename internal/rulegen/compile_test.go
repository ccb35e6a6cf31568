package rulegen

import (
	"net/netip"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/resolve"
)

func ruleBodies(rules []firewall.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Body)
	}
	return out
}

func TestCompile(t *testing.T) {
	p := loadPolicy(t, "accept service ssh from pc1.lan.trusted to firewall")
	ac := newContext(t, p, nil)
	ac.Counters = firewall.Counters{"ACC-eth0": {{Packets: 1, Bytes: 100}, {Packets: 2, Bytes: 200}}}

	sets, err := Compile(ac)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	rs := sets[0]
	assert.Equal(t, resolve.IPv4, rs.Family)

	input := ruleBodies(rs.Rules(firewall.BufInput))
	require.NotEmpty(t, input)
	assert.Equal(t, "-i eth1 -j ACC-eth1", input[0])
	assert.Contains(t, input, "-i lo -j ACCEPT")
	assert.Contains(t, input, "-m state --state INVALID -j DROP")
	assert.Contains(t, input, "-j ANTISPOOF")
	assert.Contains(t, input, "-i eth1 -p udp -m udp --sport 68 --dport 67 -j ACCEPT")
	assert.Contains(t, input, "-i eth1 -s 192.168.1.10/255.255.255.255 -d 192.168.1.1/255.255.255.255 -p tcp -m tcp --syn --dport 22 -m mac --mac-source aa:bb:cc:dd:ee:ff -m state --state NEW -j ACCEPT")
	assert.Equal(t, `-m limit --limit 20/sec --limit-burst 40 -j LOG --log-prefix "rampart: policy INPUT " --log-level info`, input[len(input)-1])

	established := indexOf(input, "-m state --state ESTABLISHED,RELATED -j ACCEPT")
	policyRule := indexOf(input, "-i eth1 -s 192.168.1.10/255.255.255.255 -d 192.168.1.1/255.255.255.255 -p tcp -m tcp --syn --dport 22 -m mac --mac-source aa:bb:cc:dd:ee:ff -m state --state NEW -j ACCEPT")
	assert.Less(t, established, policyRule, "pre-rules come first")

	acc := rs.AccountingRules("ACC-eth0")
	require.Len(t, acc, 2)
	assert.Equal(t, "-o eth0 -j RETURN", acc[0].Body)
	assert.Equal(t, uint64(100), acc[0].Bytes)
	assert.Equal(t, "-i eth0 -j RETURN", acc[1].Body)
	assert.Equal(t, uint64(2), acc[1].Packets)
	assert.Equal(t, []string{"ACC-eth1", "ACC-eth0", "ACC-eth2"}, rs.AccountingChains())

	assert.Equal(t, []string{
		"-p tcp -m tcp --syn -j SYNLIMIT",
		"-p udp -j UDPLIMIT",
		"-j ACCEPT",
	}, ruleBodies(rs.Rules(firewall.BufNewAccept)))
	assert.Equal(t, []string{
		"-m limit --limit 10/sec --limit-burst 20 -j RETURN",
		`-m limit --limit 20/sec --limit-burst 40 -j LOG --log-prefix "rampart: SYNFLOOD " --log-level info`,
		"-j DROP",
	}, ruleBodies(rs.Rules(firewall.BufSynLimit)))
	assert.Equal(t, []string{
		"-p tcp -j REJECT --reject-with tcp-reset",
		"-j REJECT",
	}, ruleBodies(rs.Rules(firewall.BufTCPReset)))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestAntispoof(t *testing.T) {
	p := loadPolicy(t)
	ac := newContext(t, p, nil)

	rules, err := PreRules(ac, resolve.IPv4)
	require.NoError(t, err)
	spoof := bodies(rules, capability.TableFilter, firewall.ChainAntispoof)
	assert.Contains(t, spoof, "-i eth0 -s 192.168.1.0/255.255.255.0 -j DROP")
	assert.Contains(t, spoof, "-i eth2 -s 192.168.1.0/255.255.255.0 -j DROP")
	assert.NotContains(t, spoof, "-i eth1 -s 192.168.1.0/255.255.255.0 -j DROP")
	assert.Contains(t, spoof, "-i eth0 -s 10.0.0.0/8 -j DROP")
	assert.Contains(t, spoof, "-i eth0 -s 224.0.0.0/3 -j DROP")
}

func TestReservedExcludesOwnNetworks(t *testing.T) {
	p := loadPolicy(t)
	lan, ok := p.Interface("lan")
	require.True(t, ok)

	got, err := reservedFor(p, lan.ID)
	require.NoError(t, err)
	assert.NotContains(t, got, netip.MustParsePrefix("192.168.0.0/16"))
	assert.NotContains(t, got, netip.MustParsePrefix("192.168.1.0/24"))
	assert.Contains(t, got, netip.MustParsePrefix("192.168.0.0/24"))
	assert.Contains(t, got, netip.MustParsePrefix("192.168.128.0/17"))
	assert.Contains(t, got, netip.MustParsePrefix("10.0.0.0/8"))
}

func TestBlocklistRules(t *testing.T) {
	p := loadPolicy(t)
	ac := newContext(t, p, nil)
	ac.Blocklist = []netip.Prefix{
		netip.MustParsePrefix("10.1.0.0/16"),
		netip.MustParsePrefix("10.1.2.0/24"),
		netip.MustParsePrefix("2001:db8::/32"),
	}

	rules, err := PreRules(ac, resolve.IPv4)
	require.NoError(t, err)
	assert.Equal(t, []string{"-s 10.1.0.0/16 -j BLOCK", "-d 10.1.0.0/16 -j BLOCK"},
		bodies(rules, capability.TableFilter, firewall.ChainBlocklist))
	assert.Equal(t, []string{
		`-m limit --limit 20/sec --limit-burst 40 -j LOG --log-prefix "rampart: BLOCKLIST " --log-level info`,
		"-j DROP",
	}, bodies(rules, capability.TableFilter, firewall.ChainBlock))
	assert.Contains(t, bodies(rules, capability.TableFilter, firewall.ChainForward), "-j BLOCKLIST")

	rules6, err := PreRules(ac, resolve.IPv6)
	require.NoError(t, err)
	assert.Equal(t, []string{"-s 2001:db8::/32 -j BLOCK", "-d 2001:db8::/32 -j BLOCK"},
		bodies(rules6, capability.TableFilter, firewall.ChainBlocklist))
}

func TestPreRulesIPv6(t *testing.T) {
	p := loadPolicy(t)
	ac := newContext(t, p, nil)
	ac.Counters = firewall.Counters{"ACC-eth0": {{Packets: 1, Bytes: 100}}}

	rules, err := PreRules(ac, resolve.IPv6)
	require.NoError(t, err)
	input := bodies(rules, capability.TableFilter, firewall.ChainInput)
	assert.Contains(t, input, "-p icmpv6 --icmpv6-type 135 -j ACCEPT")
	assert.NotContains(t, input, "-i eth1 -p udp -m udp --sport 68 --dport 67 -j ACCEPT")
	for _, r := range rules {
		assert.False(t, r.HasCounters(), "IPv6 accounting starts at zero: %s", r)
	}
}

func TestConnmarkPreRules(t *testing.T) {
	p := loadPolicy(t, "nfqueue service ssh from lan.trusted to firewall options nfqueuenum=3")
	ac := newContext(t, p, nil)
	sets, err := Compile(ac)
	require.NoError(t, err)

	input := ruleBodies(sets[0].Rules(firewall.BufInput))
	marked := indexOf(input, "-m state --state ESTABLISHED,RELATED -m connmark --mark 0x10003 -j NFQUEUE --queue-num 3")
	established := indexOf(input, "-m state --state ESTABLISHED,RELATED -j ACCEPT")
	require.GreaterOrEqual(t, marked, 0)
	assert.Less(t, marked, established)
}

func TestPreRulesWithoutState(t *testing.T) {
	caps := capability.All()
	caps.Set(resolve.IPv4, capability.KindMatch, capability.MatchState, false)
	p := loadPolicy(t)
	ac := newContext(t, p, caps)

	rules, err := PreRules(ac, resolve.IPv4)
	require.NoError(t, err)
	input := bodies(rules, capability.TableFilter, firewall.ChainInput)
	assert.NotContains(t, input, "-m state --state INVALID -j DROP")
	assert.NotContains(t, input, "-m state --state ESTABLISHED,RELATED -j ACCEPT")
	assert.Contains(t, input, "-i lo -j ACCEPT")
}

func TestPostRulesDisabled(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Logging.Policy = &off
	ac, err := NewApplyContext(cfg, nil, loadPolicy(t), nil)
	require.NoError(t, err)
	assert.Empty(t, PostRules(ac, resolve.IPv4))
}

func TestShapedRule(t *testing.T) {
	p := loadPolicy(t, "accept service http from lan.trusted to inet.internet options out_min=1mbit,out_max=2mbit")
	wan, ok := p.Interface("wan")
	require.True(t, ok)
	wan.Shape = true
	wan.BandwidthOut = 10000
	ac := newContext(t, p, nil)

	sets, err := Compile(ac)
	require.NoError(t, err)
	rs := sets[0]

	assert.Equal(t,
		[]string{"-o eth0 -s 192.168.1.0/255.255.255.0 -d 0.0.0.0/0.0.0.0 -p tcp -m tcp --dport 80 -j CLASSIFY --set-class 1:10"},
		ruleBodies(rs.Rules(firewall.BufShapeFw)))
	assert.Equal(t, []string{"-j SHAPEFW"}, ruleBodies(rs.Rules(firewall.BufMangleForward)))
	assert.Equal(t, 1, ac.Shaper.Classes("eth0"))
}

func TestCompileRecordsMetrics(t *testing.T) {
	p := loadPolicy(t, "accept service ssh from lan.trusted to any")
	ac := newContext(t, p, nil)
	ac.Metrics = metrics.New()

	_, err := Compile(ac)
	require.NoError(t, err)

	families, err := ac.Metrics.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["rampart_rules"])
}

func TestLoadBlocklist(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/rampart/block.txt", []byte("# bad actors\n198.51.100.7\n\n203.0.113.0/24 # scanner\n2001:db8::1\n"), 0o644))

	cfg := config.Default()
	cfg.Blocklist.Addresses = []string{"192.0.2.0/24"}
	cfg.Blocklist.Files = []string{"/etc/rampart/block.txt"}

	got, err := LoadBlocklist(cfg, fs)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("192.0.2.0/24"),
		netip.MustParsePrefix("198.51.100.7/32"),
		netip.MustParsePrefix("203.0.113.0/24"),
		netip.MustParsePrefix("2001:db8::1/128"),
	}, got)
}

func TestLoadBlocklistErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.txt", []byte("10.0.0.1\nnot-an-address\n"), 0o644))

	cfg := config.Default()
	cfg.Blocklist.Files = []string{"/bad.txt"}
	_, err := LoadBlocklist(cfg, fs)
	require.Error(t, err)

	cfg.Blocklist.Files = []string{"/missing.txt"}
	_, err = LoadBlocklist(cfg, fs)
	require.Error(t, err)

	cfg.Blocklist.Files = nil
	cfg.Blocklist.Addresses = []string{"300.1.1.1"}
	_, err = LoadBlocklist(cfg, fs)
	require.Error(t, err)
}
