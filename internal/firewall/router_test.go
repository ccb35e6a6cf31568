package firewall

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/resolve"
)

func filter4(chain, body string) Rule {
	return NewRule(resolve.IPv4, capability.TableFilter, chain, body)
}

func TestBulkRouter_RoutesByFamilyAndPhase(t *testing.T) {
	v4, v6 := NewRuleset(resolve.IPv4), NewRuleset(resolve.IPv6)
	r := NewBulkRouter(v4, v6)

	require.NoError(t, r.Route(filter4(ChainInput, "-s 10.0.0.1 -j ACCEPT")))
	r.Phase = PhasePost
	require.NoError(t, r.Route(filter4(ChainInput, "-j LOG")))
	r.Phase = PhasePre
	require.NoError(t, r.Route(filter4(ChainInput, "-i lo -j ACCEPT")))
	require.NoError(t, r.Route(NewRule(resolve.IPv6, capability.TableFilter, ChainInput, "-i lo -j ACCEPT")))

	got := v4.Rules(BufInput)
	require.Len(t, got, 3)
	assert.Equal(t, "-i lo -j ACCEPT", got[0].Body)
	assert.Equal(t, "-s 10.0.0.1 -j ACCEPT", got[1].Body)
	assert.Equal(t, "-j LOG", got[2].Body)
	assert.Len(t, v6.Rules(BufInput), 1)
	assert.Same(t, v6, r.Ruleset(resolve.IPv6))
}

func TestBulkRouter_UnknownChain(t *testing.T) {
	r := NewBulkRouter(NewRuleset(resolve.IPv4))

	err := r.Route(filter4("NOSUCH", "-j ACCEPT"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInternal))

	err = r.Route(NewRule(resolve.IPv4, capability.TableNAT, ChainInput, "-j ACCEPT"))
	assert.True(t, errors.IsKind(err, errors.KindInternal))

	err = r.Route(NewRule(resolve.IPv6, capability.TableFilter, ChainInput, "-j ACCEPT"))
	assert.True(t, errors.IsKind(err, errors.KindInternal))
}

func TestRuleset_AccountingCap(t *testing.T) {
	rs := NewRuleset(resolve.IPv4)
	r := NewBulkRouter(rs)
	chain := AccountingChain("eth0")

	require.NoError(t, r.Route(filter4(chain, "-i eth0 -j RETURN").WithCounters(3, 180)))
	require.NoError(t, r.Route(filter4(chain, "-o eth0 -j RETURN")))
	require.NoError(t, r.Route(filter4(chain, "-o eth0 -s 10.0.0.1 -j RETURN")))
	require.NoError(t, r.Route(filter4(chain, "-i eth0 -d 10.0.0.1 -j RETURN")))
	require.NoError(t, r.Route(filter4(chain, "-j RETURN")))

	got := rs.AccountingRules(chain)
	require.Len(t, got, 2)
	assert.Equal(t, "-o eth0 -j RETURN", got[0].Body)
	assert.Equal(t, "-i eth0 -j RETURN", got[1].Body)
	assert.Equal(t, uint64(3), got[1].Packets)
	assert.Equal(t, []string{chain}, rs.AccountingChains())
}

func TestRuleset_AccountingWithoutDirection(t *testing.T) {
	rs := NewRuleset(resolve.IPv4)
	chain := AccountingChain("ppp0")
	require.NoError(t, rs.Append(PhasePre, filter4(chain, "-j RETURN")))
	require.NoError(t, rs.Append(PhasePre, filter4(chain, "-m comment --comment in -j RETURN")))
	require.NoError(t, rs.Append(PhasePre, filter4(chain, "-m comment --comment extra -j RETURN")))

	got := rs.AccountingRules(chain)
	require.Len(t, got, 2)
	assert.Equal(t, "-j RETURN", got[0].Body)
}

func TestRuleset_SetPolicy(t *testing.T) {
	rs := NewRuleset(resolve.IPv4)
	assert.Equal(t, PolicyDrop, rs.Policy(BufInput))
	assert.Equal(t, PolicyAccept, rs.Policy(BufNATPrerouting))
	assert.Equal(t, "-", rs.Policy(BufNewAccept))

	require.NoError(t, rs.SetPolicy(capability.TableFilter, ChainForward, PolicyAccept))
	assert.Equal(t, PolicyAccept, rs.Policy(BufForward))
	assert.Error(t, rs.SetPolicy(capability.TableFilter, ChainNewAccept, PolicyAccept))
}

func TestRuleset_CountAndReplay(t *testing.T) {
	rs := NewRuleset(resolve.IPv4)
	require.NoError(t, rs.Append(PhaseRules, filter4(ChainForward, "-j NEWACCEPT")))
	require.NoError(t, rs.Append(PhaseRules, NewRule(resolve.IPv4, capability.TableNAT, ChainPostrouting, "-o eth0 -j MASQUERADE")))
	require.NoError(t, rs.Append(PhasePre, filter4(AccountingChain("eth0"), "-o eth0 -j RETURN")))

	assert.Equal(t, 3, rs.Len())
	assert.Equal(t, 2, rs.Count()[capability.TableFilter])
	assert.Equal(t, 1, rs.Count()[capability.TableNAT])

	r := &recordRouter{}
	require.NoError(t, rs.Replay(r))
	require.Len(t, r.rules, 3)
	assert.Equal(t, capability.TableNAT, r.rules[0].Table)
	assert.Equal(t, AccountingChain("eth0"), r.rules[2].Chain)
}

func TestLookupBuffer(t *testing.T) {
	b, ok := LookupBuffer(capability.TableMangle, ChainShapeOut)
	require.True(t, ok)
	assert.Equal(t, BufShapeOut, b)
	assert.False(t, b.Builtin())
	assert.Equal(t, "mangle/SHAPEOUT", b.String())

	_, ok = LookupBuffer(capability.TableRaw, ChainForward)
	assert.False(t, ok)
}

func TestImmediateRouter(t *testing.T) {
	ipt := &MockIPTables{}
	rs := NewRuleset(resolve.IPv4)
	require.NoError(t, rs.Append(PhaseRules, filter4(ChainInput, `-m comment --comment "ssh in" -j ACCEPT`)))

	ipt.On("ClearChain", capability.TableFilter, mock.Anything).Return(nil)
	ipt.On("Append", capability.TableFilter, ChainInput, []string{"-m", "comment", "--comment", "ssh in", "-j", "ACCEPT"}).Return(nil)
	ipt.On("ChangePolicy", capability.TableFilter, ChainInput, PolicyDrop).Return(nil)
	ipt.On("ChangePolicy", capability.TableFilter, ChainForward, PolicyDrop).Return(nil)
	ipt.On("ChangePolicy", capability.TableFilter, ChainOutput, PolicyDrop).Return(nil)

	r := NewImmediateRouter(map[resolve.Family]IPTables{resolve.IPv4: ipt})
	tables := []string{capability.TableFilter}
	require.NoError(t, r.Prepare(rs, tables))
	require.NoError(t, rs.Replay(r))
	require.NoError(t, r.Finish(rs, tables))

	assert.Equal(t, 1, r.Routed)
	ipt.AssertNumberOfCalls(t, "ClearChain", len(TableBuffers(capability.TableFilter)))
	ipt.AssertExpectations(t)
}

func TestImmediateRouter_Failures(t *testing.T) {
	ipt := &MockIPTables{}
	ipt.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	r := NewImmediateRouter(map[resolve.Family]IPTables{resolve.IPv4: ipt})
	err := r.Route(filter4(ChainInput, "-j ACCEPT"))
	assert.True(t, errors.IsKind(err, errors.KindSubprocess))

	err = r.Route(NewRule(resolve.IPv6, capability.TableFilter, ChainInput, "-j ACCEPT"))
	assert.True(t, errors.IsKind(err, errors.KindInternal))

	err = r.Route(filter4(ChainInput, `-m comment --comment "open -j ACCEPT`))
	assert.True(t, errors.IsKind(err, errors.KindInternal))
}

func TestScriptRouter(t *testing.T) {
	var buf bytes.Buffer
	rs := NewRuleset(resolve.IPv4)
	require.NoError(t, rs.Append(PhaseRules, filter4(ChainForward, "-j NEWACCEPT")))
	require.NoError(t, rs.Append(PhasePre, filter4(AccountingChain("eth0"), "-o eth0 -j RETURN")))

	r := NewScriptRouter(&buf, "/sbin/iptables", "/sbin/ip6tables")
	tables := []string{capability.TableFilter}
	require.NoError(t, r.Prepare(rs, tables))
	require.NoError(t, rs.Replay(r))
	require.NoError(t, r.Finish(rs, tables))

	out := buf.String()
	assert.Contains(t, out, "/sbin/iptables -t filter -F INPUT\n")
	assert.Contains(t, out, "/sbin/iptables -t filter -N NEWACCEPT 2>/dev/null\n")
	assert.Contains(t, out, "/sbin/iptables -t filter -N ACC-eth0 2>/dev/null\n")
	assert.Contains(t, out, "/sbin/iptables -t filter -A FORWARD -j NEWACCEPT\n")
	assert.Contains(t, out, "/sbin/iptables -t filter -A ACC-eth0 -o eth0 -j RETURN\n")
	assert.True(t, strings.HasSuffix(out, "/sbin/iptables -t filter -P OUTPUT DROP\n"))
	assert.NotContains(t, out, "-N INPUT")
}
