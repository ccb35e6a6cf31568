package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/resolve"
)

type recordRouter struct {
	rules []Rule
	fail  error
}

func (r *recordRouter) Route(rule Rule) error {
	if r.fail != nil {
		return r.fail
	}
	r.rules = append(r.rules, rule)
	return nil
}

func TestQueue_InsertIsIdempotent(t *testing.T) {
	q := NewQueue()
	a := NewRule(resolve.IPv4, capability.TableFilter, ChainInput, "-p tcp -j ACCEPT")
	b := NewRule(resolve.IPv4, capability.TableFilter, ChainInput, "-p udp -j ACCEPT")

	assert.True(t, q.Insert(a))
	assert.True(t, q.Insert(b))
	for i := 0; i < 5; i++ {
		assert.False(t, q.Insert(a))
	}
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 5, q.Suppressed)
	assert.Equal(t, []Rule{a, b}, q.Rules())
}

func TestQueue_EqualityCoversEveryField(t *testing.T) {
	q := NewQueue()
	base := NewRule(resolve.IPv4, capability.TableFilter, ChainInput, "-j ACCEPT")

	assert.True(t, q.Insert(base))
	assert.True(t, q.Insert(NewRule(resolve.IPv6, capability.TableFilter, ChainInput, "-j ACCEPT")))
	assert.True(t, q.Insert(NewRule(resolve.IPv4, capability.TableFilter, ChainOutput, "-j ACCEPT")))
	assert.True(t, q.Insert(base.WithCounters(1, 60)))
	assert.False(t, q.Insert(base))
	assert.Equal(t, 4, q.Len())
}

func TestQueue_FlushKeepsOrderAndEmpties(t *testing.T) {
	q := NewQueue()
	rules := []Rule{
		NewRule(resolve.IPv4, capability.TableFilter, ChainInput, "-j LOG"),
		NewRule(resolve.IPv4, capability.TableFilter, ChainInput, "-j ACCEPT"),
		NewRule(resolve.IPv4, capability.TableMangle, ChainForward, "-j CONNMARK --set-mark 0x40000"),
	}
	assert.Equal(t, 3, q.InsertAll(append(rules, rules[0])))

	r := &recordRouter{}
	require.NoError(t, q.Flush(r))
	assert.Equal(t, rules, r.rules)
	assert.Zero(t, q.Len())

	// A flushed rule may be queued again.
	assert.True(t, q.Insert(rules[0]))
}

func TestQueue_FlushError(t *testing.T) {
	q := NewQueue()
	q.Insert(NewRule(resolve.IPv4, capability.TableFilter, ChainInput, "-j ACCEPT"))

	err := q.Flush(&recordRouter{fail: errors.New(errors.KindSubprocess, "boom")})
	require.Error(t, err)
	assert.Zero(t, q.Len())
}
