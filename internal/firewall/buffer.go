package firewall

import (
	"strings"

	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/resolve"
)

// Built-in chains.
const (
	ChainPrerouting  = "PREROUTING"
	ChainInput       = "INPUT"
	ChainForward     = "FORWARD"
	ChainOutput      = "OUTPUT"
	ChainPostrouting = "POSTROUTING"
)

// Custom chains owned by the compiler.
const (
	ChainAntispoof = "ANTISPOOF"
	ChainBlocklist = "BLOCKLIST"
	ChainBlock     = "BLOCK"
	ChainSynLimit  = "SYNLIMIT"
	ChainUDPLimit  = "UDPLIMIT"
	ChainNewAccept = "NEWACCEPT"
	ChainNewQueue  = "NEWQUEUE"
	ChainTCPReset  = "TCPRESET"
	ChainShapeIn   = "SHAPEIN"
	ChainShapeOut  = "SHAPEOUT"
	ChainShapeFw   = "SHAPEFW"

	// AccountingPrefix starts the name of every per-device accounting chain.
	AccountingPrefix = "ACC-"
)

// Chain policies.
const (
	PolicyAccept = "ACCEPT"
	PolicyDrop   = "DROP"
)

// AccountingChain returns the accounting chain name for a device.
func AccountingChain(device string) string {
	return AccountingPrefix + device
}

// IsAccountingChain reports whether chain is a per-device accounting chain.
func IsAccountingChain(chain string) bool {
	return strings.HasPrefix(chain, AccountingPrefix) && len(chain) > len(AccountingPrefix)
}

// Buffer names one table/chain pair of a Ruleset.
type Buffer int

const (
	BufRawPrerouting Buffer = iota
	BufRawOutput

	BufManglePrerouting
	BufMangleInput
	BufMangleForward
	BufMangleOutput
	BufManglePostrouting
	BufShapeIn
	BufShapeOut
	BufShapeFw

	BufNATPrerouting
	BufNATOutput
	BufNATPostrouting

	BufInput
	BufForward
	BufOutput
	BufAntispoof
	BufBlocklist
	BufBlock
	BufSynLimit
	BufUDPLimit
	BufNewAccept
	BufNewQueue
	BufTCPReset

	numBuffers
)

type bufferInfo struct {
	table   string
	chain   string
	builtin bool
	policy  string
}

var buffers = [numBuffers]bufferInfo{
	BufRawPrerouting: {capability.TableRaw, ChainPrerouting, true, PolicyAccept},
	BufRawOutput:     {capability.TableRaw, ChainOutput, true, PolicyAccept},

	BufManglePrerouting:  {capability.TableMangle, ChainPrerouting, true, PolicyAccept},
	BufMangleInput:       {capability.TableMangle, ChainInput, true, PolicyAccept},
	BufMangleForward:     {capability.TableMangle, ChainForward, true, PolicyAccept},
	BufMangleOutput:      {capability.TableMangle, ChainOutput, true, PolicyAccept},
	BufManglePostrouting: {capability.TableMangle, ChainPostrouting, true, PolicyAccept},
	BufShapeIn:           {table: capability.TableMangle, chain: ChainShapeIn},
	BufShapeOut:          {table: capability.TableMangle, chain: ChainShapeOut},
	BufShapeFw:           {table: capability.TableMangle, chain: ChainShapeFw},

	BufNATPrerouting:  {capability.TableNAT, ChainPrerouting, true, PolicyAccept},
	BufNATOutput:      {capability.TableNAT, ChainOutput, true, PolicyAccept},
	BufNATPostrouting: {capability.TableNAT, ChainPostrouting, true, PolicyAccept},

	BufInput:     {capability.TableFilter, ChainInput, true, PolicyDrop},
	BufForward:   {capability.TableFilter, ChainForward, true, PolicyDrop},
	BufOutput:    {capability.TableFilter, ChainOutput, true, PolicyDrop},
	BufAntispoof: {table: capability.TableFilter, chain: ChainAntispoof},
	BufBlocklist: {table: capability.TableFilter, chain: ChainBlocklist},
	BufBlock:     {table: capability.TableFilter, chain: ChainBlock},
	BufSynLimit:  {table: capability.TableFilter, chain: ChainSynLimit},
	BufUDPLimit:  {table: capability.TableFilter, chain: ChainUDPLimit},
	BufNewAccept: {table: capability.TableFilter, chain: ChainNewAccept},
	BufNewQueue:  {table: capability.TableFilter, chain: ChainNewQueue},
	BufTCPReset:  {table: capability.TableFilter, chain: ChainTCPReset},
}

// Table returns the buffer's table.
func (b Buffer) Table() string { return buffers[b].table }

// Chain returns the buffer's chain.
func (b Buffer) Chain() string { return buffers[b].chain }

// Builtin reports whether the chain is one the kernel provides.
func (b Buffer) Builtin() bool { return buffers[b].builtin }

func (b Buffer) String() string {
	return buffers[b].table + "/" + buffers[b].chain
}

// LookupBuffer finds the buffer for a table/chain pair.
func LookupBuffer(table, chain string) (Buffer, bool) {
	for b := Buffer(0); b < numBuffers; b++ {
		if buffers[b].table == table && buffers[b].chain == chain {
			return b, true
		}
	}
	return 0, false
}

// Tables lists the tables rendered for family v, in load order. IPv6 has no
// NAT table; address translation is IPv4 only.
func Tables(v resolve.Family) []string {
	if v == resolve.IPv6 {
		return []string{capability.TableRaw, capability.TableMangle, capability.TableFilter}
	}
	return []string{capability.TableRaw, capability.TableMangle, capability.TableNAT, capability.TableFilter}
}

// TableBuffers returns the buffers of one table in render order.
func TableBuffers(table string) []Buffer {
	var out []Buffer
	for b := Buffer(0); b < numBuffers; b++ {
		if buffers[b].table == table {
			out = append(out, b)
		}
	}
	return out
}
