// Package firewall turns concrete iptables rules into a loaded packet filter.
//
// # Overview
//
// Generators emit [Rule] values. Each policy rule's output passes through a
// [Queue], which drops structural duplicates, and is flushed into a [Router].
// Three routers exist:
//
//   - [BulkRouter] appends to one [Ruleset] per IP version; the [Assembler]
//     renders those as iptables-restore input and a [Loader] commits them.
//   - [ImmediateRouter] runs every rule through go-iptables as it arrives.
//   - [ScriptRouter] writes a shell script of iptables invocations.
//
// # Architecture
//
//	Generators → Queue → Router → Ruleset → Assembler → iptables-restore
//
// # Chains
//
// Every table/chain pair a rule may target is one [Buffer]. Buffers have a
// fixed render order, so the same policy always produces the same file.
// Accounting chains (ACC-<device>) are created on demand and hold at most two
// rules: the outbound counter first, the inbound counter second.
package firewall
