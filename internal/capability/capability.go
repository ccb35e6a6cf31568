// Package capability records which packet-filter tables, targets and matches
// the running kernel offers.
//
// Capabilities are probed once per apply cycle and are read-only afterwards.
// Every generator asks before it uses a feature; a missing feature shrinks
// the ruleset instead of failing it.
package capability

import (
	"sort"

	"grimm.is/rampart/internal/resolve"
)

// Kind distinguishes the three feature namespaces.
type Kind int

const (
	KindTable Kind = iota
	KindTarget
	KindMatch
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindTarget:
		return "target"
	default:
		return "match"
	}
}

// Tables.
const (
	TableRaw    = "raw"
	TableMangle = "mangle"
	TableNAT    = "nat"
	TableFilter = "filter"
)

// Targets used by the generators.
const (
	TargetLog        = "LOG"
	TargetNFLog      = "NFLOG"
	TargetNFQueue    = "NFQUEUE"
	TargetQueue      = "QUEUE"
	TargetReject     = "REJECT"
	TargetMark       = "MARK"
	TargetConnmark   = "CONNMARK"
	TargetClassify   = "CLASSIFY"
	TargetMasquerade = "MASQUERADE"
	TargetSNAT       = "SNAT"
	TargetDNAT       = "DNAT"
	TargetRedirect   = "REDIRECT"
)

// Matches used by the generators.
const (
	MatchState    = "state"
	MatchMAC      = "mac"
	MatchLimit    = "limit"
	MatchHelper   = "helper"
	MatchConnmark = "connmark"
	MatchMark     = "mark"
	MatchComment  = "comment"
	MatchTCP      = "tcp"
)

// Feature names one probed item.
type Feature struct {
	Family resolve.Family
	Kind   Kind
	Name   string
}

// Capabilities is the probed feature set.
type Capabilities struct {
	// SkipChecks treats every feature as supported.
	SkipChecks bool
	features   map[Feature]bool
}

// New returns an empty registry in which nothing is supported.
func New() *Capabilities {
	return &Capabilities{features: make(map[Feature]bool)}
}

// All returns a registry that reports every feature as supported.
func All() *Capabilities {
	c := New()
	c.SkipChecks = true
	return c
}

// Set records a feature.
func (c *Capabilities) Set(f resolve.Family, kind Kind, name string, ok bool) {
	c.features[Feature{Family: f, Kind: kind, Name: name}] = ok
}

func (c *Capabilities) has(f resolve.Family, kind Kind, name string) bool {
	if c == nil {
		return false
	}
	if c.SkipChecks {
		return true
	}
	return c.features[Feature{Family: f, Kind: kind, Name: name}]
}

// Table reports whether the table exists for family f.
func (c *Capabilities) Table(f resolve.Family, name string) bool {
	return c.has(f, KindTable, name)
}

// Target reports whether the target exists for family f.
func (c *Capabilities) Target(f resolve.Family, name string) bool {
	return c.has(f, KindTarget, name)
}

// Match reports whether the match exists for family f.
func (c *Capabilities) Match(f resolve.Family, name string) bool {
	return c.has(f, KindMatch, name)
}

// Has dispatches on kind.
func (c *Capabilities) Has(ft Feature) bool {
	return c.has(ft.Family, ft.Kind, ft.Name)
}

// Report lists every recorded feature in a stable order.
func (c *Capabilities) Report() []FeatureStatus {
	out := make([]FeatureStatus, 0, len(c.features))
	for f, ok := range c.features {
		out = append(out, FeatureStatus{Feature: f, Supported: ok})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Feature, out[j].Feature
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})
	return out
}

// FeatureStatus is one line of Report.
type FeatureStatus struct {
	Feature
	Supported bool
}
