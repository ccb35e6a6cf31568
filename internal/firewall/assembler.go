package firewall

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/resolve"
)

// Assembler renders rulesets in iptables-restore format.
type Assembler struct {
	Caps *capability.Capabilities
	// Existing holds the chains present on the live system, per table.
	// Custom chains missing from it are created with -N.
	Existing map[string]map[string]bool
	ApplyID  string
	Now      time.Time
}

// Tables lists the tables of family v the kernel supports, in load order.
func (a *Assembler) Tables(v resolve.Family) []string {
	var out []string
	for _, t := range Tables(v) {
		if a.Caps.Table(v, t) {
			out = append(out, t)
		}
	}
	return out
}

func (a *Assembler) header(bw *bufio.Writer, v resolve.Family) {
	now := a.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(bw, "# Generated by %s %s on %s\n", brand.Name, brand.Version, now.Format(time.RFC1123Z))
	if a.ApplyID != "" {
		fmt.Fprintf(bw, "# apply %s\n", a.ApplyID)
	}
	fmt.Fprintf(bw, "# %s\n", v)
}

func (a *Assembler) exists(table, chain string) bool {
	return a.Existing[table][chain]
}

// Render writes rs as input for "iptables-restore --counters --noflush".
func (a *Assembler) Render(w io.Writer, rs *Ruleset) error {
	bw := bufio.NewWriter(w)
	a.header(bw, rs.Family)

	for _, t := range a.Tables(rs.Family) {
		chains := rs.Chains(t)
		fmt.Fprintf(bw, "*%s\n", t)
		for _, c := range chains {
			if c.Builtin {
				fmt.Fprintf(bw, ":%s %s [0:0]\n", c.Name, c.Policy)
			}
		}
		for _, c := range chains {
			if !c.Builtin && !a.exists(t, c.Name) {
				fmt.Fprintf(bw, "-N %s\n", c.Name)
			}
		}
		for _, c := range chains {
			fmt.Fprintf(bw, "-F %s\n", c.Name)
		}
		for _, r := range rs.TableRules(t) {
			fmt.Fprintln(bw, r.RestoreLine())
		}
		fmt.Fprintln(bw, "COMMIT")
	}
	return bw.Flush()
}

// RenderClear writes an accept-everything ruleset for a plain (flushing)
// iptables-restore. Only the filter table is reset unless all is set.
func (a *Assembler) RenderClear(w io.Writer, v resolve.Family, all bool) error {
	bw := bufio.NewWriter(w)
	a.header(bw, v)

	tables := []string{capability.TableFilter}
	if all {
		tables = Tables(v)
	}
	for _, t := range tables {
		if !a.Caps.Table(v, t) {
			continue
		}
		fmt.Fprintf(bw, "*%s\n", t)
		for _, b := range TableBuffers(t) {
			if b.Builtin() {
				fmt.Fprintf(bw, ":%s %s [0:0]\n", b.Chain(), PolicyAccept)
			}
		}
		fmt.Fprintln(bw, "COMMIT")
	}
	return bw.Flush()
}
