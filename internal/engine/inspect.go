package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
)

// Script compiles the policy and writes it as a shell script of iptables
// and tc commands instead of loading it.
func (e *Engine) Script(ctx context.Context, w io.Writer) (*Build, error) {
	b, err := e.Build(ctx)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "#!/bin/sh")
	fmt.Fprintf(bw, "# Generated by %s %s, apply %s\n", brand.Name, brand.Version, b.ID)

	router := firewall.NewScriptRouter(bw, e.cfg.Tools.IPTables, e.cfg.Tools.IP6Tables)
	for _, rs := range b.Rulesets {
		tables := e.assembler(rs.Family, b.ID).Tables(rs.Family)
		fmt.Fprintf(bw, "\n# %s\n", rs.Family)
		if err := router.Prepare(rs, tables); err != nil {
			return nil, err
		}
		if err := rs.Replay(router); err != nil {
			return nil, err
		}
		if err := router.Finish(rs, tables); err != nil {
			return nil, err
		}
	}

	if !b.Context.Shaper.Empty() {
		var tc bytes.Buffer
		if err := b.Context.Shaper.Script(&tc); err != nil {
			return nil, err
		}
		fmt.Fprintln(bw, "\n# shaping")
		bw.WriteString(strings.TrimPrefix(tc.String(), "#!/bin/sh\n"))
	}
	return b, bw.Flush()
}

// Restore compiles the policy and writes the restore files of every family.
func (e *Engine) Restore(ctx context.Context, w io.Writer) (*Build, error) {
	b, err := e.Build(ctx)
	if err != nil {
		return nil, err
	}
	for _, rs := range b.Rulesets {
		if err := e.assembler(rs.Family, b.ID).Render(w, rs); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Diff writes a unified diff from the live ruleset to the generated one and
// reports whether they differ. Comments, counters and chain declarations
// are ignored on both sides.
func (e *Engine) Diff(ctx context.Context, w io.Writer) (bool, error) {
	b, err := e.Build(ctx)
	if err != nil {
		return false, err
	}
	changed := false
	for _, rs := range b.Rulesets {
		var gen bytes.Buffer
		if err := e.assembler(rs.Family, b.ID).Render(&gen, rs); err != nil {
			return false, err
		}
		live, err := e.loader.Dump(rs.Family)
		if err != nil {
			return false, err
		}
		ud := difflib.UnifiedDiff{
			A:        difflib.SplitLines(normalizeRestore(live)),
			B:        difflib.SplitLines(normalizeRestore(gen.Bytes())),
			FromFile: "live/" + rs.Family.String(),
			ToFile:   "generated/" + rs.Family.String(),
			Context:  3,
		}
		text, err := difflib.GetUnifiedDiffString(ud)
		if err != nil {
			return false, errors.Wrap(err, errors.KindInternal, "diff rulesets")
		}
		if text == "" {
			continue
		}
		changed = true
		if _, err := io.WriteString(w, text); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// normalizeRestore reduces restore text to tables, policies and rules.
func normalizeRestore(data []byte) string {
	var sb strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "-N "), strings.HasPrefix(line, "-F "):
			continue
		case strings.HasPrefix(line, ":"):
			// ":CHAIN POLICY [p:b]"; custom chains carry "-" as policy
			f := strings.Fields(line)
			if len(f) < 2 || f[1] == "-" {
				continue
			}
			line = f[0] + " " + f[1]
		case strings.HasPrefix(line, "["):
			if i := strings.Index(line, "] "); i > 0 {
				line = line[i+2:]
			}
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
