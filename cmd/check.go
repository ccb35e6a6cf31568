package cmd

import (
	"context"
	"text/tabwriter"

	"grimm.is/rampart/internal/firewall"
)

// RunCheck compiles the policy without loading it and prints a summary of
// the generated rules. With debug the probed kernel features are listed.
func RunCheck(ctx context.Context, opts Options) error {
	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	b, err := e.engine.Build(ctx)
	if err != nil {
		return err
	}

	out := opts.out()
	Printer.Fprintf(out, "Policy valid: %d rules\n\n", b.Rules())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "FAMILY\tTABLE\tRULES")
	for _, rs := range b.Rulesets {
		counts := rs.Count()
		for _, t := range firewall.Tables(rs.Family) {
			if n := counts[t]; n > 0 {
				Printer.Fprintf(w, "%s\t%s\t%d\n", rs.Family, t, n)
			}
		}
	}
	w.Flush()

	if d := b.Context.Degradations(); len(d) > 0 {
		Printer.Fprintln(out, "\nSkipped, not supported by the kernel:")
		for _, f := range d {
			Printer.Fprintf(out, "  %s\n", f)
		}
	}

	if opts.Debug && !e.caps.SkipChecks {
		Printer.Fprintln(out, "\nKernel features:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, s := range e.caps.Report() {
			state := "yes"
			if !s.Supported {
				state = "no"
			}
			Printer.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Family, s.Kind, s.Name, state)
		}
		w.Flush()
	}
	return nil
}
