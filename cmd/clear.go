package cmd

import (
	"context"
)

// RunClear opens the packet filter: every filter chain accepts. With all
// set the nat, mangle and raw tables are reset too.
func RunClear(ctx context.Context, opts Options, all bool) error {
	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.engine.Clear(ctx, all); err != nil {
		return err
	}
	if all {
		Printer.Fprintln(opts.out(), "All tables cleared")
	} else {
		Printer.Fprintln(opts.out(), "Filter table cleared")
	}
	return nil
}
