package cmd

import (
	"context"
)

// RunDiff shows how the compiled policy differs from the live ruleset.
func RunDiff(ctx context.Context, opts Options) error {
	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	changed, err := e.engine.Diff(ctx, opts.out())
	if err != nil {
		return err
	}
	if !changed {
		Printer.Fprintln(opts.out(), "No differences")
	}
	return nil
}
