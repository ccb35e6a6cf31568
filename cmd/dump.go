package cmd

import (
	"context"
)

// RunDump prints the compiled policy as a shell script of iptables and tc
// commands.
func RunDump(ctx context.Context, opts Options) error {
	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	_, err = e.engine.Script(ctx, opts.out())
	return err
}
