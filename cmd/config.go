package cmd

import (
	"context"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
)

// RunConfig prints the effective configuration, defaults included, as HCL.
// The file is validated first.
func RunConfig(_ context.Context, opts Options) error {
	cfg, err := config.LoadOrDefault(opts.ConfigFile)
	if err != nil {
		return errors.Attr(err, "file", opts.ConfigFile)
	}
	_, err = opts.out().Write(config.GenerateHCL(cfg))
	return err
}
