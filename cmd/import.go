package cmd

import (
	"context"
	"text/tabwriter"

	"grimm.is/rampart/internal/backend"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
)

// RunImport loads a policy document and replaces the contents of a sqlite
// policy store with it. An empty dst means the store named by the config
// file, which must then be a sqlite backend.
func RunImport(ctx context.Context, opts Options, src, dst string) error {
	if src == "" {
		return errors.New(errors.KindValidation, "import needs a policy file")
	}
	if dst == "" {
		cfg, err := config.LoadOrDefault(opts.ConfigFile)
		if err != nil {
			return err
		}
		if cfg.Backend.Type != backend.KindSQLite {
			return errors.Errorf(errors.KindValidation, "backend %q is not a sqlite store, name the database explicitly", cfg.Backend.Type)
		}
		dst = cfg.Backend.Path
	}

	doc, err := backend.OpenFile(src)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindNotFound, "open policy"), "path", src)
	}
	defer doc.Close()

	store, err := backend.NewSQLiteBackend(backend.DefaultSQLiteOptions(dst))
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "open store"), "path", dst)
	}
	defer store.Close()

	if err := store.Import(ctx, doc.MemoryBackend); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "import policy"), "path", dst)
	}

	out := opts.out()
	Printer.Fprintf(out, "Imported %s into %s\n\n", src, dst)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "TYPE\tOBJECTS")
	for typ := backend.TypeZone; typ <= backend.TypeRules; typ++ {
		names, err := store.List(ctx, typ)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			Printer.Fprintf(w, "%s\t%d\n", typ, len(names))
		}
	}
	return w.Flush()
}
