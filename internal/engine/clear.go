package engine

import (
	"context"
	"os"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
)

// Clear replaces the live filter table of every family with an
// accept-everything ruleset, or every table when all is set. IP forwarding
// is left as it is.
func (e *Engine) Clear(ctx context.Context, all bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.newID()
	log := e.log.WithFields(map[string]any{"apply": id})
	if err := e.tempDir(); err != nil {
		return err
	}
	base := e.base(id)
	logPath := base + ".log"
	files := []string{logPath}

	for _, v := range e.families() {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := base + "." + v.String()
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindInternal, "create temp file"), "file", path)
		}
		files = append(files, path)
		a := &firewall.Assembler{Caps: e.caps, ApplyID: id, Now: e.clock.Now()}
		err = a.RenderClear(f, v, all)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindInternal, "render clear file"), "file", path)
		}
		if err := e.loader.Load(v, path, logPath, false); err != nil {
			dst := e.markFailed(log, path)
			e.surface(log, path, logPath)
			return errors.Attr(errors.Wrap(err, errors.KindSubprocess, "clear failed"), "file", dst)
		}
		log.Info("ruleset cleared", "family", v.String(), "all_tables", all)
	}

	if !e.cfg.KeepTempFiles {
		for _, f := range files {
			_ = os.Remove(f)
		}
	}
	return nil
}
