package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/network"
	"grimm.is/rampart/internal/resolve"
)

// cycle is the state of one Apply call.
type cycle struct {
	e     *Engine
	log   *logging.Logger
	res   *Result
	start time.Time

	counters firewall.Counters
	build    *Build

	rules   map[resolve.Family]string
	logPath string
	tcPath  string
}

// Apply runs one complete cycle: snapshot the accounting counters, compile
// the policy, render the restore files and the shaping script, then load
// them. A failed load leaves the offending file renamed to .failed and is
// not rolled back.
func (e *Engine) Apply(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &cycle{
		e:     e,
		res:   &Result{ID: e.newID()},
		start: e.clock.Now(),
		rules: make(map[resolve.Family]string),
	}
	c.log = e.log.WithFields(map[string]any{"apply": c.res.ID})

	err := c.run(ctx)
	c.res.Duration = e.clock.Since(c.start)
	e.metrics.RecordApply(c.res.Duration, err)
	if werr := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); werr != nil {
		c.log.Warn("metrics textfile not written", "file", e.cfg.Metrics.Textfile, "error", werr)
	}
	return c.res, err
}

func (c *cycle) enter(s Stage) {
	c.res.Stage = s
	c.res.Trace = append(c.res.Trace, s)
	c.log.Debug("apply stage", "stage", s.String())
}

func (c *cycle) run(ctx context.Context) error {
	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageSnapshotCounters, c.snapshotCounters},
		{StageBuildRuleset, c.buildRuleset},
		{StageCreateTempFiles, c.createTempFiles},
		{StageRenderRulesetFile, c.renderRulesetFile},
		{StageRenderShapingScript, c.renderShapingScript},
		{StageRunShapingScript, c.runShapingScript},
		{StageRunBulkLoad, c.runBulkLoad},
	}

	c.enter(StageStart)
	if err := ctx.Err(); err != nil {
		return c.fail(errors.Wrap(err, errors.KindInternal, "apply cancelled"))
	}
	// A started cycle runs to Done or Failed; cancellation only stops
	// pending ones.
	ctx = context.WithoutCancel(ctx)

	c.log.Info("apply started", "mode", c.e.cfg.LoadMode)
	for _, st := range steps {
		c.enter(st.stage)
		if err := st.fn(ctx); err != nil {
			return c.fail(errors.Attr(err, "stage", st.stage.String()))
		}
	}
	c.enter(StageDone)
	c.cleanup()
	c.log.Info("apply finished", "rules", c.res.Rules, "duration", c.e.clock.Since(c.start))
	return nil
}

func (c *cycle) fail(err error) error {
	stage := c.res.Stage
	c.enter(StageFailed)
	c.log.Error("apply failed", "stage", stage.String(), "error", err)
	return err
}

func (c *cycle) snapshotCounters(context.Context) error {
	c.counters = c.e.snapshot()
	c.e.collector.Update(c.counters)
	return nil
}

func (c *cycle) buildRuleset(ctx context.Context) error {
	b, err := c.e.compile(ctx, c.res.ID, c.counters)
	if err != nil {
		return err
	}
	c.build = b
	c.res.Rules = b.Rules()
	c.res.Degraded = b.Context.Degradations()
	return nil
}

func (c *cycle) immediate() bool {
	return c.e.cfg.LoadMode == config.LoadModeImmediate
}

// touch creates an empty artifact and records it.
func (c *cycle) touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "create temp file"), "file", path)
	}
	c.res.Files = append(c.res.Files, path)
	return f.Close()
}

func (c *cycle) createTempFiles(context.Context) error {
	if err := c.e.tempDir(); err != nil {
		return err
	}
	base := c.e.base(c.res.ID)

	c.logPath = base + ".log"
	if err := c.touch(c.logPath); err != nil {
		return err
	}
	if !c.immediate() {
		for _, rs := range c.build.Rulesets {
			path := base + "." + rs.Family.String()
			if err := c.touch(path); err != nil {
				return err
			}
			c.rules[rs.Family] = path
		}
	}
	if !c.build.Context.Shaper.Empty() {
		c.tcPath = base + ".tc.sh"
		if err := c.touch(c.tcPath); err != nil {
			return err
		}
	}
	return nil
}

func (c *cycle) renderRulesetFile(context.Context) error {
	if c.immediate() {
		c.log.Debug("immediate mode, no restore file")
		return nil
	}
	for _, rs := range c.build.Rulesets {
		path := c.rules[rs.Family]
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindInternal, "open restore file"), "file", path)
		}
		err = c.e.assembler(rs.Family, c.res.ID).Render(f, rs)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindInternal, "render restore file"), "file", path)
		}
	}
	return nil
}

func (c *cycle) renderShapingScript(context.Context) error {
	if c.tcPath == "" {
		c.log.Debug("no shaped interfaces")
		return nil
	}
	f, err := os.OpenFile(c.tcPath, os.O_WRONLY|os.O_TRUNC, 0o700)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "open shaping script"), "file", c.tcPath)
	}
	err = c.build.Context.Shaper.Script(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Attr(err, "file", c.tcPath)
	}
	return nil
}

func (c *cycle) runShapingScript(context.Context) error {
	if c.tcPath == "" {
		return nil
	}
	if err := c.e.loader.RunScript(c.tcPath, c.logPath); err != nil {
		return c.loadFailed(c.tcPath, err)
	}
	return nil
}

func (c *cycle) runBulkLoad(context.Context) error {
	if c.immediate() {
		if err := c.runImmediate(); err != nil {
			return err
		}
	} else {
		for _, rs := range c.build.Rulesets {
			path := c.rules[rs.Family]
			if err := c.e.loader.Load(rs.Family, path, c.logPath, true); err != nil {
				return c.loadFailed(path, err)
			}
			c.log.Debug("ruleset loaded", "family", rs.Family.String(), "file", path)
		}
	}

	if err := network.SetIPForwarding(c.e.sys, c.e.cfg.ForwardingEnabled(), c.e.cfg.IPv6); err != nil {
		return err
	}
	return nil
}

// runImmediate appends every rule through go-iptables.
func (c *cycle) runImmediate() error {
	router := firewall.NewImmediateRouter(c.e.ipt)
	for _, rs := range c.build.Rulesets {
		tables := c.e.assembler(rs.Family, c.res.ID).Tables(rs.Family)
		if err := router.Prepare(rs, tables); err != nil {
			return err
		}
		if err := rs.Replay(router); err != nil {
			return errors.Wrap(err, errors.KindSubprocess, "immediate load")
		}
		if err := router.Finish(rs, tables); err != nil {
			return err
		}
	}
	c.log.Debug("rules appended", "rules", router.Routed)
	return nil
}

// loadFailed keeps the file that broke the load under a .failed name and
// surfaces the tool output.
func (c *cycle) loadFailed(path string, err error) error {
	dst := c.e.markFailed(c.log, path)
	for i, f := range c.res.Files {
		if f == path {
			c.res.Files[i] = dst
		}
	}
	c.e.surface(c.log, filepath.Base(path), c.logPath)
	return errors.Attr(errors.Wrap(err, errors.KindSubprocess, "load failed"), "file", dst)
}

func (c *cycle) cleanup() {
	if c.e.cfg.KeepTempFiles {
		c.log.Info("temp files kept", "files", c.res.Files)
		return
	}
	for _, f := range c.res.Files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			c.log.Warn("temp file not removed", "file", f, "error", err)
		}
	}
	c.res.Files = nil
}
