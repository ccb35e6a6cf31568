// Package engine runs apply cycles: it loads the policy, compiles it into
// rulesets and commits them to the kernel through iptables-restore or
// go-iptables, together with the traffic shaping script.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"grimm.is/rampart/internal/backend"
	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/network"
	"grimm.is/rampart/internal/policy"
	"grimm.is/rampart/internal/resolve"
	"grimm.is/rampart/internal/rulegen"
)

// Options wires an Engine. Unset fields get the production implementation.
type Options struct {
	Config  *config.Config
	Caps    *capability.Capabilities
	Backend backend.Backend
	Logger  *logging.Logger
	Metrics *metrics.Registry
	Clock   clock.Clock

	Runner   firewall.CommandRunner
	IPTables map[resolve.Family]firewall.IPTables
	Sysctl   network.SystemController
	// Netlinker supplies link state. Without one every interface counts as up.
	Netlinker network.Netlinker
	// Fs reads blocklist files.
	Fs afero.Fs
	// NewID returns apply ids; uuid by default.
	NewID func() string
}

// Engine owns the apply cycle. Only one cycle runs at a time.
type Engine struct {
	mu sync.Mutex

	cfg       *config.Config
	caps      *capability.Capabilities
	backend   backend.Backend
	log       *logging.Logger
	metrics   *metrics.Registry
	collector *metrics.Collector
	clock     clock.Clock
	loader    *firewall.Loader
	ipt       map[resolve.Family]firewall.IPTables
	sys       network.SystemController
	nl        network.Netlinker
	fs        afero.Fs
	newID     func() string

	cycles int
}

// Build is a compiled cycle that has not been committed.
type Build struct {
	ID       string
	Context  *rulegen.ApplyContext
	Rulesets []*firewall.Ruleset
	Counters firewall.Counters
}

// Rules counts the rules of every ruleset.
func (b *Build) Rules() int {
	n := 0
	for _, rs := range b.Rulesets {
		n += rs.Len()
	}
	return n
}

// Result describes a finished apply cycle.
type Result struct {
	ID    string
	Stage Stage
	// Trace lists every stage entered, in order.
	Trace    []Stage
	Rules    int
	Degraded []string
	// Files lists the artifacts left on disk.
	Files    []string
	Duration time.Duration
}

// New returns an engine. A policy backend is required.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New(errors.KindInternal, "engine needs a policy backend")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	caps := opts.Caps
	if caps == nil {
		caps = capability.All()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	ipt := opts.IPTables
	if ipt == nil {
		ipt = make(map[resolve.Family]firewall.IPTables)
	}

	loader := firewall.NewLoader(opts.Runner)
	loader.Restore[resolve.IPv4] = cfg.Tools.IPTablesRestore
	loader.Restore[resolve.IPv6] = cfg.Tools.IP6TablesRestore
	loader.Save[resolve.IPv4] = cfg.Tools.IPTablesSave
	loader.Save[resolve.IPv6] = cfg.Tools.IP6TablesSave
	loader.Shell = cfg.Tools.Shell

	return &Engine{
		cfg:       cfg,
		caps:      caps,
		backend:   opts.Backend,
		log:       log.WithComponent("engine"),
		metrics:   opts.Metrics,
		collector: metrics.NewCollector(opts.Metrics),
		clock:     clock.OrReal(opts.Clock),
		loader:    loader,
		ipt:       ipt,
		sys:       opts.Sysctl,
		nl:        opts.Netlinker,
		fs:        fs,
		newID:     newID,
	}, nil
}

// Config returns the configuration the engine runs with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Collector returns the accounting statistics of the last snapshot.
func (e *Engine) Collector() *metrics.Collector { return e.collector }

func (e *Engine) families() []resolve.Family {
	if e.cfg.IPv6 {
		return resolve.Families
	}
	return []resolve.Family{resolve.IPv4}
}

// snapshot reads the IPv4 accounting counters. Failing to read them only
// costs the counters.
func (e *Engine) snapshot() firewall.Counters {
	ipt := e.ipt[resolve.IPv4]
	if ipt == nil {
		return make(firewall.Counters)
	}
	counters, err := firewall.SnapshotCounters(ipt)
	if err != nil {
		e.log.Warn("accounting counters not preserved", "error", err)
	}
	return counters
}

type reloader interface {
	Reload(ctx context.Context) error
}

// compile loads the policy and builds the rulesets of one cycle.
func (e *Engine) compile(ctx context.Context, id string, counters firewall.Counters) (*Build, error) {
	if r, ok := e.backend.(reloader); ok && e.cycles > 0 {
		if err := r.Reload(ctx); err != nil {
			return nil, errors.Wrap(err, errors.KindNotFound, "reload policy")
		}
	}
	e.cycles++

	pol, err := policy.Load(ctx, e.backend, e.log)
	if err != nil {
		return nil, err
	}
	if e.nl != nil {
		pol.ApplyLinkState(network.Snapshot(e.nl, pol.Devices(), e.log))
	}

	ac, err := rulegen.NewApplyContext(e.cfg, e.caps, pol, e.log)
	if err != nil {
		return nil, err
	}
	ac.Metrics = e.metrics
	ac.Counters = counters
	if ac.Blocklist, err = rulegen.LoadBlocklist(e.cfg, e.fs); err != nil {
		return nil, err
	}

	sets, err := rulegen.Compile(ac)
	if err != nil {
		return nil, err
	}
	return &Build{ID: id, Context: ac, Rulesets: sets, Counters: counters}, nil
}

// Build compiles the current policy without touching the kernel.
func (e *Engine) Build(ctx context.Context) (*Build, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compile(ctx, e.newID(), e.snapshot())
}

// assembler returns a restore renderer for family v that knows the chains
// already present on the live system.
func (e *Engine) assembler(v resolve.Family, id string) *firewall.Assembler {
	a := &firewall.Assembler{Caps: e.caps, ApplyID: id, Now: e.clock.Now()}
	if ipt := e.ipt[v]; ipt != nil {
		a.Existing = firewall.ExistingChains(ipt, a.Tables(v))
	}
	return a
}

// base returns the path prefix of the artifacts of apply id.
func (e *Engine) base(id string) string {
	return filepath.Join(e.cfg.TempDir, brand.LowerName+"-"+id)
}

func (e *Engine) tempDir() error {
	if err := os.MkdirAll(e.cfg.TempDir, 0o700); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "create temp dir"), "dir", e.cfg.TempDir)
	}
	return nil
}

// surface logs every line of the tool log at error severity.
func (e *Engine) surface(log *logging.Logger, source, logPath string) {
	f, err := os.Open(logPath)
	if err != nil {
		return
	}
	defer f.Close()
	log.ErrorLines(source, f)
}

// markFailed renames path to path.failed and returns the new name.
func (e *Engine) markFailed(log *logging.Logger, path string) string {
	dst := path + ".failed"
	if err := os.Rename(path, dst); err != nil {
		log.Warn("failed file not renamed", "file", path, "error", err)
		return path
	}
	return dst
}
