package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/afero"

	"grimm.is/rampart/internal/backend"
	"grimm.is/rampart/internal/capability"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/engine"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/i18n"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/network"
	"grimm.is/rampart/internal/resolve"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// Options are the command line flags shared by every command.
type Options struct {
	ConfigFile string
	Debug      bool
	// Bash prints the ruleset as a shell script instead of loading it.
	Bash       bool
	SkipChecks bool
	Loop       bool
	Foreground bool
	Clear      bool
	ClearAll   bool
	Keep       bool

	// Out receives command output; stdout when nil.
	Out io.Writer
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

// Seams for tests.
var (
	newIPTables                   = firewall.NewIPTables
	netlinker   network.Netlinker = network.DefaultNetlinker
	sysctl                        = network.DefaultSystemController
	runner                        = firewall.DefaultCommandRunner
)

// iptablesWait is the xtables lock wait in seconds.
const iptablesWait = 5

// env is everything a command needs, built from the config file.
type env struct {
	cfg     *config.Config
	log     *logging.Logger
	caps    *capability.Capabilities
	backend backend.Backend
	engine  *engine.Engine
	closers []io.Closer
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i].Close()
	}
}

// setup loads the configuration, probes the kernel and opens the policy.
func setup(ctx context.Context, opts Options) (*env, error) {
	cfg, err := config.LoadOrDefault(opts.ConfigFile)
	if err != nil {
		return nil, errors.Attr(err, "file", opts.ConfigFile)
	}
	if opts.Keep {
		cfg.KeepTempFiles = true
	}

	e := &env{cfg: cfg}
	e.log = newLogger(cfg, opts.Debug, &e.closers)
	logging.SetDefault(e.log)

	e.caps = capability.Probe(ctx, capability.ProbeOptions{
		SkipChecks: opts.SkipChecks,
		IPv6:       cfg.IPv6,
		Logger:     e.log,
	})

	b, err := backend.Open(cfg.Backend.Type, cfg.Backend.Path)
	if err != nil {
		e.Close()
		return nil, errors.Attr(errors.Wrap(err, errors.KindNotFound, "open policy"), "path", cfg.Backend.Path)
	}
	e.backend = b
	e.closers = append(e.closers, b)

	families := []resolve.Family{resolve.IPv4}
	if cfg.IPv6 {
		families = resolve.Families
	}
	ipt := make(map[resolve.Family]firewall.IPTables, len(families))
	for _, v := range families {
		c, err := newIPTables(v, iptablesWait)
		if err != nil {
			e.log.Warn("iptables client unavailable, counters and chain listing skipped", "family", v.String(), "error", err)
			continue
		}
		ipt[v] = c
	}

	e.engine, err = engine.New(engine.Options{
		Config:    cfg,
		Caps:      e.caps,
		Backend:   b,
		Logger:    e.log,
		Metrics:   metrics.New(),
		Runner:    runner,
		IPTables:  ipt,
		Sysctl:    sysctl,
		Netlinker: netlinker,
		Fs:        afero.NewOsFs(),
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// newLogger builds the program logger from the logging block. A syslog
// target that cannot be reached is reported and skipped.
func newLogger(cfg *config.Config, debug bool, closers *[]io.Closer) *logging.Logger {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = lvl
	}
	if debug {
		lc.Level = logging.LevelDebug
	}
	lc.JSON = cfg.Logging.JSON

	var syslogErr error
	if s := cfg.Logging.Syslog; s != nil {
		sc := logging.DefaultSyslogConfig()
		sc.Host = s.Host
		if s.Port != 0 {
			sc.Port = s.Port
		}
		if s.Protocol != "" {
			sc.Protocol = s.Protocol
		}
		if s.Tag != "" {
			sc.Tag = s.Tag
		}
		w, err := logging.NewSyslogWriter(sc)
		if err != nil {
			syslogErr = err
		} else {
			lc.Output = logging.MultiWriter(os.Stderr, w)
			*closers = append(*closers, w)
		}
	}

	log := logging.New(lc)
	if syslogErr != nil {
		log.Warn("remote syslog disabled", "error", syslogErr)
	}
	return log
}
