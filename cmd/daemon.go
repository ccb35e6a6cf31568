package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
)

// reloadDelay collects the burst of events an editor produces on save.
const reloadDelay = 500 * time.Millisecond

// RunDaemon keeps the policy applied. In the foreground it applies once,
// then again on SIGHUP or when the config or policy file changes. Without
// foreground the process starts a detached copy of itself and returns.
func RunDaemon(ctx context.Context, opts Options) error {
	if !opts.Foreground {
		return daemonize(opts)
	}
	return runLoop(ctx, opts)
}

// daemonize re-executes the binary in the foreground in a new session.
func daemonize(opts Options) error {
	cfg, err := config.LoadOrDefault(opts.ConfigFile)
	if err != nil {
		return err
	}
	if pid, ok := runningPID(cfg.Daemon.PIDFile); ok {
		return errors.Errorf(errors.KindValidation, "already running (PID: %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to get executable path")
	}
	args := []string{"-f", "-c", opts.ConfigFile}
	if opts.Debug {
		args = append(args, "-d")
	}
	if opts.SkipChecks {
		args = append(args, "--skip-checks")
	}
	if opts.Keep {
		args = append(args, "-k")
	}
	args = append(args, "daemon")

	logDir := brand.GetStateDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to create log directory")
	}
	logFile := filepath.Join(logDir, brand.LowerName+".log")
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to open log file")
	}
	defer logF.Close()

	c := exec.Command(exe, args...)
	c.Stdout = logF
	c.Stderr = logF
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := c.Start(); err != nil {
		return errors.Wrap(err, errors.KindSubprocess, "failed to start daemon")
	}
	Printer.Fprintf(opts.out(), "Started %s (PID: %d)\n", brand.Name, c.Process.Pid)
	Printer.Fprintf(opts.out(), "Logs: %s\n", logFile)
	return c.Process.Release()
}

// runningPID reads the pid file and checks the process is alive.
func runningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// watchFiles watches the directories holding files, since editors replace
// files rather than write them in place.
func watchFiles(files ...string) (*fsnotify.Watcher, map[string]bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	names := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, f := range files {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		names[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, nil, err
		}
		dirs[dir] = true
	}
	return w, names, nil
}

func relevant(ev fsnotify.Event, names map[string]bool) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	return err == nil && names[abs]
}

// runLoop applies serially until SIGINT or SIGTERM. Every cycle reloads the
// config file so changes to it take effect too.
func runLoop(ctx context.Context, opts Options) error {
	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { e.Close() }()
	log := e.log.WithComponent("daemon")

	pidFile := e.cfg.Daemon.PIDFile
	if err := writePIDFile(pidFile); err != nil {
		log.Warn("pid file not written", "file", pidFile, "error", err)
	} else {
		defer os.Remove(pidFile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	var names map[string]bool
	if e.cfg.Daemon.Watch || opts.Loop {
		w, n, err := watchFiles(opts.ConfigFile, e.cfg.Backend.Path)
		if err != nil {
			log.Warn("file watching disabled", "error", err)
		} else {
			defer w.Close()
			events, watchErrs, names = w.Events, w.Errors, n
		}
	}

	apply := func(reason string) {
		log.Info("applying policy", "reason", reason)
		if next, err := setup(ctx, opts); err != nil {
			log.Error("configuration not reloaded", "error", err)
		} else {
			e.Close()
			e = next
			log = e.log.WithComponent("daemon")
		}
		if _, err := e.engine.Apply(ctx); err != nil {
			log.Error("apply failed", "error", err)
		}
	}

	if _, err := e.engine.Apply(ctx); err != nil {
		log.Error("initial apply failed", "error", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				apply("SIGHUP")
				continue
			}
			log.Info("shutting down", "signal", sig.String())
			return nil
		case ev := <-events:
			if relevant(ev, names) && pending == nil {
				pending = time.After(reloadDelay)
			}
		case err := <-watchErrs:
			log.Warn("file watch error", "error", err)
		case <-pending:
			pending = nil
			apply("file changed")
		}
	}
}
