package firewall

import (
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/resolve"
)

// Loader commits rendered files through external tools.
type Loader struct {
	Runner  CommandRunner
	Restore map[resolve.Family]string
	Save    map[resolve.Family]string
	Shell   string
}

// NewLoader returns a loader using the standard binaries from PATH.
func NewLoader(r CommandRunner) *Loader {
	if r == nil {
		r = DefaultCommandRunner
	}
	return &Loader{
		Runner: r,
		Restore: map[resolve.Family]string{
			resolve.IPv4: "iptables-restore",
			resolve.IPv6: "ip6tables-restore",
		},
		Save: map[resolve.Family]string{
			resolve.IPv4: "iptables-save",
			resolve.IPv6: "ip6tables-save",
		},
		Shell: "/bin/sh",
	}
}

// Load feeds a restore file to iptables-restore. Counters in the file are
// applied and, with noflush, chains not named in the file are left alone.
func (l *Loader) Load(v resolve.Family, path, log string, noflush bool) error {
	args := []string{"--counters"}
	if noflush {
		args = append(args, "--noflush")
	}
	bin := l.Restore[v]
	if err := l.Runner.RunFiles(path, log, bin, args...); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindSubprocess, "%s failed", bin), "file", path)
	}
	return nil
}

// RunScript executes a shell script, logging its output.
func (l *Loader) RunScript(path, log string) error {
	if err := l.Runner.RunFiles("", log, l.Shell, path); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindSubprocess, "shaping script failed"), "file", path)
	}
	return nil
}

// Dump returns the live ruleset of family v as printed by iptables-save.
func (l *Loader) Dump(v resolve.Family) ([]byte, error) {
	bin := l.Save[v]
	out, err := l.Runner.Output(bin)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindSubprocess, "%s failed", bin)
	}
	return out, nil
}
