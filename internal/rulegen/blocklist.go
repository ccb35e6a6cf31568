package rulegen

import (
	"bufio"
	"bytes"
	"net/netip"
	"strings"

	"github.com/spf13/afero"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
)

// LoadBlocklist collects the configured blocklist: inline addresses first,
// then every file, one address or prefix per line. "#" starts a comment.
func LoadBlocklist(cfg *config.Config, fs afero.Fs) ([]netip.Prefix, error) {
	if cfg == nil || cfg.Blocklist == nil {
		return nil, nil
	}
	var out []netip.Prefix
	for _, a := range cfg.Blocklist.Addresses {
		p, err := parsePrefix(a)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid blocklist address"), "address", a)
		}
		out = append(out, p)
	}
	for _, f := range cfg.Blocklist.Files {
		data, err := afero.ReadFile(fs, f)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindNotFound, "read blocklist"), "file", f)
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		line := 0
		for sc.Scan() {
			line++
			s := sc.Text()
			if i := strings.IndexByte(s, '#'); i >= 0 {
				s = s[:i]
			}
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			p, err := parsePrefix(s)
			if err != nil {
				return nil, errors.Attr(errors.Attr(errors.Wrap(err, errors.KindValidation, "invalid blocklist entry"), "file", f), "line", line)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// parsePrefix accepts a prefix or a bare address, which becomes a host
// prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
