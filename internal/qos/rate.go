package qos

import (
	"strconv"
	"strings"

	"grimm.is/rampart/internal/errors"
)

// Rates are carried in kbit/s throughout, which is the unit the tc script
// is written in.

var rateUnits = []struct {
	suffix string
	kbit   uint64
}{
	{"gbit", 1000 * 1000},
	{"mbit", 1000},
	{"kbit", 1},
	{"gbps", 8 * 1000 * 1000},
	{"mbps", 8 * 1000},
	{"kbps", 8},
}

// ParseRate converts "512kbit", "10mbit", "1gbit", "100kbps" or a bare
// number (kbit) to kbit/s. The empty string is zero.
func ParseRate(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	mult := uint64(1)
	for _, u := range rateUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.kbit
			break
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Errorf(errors.KindValidation, "invalid rate %q", s)
	}
	return n * mult, nil
}

// RateOf is ParseRate with percentages of parent allowed.
func RateOf(s string, parent uint64) (uint64, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		p, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil || p < 0 || p > 100 {
			return 0, errors.Errorf(errors.KindValidation, "invalid percentage %q", s)
		}
		return uint64(float64(parent) * p / 100.0), nil
	}
	return ParseRate(s)
}

// FormatRate renders kbit/s the way tc expects it.
func FormatRate(kbit uint64) string {
	return strconv.FormatUint(kbit, 10) + "kbit"
}
