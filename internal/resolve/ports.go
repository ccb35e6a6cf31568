package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"grimm.is/rampart/internal/errors"
)

// Protocol numbers with special rendering.
const (
	ProtoICMP   = unix.IPPROTO_ICMP
	ProtoTCP    = unix.IPPROTO_TCP
	ProtoUDP    = unix.IPPROTO_UDP
	ProtoGRE    = unix.IPPROTO_GRE
	ProtoESP    = unix.IPPROTO_ESP
	ProtoAH     = unix.IPPROTO_AH
	ProtoICMPv6 = unix.IPPROTO_ICMPV6
)

// PortRange is one protocol/port entry of a service. Zero ports mean "not
// set". For ICMP the destination slots carry type and code, -1 meaning any.
type PortRange struct {
	Protocol int
	SrcLow   int
	SrcHigh  int
	DstLow   int
	DstHigh  int
}

// ICMPRange builds an ICMP or ICMPv6 entry.
func ICMPRange(proto, typ, code int) PortRange {
	return PortRange{Protocol: proto, DstLow: typ, DstHigh: code}
}

// IsICMP reports whether the range is ICMP for IPv4.
func (p PortRange) IsICMP() bool { return p.Protocol == ProtoICMP }

// IsICMPv6 reports whether the range is ICMPv6.
func (p PortRange) IsICMPv6() bool { return p.Protocol == ProtoICMPv6 }

// IsAnyICMP reports ICMP of either family.
func (p PortRange) IsAnyICMP() bool { return p.IsICMP() || p.IsICMPv6() }

// HasPorts reports whether the protocol renders --sport/--dport.
func (p PortRange) HasPorts() bool {
	return p.Protocol == ProtoTCP || p.Protocol == ProtoUDP
}

// WithDstPort returns a copy with the destination port set to a single value.
func (p PortRange) WithDstPort(port int) PortRange {
	p.DstLow, p.DstHigh = port, 0
	return p
}

// MatchesFamily reports whether the range may appear in rules of f.
func (p PortRange) MatchesFamily(f Family) bool {
	switch {
	case p.IsICMP():
		return f == IPv4
	case p.IsICMPv6():
		return f == IPv6
	}
	return true
}

// ProtocolClause renders "-p <proto> ..." for f. syn adds --syn for tcp.
func ProtocolClause(p PortRange, f Family, syn bool) string {
	switch p.Protocol {
	case 0:
		return ""
	case ProtoTCP:
		if syn {
			return "-p tcp -m tcp --syn"
		}
		return "-p tcp -m tcp"
	case ProtoUDP:
		return "-p udp -m udp"
	case ProtoICMP:
		return "-p icmp -m icmp"
	case ProtoICMPv6:
		if f == IPv6 {
			return "-p icmpv6 -m icmp6"
		}
	}
	return "-p " + strconv.Itoa(p.Protocol)
}

// Ports is a rendered port clause. The prefixes are implied by the field:
// Src renders as --sport, Dst as --dport.
type Ports struct {
	Src  string
	Dst  string
	ICMP string
}

// PortClause formats the port part of a rule body.
func PortClause(p PortRange) Ports {
	switch {
	case p.HasPorts():
		return Ports{Src: portValue(p.SrcLow, p.SrcHigh), Dst: portValue(p.DstLow, p.DstHigh)}
	case p.IsAnyICMP():
		if p.DstLow < 0 {
			return Ports{}
		}
		opt := "--icmp-type"
		if p.IsICMPv6() {
			opt = "--icmpv6-type"
		}
		v := strconv.Itoa(p.DstLow)
		if p.DstHigh >= 0 {
			v += "/" + strconv.Itoa(p.DstHigh)
		}
		return Ports{ICMP: opt + " " + v}
	}
	return Ports{}
}

func portValue(low, high int) string {
	switch {
	case low <= 0 && high <= 0:
		return ""
	case high <= 0 || high == low:
		return strconv.Itoa(low)
	case low <= 0:
		return "0:" + strconv.Itoa(high)
	}
	return fmt.Sprintf("%d:%d", low, high)
}

// Swapped exchanges the source and destination values. ICMP is unchanged.
func (p Ports) Swapped() Ports {
	return Ports{Src: p.Dst, Dst: p.Src, ICMP: p.ICMP}
}

// WithDst returns a copy with the destination value replaced.
func (p Ports) WithDst(v string) Ports {
	p.Dst = v
	return p
}

// String renders the clause, "--sport a:b --dport c".
func (p Ports) String() string {
	parts := make([]string, 0, 2)
	if p.Src != "" {
		parts = append(parts, "--sport "+p.Src)
	}
	if p.Dst != "" {
		parts = append(parts, "--dport "+p.Dst)
	}
	if p.ICMP != "" {
		parts = append(parts, p.ICMP)
	}
	return strings.Join(parts, " ")
}

// ParsePortSpec parses a service entry "<sport>;<dport>" where each side is
// "*", "n" or "low:high". A bare "n" means the destination port.
func ParsePortSpec(proto int, spec string) (PortRange, error) {
	src, dst := "*", strings.TrimSpace(spec)
	if i := strings.IndexByte(spec, ';'); i >= 0 {
		src, dst = strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i+1:])
	}
	pr := PortRange{Protocol: proto}
	var err error
	if pr.SrcLow, pr.SrcHigh, err = parsePortPart(src); err != nil {
		return PortRange{}, err
	}
	if pr.DstLow, pr.DstHigh, err = parsePortPart(dst); err != nil {
		return PortRange{}, err
	}
	return pr, nil
}

func parsePortPart(s string) (int, int, error) {
	if s == "" || s == "*" {
		return 0, 0, nil
	}
	lowS, highS, isRange := strings.Cut(s, ":")
	low, err := parsePort(lowS)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return low, 0, nil
	}
	high, err := parsePort(highS)
	if err != nil {
		return 0, 0, err
	}
	if high < low {
		return 0, 0, errors.Errorf(errors.KindResolution, "port range %q is reversed", s)
	}
	return low, high, nil
}

// ParsePort validates a single port number.
func ParsePort(s string) (int, error) {
	return parsePort(strings.TrimSpace(s))
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 65535 {
		return 0, errors.Errorf(errors.KindResolution, "invalid port %q", s)
	}
	return n, nil
}

// ParseICMPSpec parses "<type>[:<code>]" or "*".
func ParseICMPSpec(proto int, spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "*" {
		return ICMPRange(proto, -1, -1), nil
	}
	typS, codeS, hasCode := strings.Cut(spec, ":")
	typ, err := strconv.Atoi(typS)
	if err != nil || typ < 0 || typ > 255 {
		return PortRange{}, errors.Errorf(errors.KindResolution, "invalid icmp type %q", spec)
	}
	code := -1
	if hasCode {
		code, err = strconv.Atoi(codeS)
		if err != nil || code < 0 || code > 255 {
			return PortRange{}, errors.Errorf(errors.KindResolution, "invalid icmp code %q", spec)
		}
	}
	return ICMPRange(proto, typ, code), nil
}

// ParseProtocol accepts a protocol number or one of the common names.
func ParseProtocol(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp":
		return ProtoICMP, nil
	case "gre":
		return ProtoGRE, nil
	case "esp":
		return ProtoESP, nil
	case "ah":
		return ProtoAH, nil
	case "icmpv6", "ipv6-icmp":
		return ProtoICMPv6, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 255 {
		return 0, errors.Errorf(errors.KindResolution, "invalid protocol %q", s)
	}
	return n, nil
}
