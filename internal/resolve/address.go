// Package resolve turns policy entities into the address, mask and port
// strings that appear in iptables rule bodies.
//
// Everything here is pure: no I/O, no logging. Failures are returned as
// KindResolution errors wrapping ErrInvalidAddress.
package resolve

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"

	"go4.org/netipx"

	"grimm.is/rampart/internal/errors"
)

// Family is the IP version a rule is generated for.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Families lists the versions in generation order.
var Families = []Family{IPv4, IPv6}

// Host masks used for filtering. A host is always a single address.
const (
	HostMask4 = "255.255.255.255"
	HostMask6 = "128"
)

// ErrInvalidAddress is wrapped by every address or mask parse failure.
var ErrInvalidAddress = errors.New(errors.KindResolution, "invalid address")

func invalid(field, value string) error {
	err := errors.Wrapf(ErrInvalidAddress, errors.KindResolution, "%s %q", field, value)
	return errors.Attr(err, "field", field)
}

// HostAddr is the resolved form of a host.
type HostAddr struct {
	IPv4  string
	Mask4 string
	IPv6  string
	Mask6 string
	MAC   string
}

// Host validates a host's addresses. Either address may be empty, not both.
func Host(ipv4, ipv6, mac string) (HostAddr, error) {
	h := HostAddr{MAC: mac}
	if ipv4 != "" {
		a, err := netip.ParseAddr(ipv4)
		if err != nil || !a.Is4() {
			return HostAddr{}, invalid("ipaddress", ipv4)
		}
		h.IPv4, h.Mask4 = a.String(), HostMask4
	}
	if ipv6 != "" {
		a, err := netip.ParseAddr(ipv6)
		if err != nil || !a.Is6() || a.Is4In6() {
			return HostAddr{}, invalid("ipv6address", ipv6)
		}
		h.IPv6, h.Mask6 = a.String(), HostMask6
	}
	if h.IPv4 == "" && h.IPv6 == "" {
		return HostAddr{}, invalid("ipaddress", "")
	}
	return h, nil
}

// NetworkAddr is the resolved form of a network.
type NetworkAddr struct {
	Network   string
	Netmask   string
	Broadcast string
	Network6  string
	CIDR6     int
	Prefix    netip.Prefix
}

// Network resolves an IPv4 network/netmask pair and an optional IPv6 prefix.
func Network(network, netmask, network6 string, cidr6 int) (NetworkAddr, error) {
	bcast, err := Broadcast(network, netmask)
	if err != nil {
		return NetworkAddr{}, err
	}
	bits, err := MaskBits(netmask)
	if err != nil {
		return NetworkAddr{}, err
	}
	addr := netip.MustParseAddr(network)

	n := NetworkAddr{
		Network:   addr.String(),
		Netmask:   netmask,
		Broadcast: bcast,
		Prefix:    netip.PrefixFrom(addr, bits).Masked(),
	}

	if network6 != "" {
		a, err := netip.ParseAddr(network6)
		if err != nil || !a.Is6() {
			return NetworkAddr{}, invalid("ipv6network", network6)
		}
		if cidr6 <= 0 || cidr6 > 128 {
			return NetworkAddr{}, invalid("ipv6cidr", strconv.Itoa(cidr6))
		}
		n.Network6, n.CIDR6 = a.String(), cidr6
	}
	return n, nil
}

func parse4(field, s string) (uint32, error) {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return 0, invalid(field, s)
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

// Broadcast computes network | ^netmask over the 32-bit address.
func Broadcast(network, netmask string) (string, error) {
	n, err := parse4("network", network)
	if err != nil {
		return "", err
	}
	m, err := parse4("netmask", netmask)
	if err != nil {
		return "", err
	}

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n|^m)
	return netip.AddrFrom4(out).String(), nil
}

// MaskBits returns the prefix length of a dotted netmask. Non-contiguous
// masks are rejected.
func MaskBits(netmask string) (int, error) {
	m, err := parse4("netmask", netmask)
	if err != nil {
		return 0, err
	}
	bits := 0
	for bits < 32 && m&(1<<(31-bits)) != 0 {
		bits++
	}
	if bits < 32 && m<<bits != 0 {
		return 0, invalid("netmask", netmask)
	}
	return bits, nil
}

// NetworkCandidate is one entry for BestMatchingNetwork.
type NetworkCandidate struct {
	Name    string
	Network string
	Netmask string
}

var loopback = netip.MustParsePrefix("127.0.0.0/8")

// BestMatchingNetwork returns the most specific network containing ip. The
// network address itself is not a member, the broadcast address is. Ties go
// to the first candidate. Loopback addresses and networks inside 127/8 never
// match; a supernet such as the default network does.
func BestMatchingNetwork(ip string, nets []NetworkCandidate) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() || loopback.Contains(addr) {
		return "", false
	}

	best, bestBits := "", -1
	for _, c := range nets {
		bits, err := MaskBits(c.Netmask)
		if err != nil {
			continue
		}
		netAddr, err := netip.ParseAddr(c.Network)
		if err != nil || !netAddr.Is4() {
			continue
		}
		prefix := netip.PrefixFrom(netAddr, bits).Masked()
		if loopback.Contains(prefix.Addr()) && prefix.Bits() >= loopback.Bits() {
			continue
		}
		r := netipx.RangeOfPrefix(prefix)
		if !r.Contains(addr) || addr == r.From() {
			continue
		}
		if bits > bestBits {
			best, bestBits = c.Name, bits
		}
	}
	return best, bestBits >= 0
}

// AddrMask renders "addr/mask" for -s and -d, or "" when either half is empty.
func AddrMask(addr, mask string) string {
	if addr == "" || mask == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", addr, mask)
}
