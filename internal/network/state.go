package network

import (
	"net"
	"sort"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/rampart/internal/logging"
)

// LinkState is what the kernel reports about one device.
type LinkState struct {
	Device string
	Exists bool
	Up     bool
	IPv4   []string
	IPv6   []string
}

// State is a per-apply snapshot keyed by device name.
type State struct {
	links map[string]LinkState
}

// NewState builds a snapshot from explicit entries; used by tests and
// dump-only runs.
func NewState(links ...LinkState) *State {
	s := &State{links: make(map[string]LinkState, len(links))}
	for _, l := range links {
		s.links[l.Device] = l
	}
	return s
}

// Snapshot queries devices through nl. Missing devices are recorded as not
// existing rather than failing the snapshot.
func Snapshot(nl Netlinker, devices []string, log *logging.Logger) *State {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if log == nil {
		log = logging.Discard()
	}
	s := NewState()
	for _, dev := range devices {
		if _, seen := s.links[dev]; seen || dev == "" {
			continue
		}
		st := LinkState{Device: dev}
		link, err := nl.LinkByName(dev)
		if err != nil {
			log.Debug("link not found", "device", dev, "error", err)
			s.links[dev] = st
			continue
		}
		attrs := link.Attrs()
		st.Exists = true
		st.Up = attrs.Flags&net.FlagUp != 0
		st.IPv4 = addrs(nl, link, unix.AF_INET)
		st.IPv6 = addrs(nl, link, unix.AF_INET6)
		s.links[dev] = st
	}
	return s
}

func addrs(nl Netlinker, link netlink.Link, family int) []string {
	list, err := nl.AddrList(link, family)
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range list {
		if a.IPNet == nil {
			continue
		}
		if family == unix.AF_INET6 && a.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, a.IP.String())
	}
	return out
}

// Lookup returns the state of device.
func (s *State) Lookup(device string) (LinkState, bool) {
	if s == nil {
		return LinkState{}, false
	}
	l, ok := s.links[device]
	return l, ok
}

// IsUp reports whether device exists and is administratively up.
func (s *State) IsUp(device string) bool {
	l, ok := s.Lookup(device)
	return ok && l.Exists && l.Up
}

// PrimaryIPv4 returns the first IPv4 address of device.
func (s *State) PrimaryIPv4(device string) string {
	if l, ok := s.Lookup(device); ok && len(l.IPv4) > 0 {
		return l.IPv4[0]
	}
	return ""
}

// PrimaryIPv6 returns the first global IPv6 address of device.
func (s *State) PrimaryIPv6(device string) string {
	if l, ok := s.Lookup(device); ok && len(l.IPv6) > 0 {
		return l.IPv6[0]
	}
	return ""
}

// Devices lists the snapshot's devices in name order.
func (s *State) Devices() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.links))
	for d := range s.links {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
