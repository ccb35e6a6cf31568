//go:build linux

package network

import "github.com/vishvananda/netlink"

// DefaultNetlinker talks to the running kernel.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is the netlink-backed Netlinker.
type RealNetlinker struct{}

// LinkByName retrieves a link by name.
func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

// LinkList retrieves all links.
func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

// AddrList retrieves the addresses of a link.
func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}
