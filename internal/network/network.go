// Package network reads interface state from the kernel and toggles IP
// forwarding. The rule generators consult a State snapshot taken once per
// apply cycle; they never talk to netlink themselves.
package network

import (
	"github.com/vishvananda/netlink"
)

// Netlinker abstracts the netlink calls the snapshot needs.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// SystemController abstracts sysctl access.
type SystemController interface {
	ReadSysctl(path string) (string, error)
	WriteSysctl(path, value string) error
	IsNotExist(err error) bool
}
