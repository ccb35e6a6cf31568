package network

import (
	"os"
	"strings"

	"grimm.is/rampart/internal/errors"
)

// Forwarding sysctls.
const (
	SysctlForwardIPv4 = "net.ipv4.ip_forward"
	SysctlForwardIPv6 = "net.ipv6.conf.all.forwarding"
)

// DefaultSystemController is the default RealSystemController instance.
var DefaultSystemController SystemController = &RealSystemController{}

// RealSystemController reads and writes /proc/sys.
type RealSystemController struct{}

func sysctlPath(path string) string {
	// dotted notation maps onto /proc/sys
	if !strings.HasPrefix(path, "/") {
		path = "/proc/sys/" + strings.ReplaceAll(path, ".", "/")
	}
	return path
}

// ReadSysctl reads a sysctl value.
func (r *RealSystemController) ReadSysctl(path string) (string, error) {
	data, err := os.ReadFile(sysctlPath(path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteSysctl writes a sysctl value.
func (r *RealSystemController) WriteSysctl(path, value string) error {
	return os.WriteFile(sysctlPath(path), []byte(value), 0644)
}

// IsNotExist checks if an error indicates that a file or directory does not exist.
func (r *RealSystemController) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}

// ReadSysctl reads a sysctl value through DefaultSystemController.
func ReadSysctl(path string) (string, error) {
	return DefaultSystemController.ReadSysctl(path)
}

// WriteSysctl writes a sysctl value through DefaultSystemController.
func WriteSysctl(path, value string) error {
	return DefaultSystemController.WriteSysctl(path, value)
}

// SetIPForwarding switches routing on or off. The IPv6 knob is only
// touched when ipv6 is set; a kernel without IPv6 is not an error.
func SetIPForwarding(sys SystemController, enable, ipv6 bool) error {
	if sys == nil {
		sys = DefaultSystemController
	}
	val := "0"
	if enable {
		val = "1"
	}
	if cur, err := sys.ReadSysctl(SysctlForwardIPv4); err != nil || cur != val {
		if err := sys.WriteSysctl(SysctlForwardIPv4, val); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "set %s", SysctlForwardIPv4)
		}
	}
	if !ipv6 {
		return nil
	}
	if err := sys.WriteSysctl(SysctlForwardIPv6, val); err != nil && !sys.IsNotExist(err) {
		return errors.Wrapf(err, errors.KindInternal, "set %s", SysctlForwardIPv6)
	}
	return nil
}
