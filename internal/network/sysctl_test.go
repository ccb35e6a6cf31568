package network

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSysctlPath(t *testing.T) {
	assert.Equal(t, "/proc/sys/net/ipv4/ip_forward", sysctlPath("net.ipv4.ip_forward"))
	assert.Equal(t, "/tmp/x", sysctlPath("/tmp/x"))
}

func TestReadSysctl(t *testing.T) {
	mockSys := new(MockSystemController)
	originalController := DefaultSystemController
	DefaultSystemController = mockSys
	defer func() { DefaultSystemController = originalController }()

	mockSys.On("ReadSysctl", SysctlForwardIPv4).Return("1", nil).Once()
	val, err := ReadSysctl(SysctlForwardIPv4)
	assert.NoError(t, err)
	assert.Equal(t, "1", val)

	mockSys.On("WriteSysctl", SysctlForwardIPv4, "0").Return(errors.New("write error")).Once()
	assert.Error(t, WriteSysctl(SysctlForwardIPv4, "0"))

	mockSys.AssertExpectations(t)
}

func TestSetIPForwarding(t *testing.T) {
	t.Run("enable both", func(t *testing.T) {
		sys := new(MockSystemController)
		sys.On("ReadSysctl", SysctlForwardIPv4).Return("0", nil)
		sys.On("WriteSysctl", SysctlForwardIPv4, "1").Return(nil).Once()
		sys.On("WriteSysctl", SysctlForwardIPv6, "1").Return(nil).Once()

		require.NoError(t, SetIPForwarding(sys, true, true))
		sys.AssertExpectations(t)
	})

	t.Run("already set", func(t *testing.T) {
		sys := new(MockSystemController)
		sys.On("ReadSysctl", SysctlForwardIPv4).Return("0", nil)

		require.NoError(t, SetIPForwarding(sys, false, false))
		sys.AssertNotCalled(t, "WriteSysctl", SysctlForwardIPv4, "0")
	})

	t.Run("no ipv6 in kernel", func(t *testing.T) {
		sys := new(MockSystemController)
		sys.On("ReadSysctl", SysctlForwardIPv4).Return("1", nil)
		sys.On("WriteSysctl", SysctlForwardIPv6, "1").Return(os.ErrNotExist)
		sys.On("IsNotExist", os.ErrNotExist).Return(true)

		require.NoError(t, SetIPForwarding(sys, true, true))
	})

	t.Run("write fails", func(t *testing.T) {
		sys := new(MockSystemController)
		sys.On("ReadSysctl", SysctlForwardIPv4).Return("", errors.New("denied"))
		sys.On("WriteSysctl", SysctlForwardIPv4, "1").Return(errors.New("denied"))

		assert.Error(t, SetIPForwarding(sys, true, false))
	})
}
