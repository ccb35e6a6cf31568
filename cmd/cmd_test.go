package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	rerrors "grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/network"
	"grimm.is/rampart/internal/resolve"
)

const testPolicy = `
interface "lan" {
  device = "eth1"
  ip     = "192.168.1.1"
}
interface "wan" {
  device = "eth0"
  ip     = "203.0.113.2"
}

zone "trusted" {
  network "lan" {
    network    = "192.168.1.0"
    netmask    = "255.255.255.0"
    interfaces = ["lan"]
  }
}

zone "internet" {
  network "inet" {
    network    = "0.0.0.0"
    netmask    = "0.0.0.0"
    interfaces = ["wan"]
  }
}

service "ssh" { tcp = ["22"] }

rules = [
  "accept service ssh from lan.trusted to firewall",
]
`

// stubKernel replaces every system seam and restores it after the test.
func stubKernel(t *testing.T) (*firewall.MockCommandRunner, *network.MockSystemController) {
	t.Helper()
	r := &firewall.MockCommandRunner{}
	s := &network.MockSystemController{}

	oldIPT, oldNL, oldSys, oldRunner := newIPTables, netlinker, sysctl, runner
	newIPTables = func(v resolve.Family, timeout int) (firewall.IPTables, error) {
		return nil, errors.New("no iptables in tests")
	}
	netlinker = nil
	sysctl = s
	runner = r
	t.Cleanup(func() {
		newIPTables, netlinker, sysctl, runner = oldIPT, oldNL, oldSys, oldRunner
	})
	return r, s
}

// writeConfig writes a config and policy pair and returns options for it.
func writeConfig(t *testing.T, policy string) (Options, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.hcl")
	require.NoError(t, os.WriteFile(policyPath, []byte(policy), 0o600))

	cfg := fmt.Sprintf(`
temp_dir = %q

backend {
  type = "file"
  path = %q
}

logging {
  level = "error"
}
`, filepath.Join(dir, "tmp"), policyPath)
	cfgPath := filepath.Join(dir, "rampart.hcl")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out := &bytes.Buffer{}
	return Options{ConfigFile: cfgPath, SkipChecks: true, Out: out}, out
}

func TestRunCheck(t *testing.T) {
	stubKernel(t)
	opts, out := writeConfig(t, testPolicy)

	require.NoError(t, RunCheck(context.Background(), opts))
	assert.Contains(t, out.String(), "Policy valid:")
	assert.Contains(t, out.String(), "FAMILY")
	assert.Contains(t, out.String(), "ipv4")
	assert.Contains(t, out.String(), "filter")
}

func TestRunCheckInvalidConfig(t *testing.T) {
	stubKernel(t)
	opts, _ := writeConfig(t, testPolicy)
	require.NoError(t, os.WriteFile(opts.ConfigFile, []byte("backend {\n  # missing brace\n"), 0o600))

	err := RunCheck(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, rerrors.KindValidation, rerrors.GetKind(err))
}

func TestRunCheckMissingPolicy(t *testing.T) {
	stubKernel(t)
	opts, _ := writeConfig(t, testPolicy)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(opts.ConfigFile), "policy.hcl")))

	err := RunCheck(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, rerrors.KindNotFound, rerrors.GetKind(err))
}

func TestRunDump(t *testing.T) {
	stubKernel(t)
	opts, out := writeConfig(t, testPolicy)

	require.NoError(t, RunDump(context.Background(), opts))
	assert.Contains(t, out.String(), "#!/bin/sh\n")
	assert.Contains(t, out.String(), "/sbin/iptables -t filter -A INPUT -i lo -j ACCEPT\n")
	assert.Contains(t, out.String(), "/sbin/iptables -t filter -N ACC-eth1 2>/dev/null\n")
	assert.Contains(t, out.String(), "--dport 22 ")
}

func TestRunApplyBashDumps(t *testing.T) {
	r, _ := stubKernel(t)
	opts, out := writeConfig(t, testPolicy)
	opts.Bash = true

	require.NoError(t, RunApply(context.Background(), opts))
	assert.Contains(t, out.String(), "#!/bin/sh\n")
	r.AssertNotCalled(t, "RunFiles", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunApply(t *testing.T) {
	r, s := stubKernel(t)
	r.On("RunFiles", mock.Anything, mock.Anything, "/sbin/iptables-restore", "--counters", "--noflush").Return(nil)
	s.On("ReadSysctl", network.SysctlForwardIPv4).Return("1", nil)
	opts, out := writeConfig(t, testPolicy)

	require.NoError(t, RunApply(context.Background(), opts))
	assert.Contains(t, out.String(), "Applied ")
	r.AssertExpectations(t)
	s.AssertNotCalled(t, "WriteSysctl", mock.Anything, mock.Anything)
}

func TestRunApplyFailure(t *testing.T) {
	r, _ := stubKernel(t)
	r.On("RunFiles", mock.Anything, mock.Anything, "/sbin/iptables-restore", "--counters", "--noflush").
		Return(errors.New("exit status 1"))
	opts, _ := writeConfig(t, testPolicy)

	err := RunApply(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, rerrors.KindSubprocess, rerrors.GetKind(err))
}

func TestRunDiff(t *testing.T) {
	r, _ := stubKernel(t)
	r.On("Output", "/sbin/iptables-save").Return([]byte("*filter\n:INPUT ACCEPT [0:0]\nCOMMIT\n"), nil)
	opts, out := writeConfig(t, testPolicy)

	require.NoError(t, RunDiff(context.Background(), opts))
	assert.Contains(t, out.String(), "--- live/ipv4")
	assert.Contains(t, out.String(), "+++ generated/ipv4")
	assert.Contains(t, out.String(), "+-A INPUT -i lo -j ACCEPT")
}

func TestRunClear(t *testing.T) {
	r, _ := stubKernel(t)
	r.On("RunFiles", mock.Anything, mock.Anything, "/sbin/iptables-restore", "--counters").Return(nil)
	opts, out := writeConfig(t, testPolicy)

	require.NoError(t, RunClear(context.Background(), opts, false))
	assert.Contains(t, out.String(), "Filter table cleared")
	r.AssertExpectations(t)
}

func TestWatchFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "rampart.hcl")
	pol := filepath.Join(dir, "policy.hcl")

	w, names, err := watchFiles(cfg, pol, "")
	require.NoError(t, err)
	defer w.Close()
	assert.Len(t, names, 2)

	assert.True(t, relevant(fsnotify.Event{Name: pol, Op: fsnotify.Write}, names))
	assert.True(t, relevant(fsnotify.Event{Name: cfg, Op: fsnotify.Create}, names))
	assert.False(t, relevant(fsnotify.Event{Name: pol, Op: fsnotify.Chmod}, names))
	assert.False(t, relevant(fsnotify.Event{Name: filepath.Join(dir, "other"), Op: fsnotify.Write}, names))
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "rampart.pid")
	_, ok := runningPID(path)
	assert.False(t, ok)

	require.NoError(t, writePIDFile(path))
	pid, ok := runningPID(path)
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, ok = runningPID(path)
	assert.False(t, ok)
}

func TestRunConfig(t *testing.T) {
	opts, out := writeConfig(t, testPolicy)

	require.NoError(t, RunConfig(context.Background(), opts))
	assert.Contains(t, out.String(), "backend {")
	assert.Contains(t, out.String(), `"/sbin/iptables-restore"`)
}

func TestRunImport(t *testing.T) {
	opts, out := writeConfig(t, testPolicy)
	src := filepath.Join(filepath.Dir(opts.ConfigFile), "policy.hcl")
	dst := filepath.Join(t.TempDir(), "policy.db")

	require.NoError(t, RunImport(context.Background(), opts, src, dst))
	assert.Contains(t, out.String(), "Imported ")
	assert.Contains(t, out.String(), "interface")
	assert.FileExists(t, dst)
}

func TestRunImportNeedsSQLiteBackend(t *testing.T) {
	opts, _ := writeConfig(t, testPolicy)
	src := filepath.Join(filepath.Dir(opts.ConfigFile), "policy.hcl")

	err := RunImport(context.Background(), opts, src, "")
	require.Error(t, err)
	assert.Equal(t, rerrors.KindValidation, rerrors.GetKind(err))
}
