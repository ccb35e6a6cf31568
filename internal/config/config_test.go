package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/errors"
)

const sampleHCL = `
schema_version  = "1.0"
ipv6            = true
forwarding      = false
temp_dir        = "/var/tmp/rampart"
keep_temp_files = true

tools {
  iptables_restore = "/usr/sbin/iptables-restore"
}

backend {
  type = "sqlite"
  path = "/var/lib/rampart/policy.db"
}

logging {
  level   = "debug"
  invalid = true
  limit   = 5
  policy  = false

  syslog {
    host = "10.0.0.9"
  }
}

protect {
  syn_limit    = 25
  stealth_scan = false
  reject_type  = "tcp-reset"
}

blocklist {
  addresses = ["192.0.2.1", "198.51.100.0/24", "2001:db8::/32"]
}

metrics {
  textfile = "/var/lib/node_exporter/rampart.prom"
}

daemon {
  watch = true
}
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "rampart.hcl")
	require.NoError(t, err)

	assert.True(t, cfg.IPv6)
	assert.False(t, cfg.ForwardingEnabled())
	assert.Equal(t, "/var/tmp/rampart", cfg.TempDir)
	assert.True(t, cfg.KeepTempFiles)
	assert.Equal(t, LoadModeBulk, cfg.LoadMode)

	assert.Equal(t, "/usr/sbin/iptables-restore", cfg.Tools.IPTablesRestore)
	assert.Equal(t, "/sbin/tc", cfg.Tools.TC, "unset tools get defaults")

	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Logging.Limit)
	assert.Equal(t, 10, cfg.Logging.Burst)
	assert.False(t, cfg.Logging.LogPolicy())
	assert.True(t, cfg.Logging.LogBlocklist())
	require.NotNil(t, cfg.Logging.Syslog)
	assert.Equal(t, "10.0.0.9", cfg.Logging.Syslog.Host)

	assert.Equal(t, 25, cfg.Protect.SynLimit)
	assert.Equal(t, 15, cfg.Protect.UDPLimit)
	assert.False(t, cfg.Protect.StealthScanEnabled())
	assert.True(t, cfg.Protect.DropInvalidEnabled())
	assert.Equal(t, "tcp-reset", cfg.Protect.RejectType)

	assert.Len(t, cfg.Blocklist.Addresses, 3)
	assert.True(t, cfg.Daemon.Watch)
	assert.NotEmpty(t, cfg.Daemon.PIDFile)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	assert.True(t, cfg.ForwardingEnabled())
	assert.Equal(t, "file", cfg.Backend.Type)
	assert.True(t, strings.HasSuffix(cfg.Backend.Path, "policy.hcl"))
	assert.Equal(t, "/sbin/iptables-restore", cfg.Tools.IPTablesRestore)
	assert.Equal(t, "icmp-port-unreachable", cfg.Protect.RejectType)
	assert.Empty(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
	}{
		{"syntax", `ipv6 = `},
		{"unknown attribute", `colour = "red"`},
		{"version", `schema_version = "9.0"`},
		{"bad version", `schema_version = "one"`},
		{"load mode", `load_mode = "sometimes"`},
		{"backend", "backend {\n type = \"ldap\"\n}"},
		{"level", "logging {\n level = \"loud\"\n}"},
		{"reject", "protect {\n reject_type = \"politely\"\n}"},
		{"blocklist", "blocklist {\n addresses = [\"not.an.ip\"]\n}"},
		{"syslog", "logging {\n syslog {\n host = \"\"\n }\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidation), err.Error())
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	hclPath := filepath.Join(dir, "rampart.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(sampleHCL), 0o644))
	cfg, err := LoadFile(hclPath)
	require.NoError(t, err)
	assert.True(t, cfg.IPv6)

	jsonPath := filepath.Join(dir, "rampart.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"ipv6": true, "backend": {"type": "file", "path": "/tmp/p.yaml"}}`), 0o644))
	cfg, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, cfg.IPv6)
	assert.Equal(t, "/tmp/p.yaml", cfg.Backend.Path)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	cfg, err = LoadOrDefault(filepath.Join(dir, "missing.hcl"))
	require.NoError(t, err)
	assert.Equal(t, LoadModeBulk, cfg.LoadMode)
}

func TestGenerateHCLRoundTrip(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "rampart.hcl")
	require.NoError(t, err)

	out := GenerateHCL(cfg)
	assert.Contains(t, string(out), "backend {")

	again, err := LoadHCL(out, "generated.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v.String())

	_, err = ParseVersion("1.2.3")
	assert.Error(t, err)

	assert.True(t, IsSupportedVersion(SchemaVersion{Major: 1}))
	assert.False(t, IsSupportedVersion(SchemaVersion{Major: 2}))
}
