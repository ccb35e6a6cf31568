package brand

import (
	"path/filepath"
	"testing"
)

func TestGet(t *testing.T) {
	b := Get()
	if b.Name == "" {
		t.Error("Brand name should not be empty")
	}
	if Version == "" {
		t.Error("Global Version should be initialized (to dev default)")
	}
	if LowerName != "rampart" {
		t.Errorf("LowerName = %q, want rampart", LowerName)
	}
	if ChainPrefix == "" || LogPrefix == "" {
		t.Error("chain and log prefixes must be set")
	}
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_TEMP_DIR", "")

	if got := GetConfigDir(); got != DefaultConfigDir {
		t.Errorf("GetConfigDir() = %q, want %q", got, DefaultConfigDir)
	}
	if got := GetTempDir(); got != DefaultTempDir {
		t.Errorf("GetTempDir() = %q, want %q", got, DefaultTempDir)
	}

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/rampart")
	if got := GetTempDir(); got != filepath.Join("/opt/rampart", "tmp") {
		t.Errorf("GetTempDir() with prefix = %q", got)
	}

	t.Setenv(ConfigEnvPrefix+"_TEMP_DIR", "/run/rampart-tmp")
	if got := GetTempDir(); got != "/run/rampart-tmp" {
		t.Errorf("GetTempDir() with override = %q", got)
	}
	if got := GetPIDFile(); got != filepath.Join("/opt/rampart", "run", "rampart.pid") {
		t.Errorf("GetPIDFile() = %q", got)
	}
}
