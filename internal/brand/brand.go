// Package brand provides centralized branding constants.
//
// The identity is loaded from brand.json at compile time via go:embed so that
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultLogDir    string `json:"defaultLogDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	DefaultTempDir   string `json:"defaultTempDir"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	PolicyFileName   string `json:"policyFileName"`
	ChainPrefix      string `json:"chainPrefix"`
	LogPrefix        string `json:"logPrefix"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Vendor = b.Vendor
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultLogDir = b.DefaultLogDir
	DefaultRunDir = b.DefaultRunDir
	DefaultTempDir = b.DefaultTempDir
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	PolicyFileName = b.PolicyFileName
	ChainPrefix = b.ChainPrefix
	LogPrefix = b.LogPrefix
}

var (
	Name             string
	LowerName        string
	Vendor           string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultLogDir    string
	DefaultRunDir    string
	DefaultTempDir   string
	BinaryName       string
	ConfigFileName   string
	PolicyFileName   string
	ChainPrefix      string
	LogPrefix        string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// VersionString returns "<name> <version> (<commit>)".
func VersionString() string {
	return Name + " " + Version + " (" + GitCommit + ")"
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: RAMPART_CONFIG_DIR > RAMPART_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return dirFromEnv("_CONFIG_DIR", "config", DefaultConfigDir)
}

// GetStateDir returns the state directory, checking env vars first.
func GetStateDir() string {
	return dirFromEnv("_STATE_DIR", "state", DefaultStateDir)
}

// GetTempDir returns the directory for ruleset files and their result logs.
func GetTempDir() string {
	return dirFromEnv("_TEMP_DIR", "tmp", DefaultTempDir)
}

// GetRunDir returns the runtime directory for PID files.
func GetRunDir() string {
	return dirFromEnv("_RUN_DIR", "run", DefaultRunDir)
}

// GetPIDFile returns the daemon PID file path.
func GetPIDFile() string {
	return filepath.Join(GetRunDir(), LowerName+".pid")
}

func dirFromEnv(suffix, sub, fallback string) string {
	if dir := os.Getenv(ConfigEnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return fallback
}
