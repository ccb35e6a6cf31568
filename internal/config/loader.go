package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"grimm.is/rampart/internal/errors"
)

// LoadFile loads an HCL (or HCL-JSON for .json) config file, applies
// defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(data, path)
	}
	return LoadHCL(data, path)
}

// LoadHCL loads config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "HCL parse error: %s", diags.Error())
	}
	return decode(file)
}

// LoadJSON loads config from HCL-flavoured JSON bytes.
func LoadJSON(data []byte, filename string) (*Config, error) {
	file, diags := hclparse.NewParser().ParseJSON(data, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "JSON parse error: %s", diags.Error())
	}
	return decode(file)
}

func decode(file *hcl.File) (*Config, error) {
	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "HCL decode error: %s", diags.Error())
	}

	version, err := ParseVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid schema version")
	}
	if !IsSupportedVersion(version) {
		return nil, errors.Errorf(errors.KindValidation, "unsupported config schema version %s (supported: %v)",
			version, SupportedVersions)
	}

	cfg.ApplyDefaults()
	if verrs := cfg.Validate(); verrs.HasErrors() {
		return nil, errors.Wrap(verrs, errors.KindValidation, "invalid configuration")
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadFile(path)
}

// GenerateHCL renders cfg back into HCL, used by `rampart config`.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes())
}
