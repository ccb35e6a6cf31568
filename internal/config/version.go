package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SupportedVersions lists the schema versions this build can read.
var SupportedVersions = []string{"1.0"}

// SchemaVersion represents a semantic version for config schemas.
type SchemaVersion struct {
	Major int
	Minor int
}

// ParseVersion parses a version string like "1.0". Empty means 1.0.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}, nil
	}

	majorS, minorS, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minorS, ".") {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	major, err := strconv.Atoi(majorS)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", majorS)
	}
	minor, err := strconv.Atoi(minorS)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", minorS)
	}
	return SchemaVersion{Major: major, Minor: minor}, nil
}

// String returns the version as "X.Y".
func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsSupportedVersion reports whether v can be loaded.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, s := range SupportedVersions {
		if sv, err := ParseVersion(s); err == nil && sv == v {
			return true
		}
	}
	return false
}
