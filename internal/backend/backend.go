// Package backend defines the "ask" interface the compiler uses to read policy
// objects from a persistent store, plus the file and SQLite implementations.
//
// A backend answers key/value questions about named objects:
//
//	values, err := b.Ask(ctx, backend.TypeHost, "pc1.lan.trusted", backend.KeyIPAddress, false)
//
// ErrNotFound is the "not found" answer. A found single value is returned as a
// one-element slice; multi-valued keys (INTERFACE, MEMBER, RULE, TCP ...)
// return every value in stored order.
package backend

import (
	"context"
	"strings"

	"grimm.is/rampart/internal/errors"
)

// ObjectType selects the namespace an object name lives in.
type ObjectType int

const (
	TypeZone ObjectType = iota + 1
	TypeNetwork
	TypeHost
	TypeGroup
	TypeInterface
	TypeService
	TypeServiceGroup
	TypeRules
)

var typeNames = map[ObjectType]string{
	TypeZone:         "zone",
	TypeNetwork:      "network",
	TypeHost:         "host",
	TypeGroup:        "group",
	TypeInterface:    "interface",
	TypeService:      "service",
	TypeServiceGroup: "servicegroup",
	TypeRules:        "rules",
}

func (t ObjectType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseObjectType is the inverse of ObjectType.String.
func ParseObjectType(s string) (ObjectType, bool) {
	for t, name := range typeNames {
		if name == strings.ToLower(s) {
			return t, true
		}
	}
	return 0, false
}

// Attribute keys.
const (
	KeyActive       = "ACTIVE"
	KeyComment      = "COMMENT"
	KeyIPAddress    = "IPADDRESS"
	KeyIPv6Address  = "IPV6ADDRESS"
	KeyMAC          = "MAC"
	KeyNetwork      = "NETWORK"
	KeyNetmask      = "NETMASK"
	KeyIPv6Network  = "IPV6NETWORK"
	KeyIPv6CIDR     = "IPV6CIDR"
	KeyInterface    = "INTERFACE"
	KeyMember       = "MEMBER"
	KeyRule         = "RULE"
	KeyDevice       = "DEVICE"
	KeyVirtual      = "VIRTUAL"
	KeyDynamic      = "DYNAMIC"
	KeyIPv6         = "IPV6"
	KeyShape        = "SHAPE"
	KeyBandwidthIn  = "BW_IN"
	KeyBandwidthOut = "BW_OUT"
	KeyTCP          = "TCP"
	KeyUDP          = "UDP"
	KeyICMP         = "ICMP"
	KeyICMPv6       = "ICMPV6"
	KeyProto        = "PROTO"
	KeyHelper       = "HELPER"
)

// RulesObject is the single object of TypeRules holding the ordered rule lines.
const RulesObject = "rules"

// ErrNotFound is returned when the object or the attribute does not exist.
var ErrNotFound = errors.New(errors.KindNotFound, "not found")

// Backend is the consumed "ask" interface.
type Backend interface {
	// Ask returns the values stored for key on the named object.
	Ask(ctx context.Context, typ ObjectType, name, key string, multi bool) ([]string, error)
	// List returns the object names of a type in stored order.
	List(ctx context.Context, typ ObjectType) ([]string, error)
	Close() error
}

// AskOne returns the single value for key, or "" when it is not set.
func AskOne(ctx context.Context, b Backend, typ ObjectType, name, key string) (string, error) {
	vals, err := b.Ask(ctx, typ, name, key, false)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(vals) == 0 {
		return "", nil
	}
	return vals[0], nil
}

// AskMulti returns every value for key, or nil when it is not set.
func AskMulti(ctx context.Context, b Backend, typ ObjectType, name, key string) ([]string, error) {
	vals, err := b.Ask(ctx, typ, name, key, true)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return vals, err
}

// AskBool interprets yes/no style values. Missing keys yield def.
func AskBool(ctx context.Context, b Backend, typ ObjectType, name, key string, def bool) (bool, error) {
	v, err := AskOne(ctx, b, typ, name, key)
	if err != nil || v == "" {
		return def, err
	}
	switch strings.ToLower(v) {
	case "yes", "true", "1", "on":
		return true, nil
	case "no", "false", "0", "off":
		return false, nil
	}
	return def, errors.Errorf(errors.KindValidation, "%s %s: %s=%q is not a boolean", typ, name, key, v)
}

// FormatBool renders a bool the way backends store it.
func FormatBool(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
