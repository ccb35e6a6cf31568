package config

import (
	"path/filepath"

	"grimm.is/rampart/internal/brand"
)

// CurrentSchemaVersion is the latest config schema version.
const CurrentSchemaVersion = "1.0"

// Load modes.
const (
	LoadModeBulk      = "bulk"
	LoadModeImmediate = "immediate"
)

// Config is the top-level program configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	IPv6          bool   `hcl:"ipv6,optional" json:"ipv6,omitempty"`
	Forwarding    *bool  `hcl:"forwarding,optional" json:"forwarding,omitempty"`
	TempDir       string `hcl:"temp_dir,optional" json:"temp_dir,omitempty"`
	KeepTempFiles bool   `hcl:"keep_temp_files,optional" json:"keep_temp_files,omitempty"`
	// LoadMode is "bulk" (iptables-restore) or "immediate" (one call per rule).
	LoadMode string `hcl:"load_mode,optional" json:"load_mode,omitempty"`

	Tools     *Tools     `hcl:"tools,block" json:"tools,omitempty"`
	Backend   *Backend   `hcl:"backend,block" json:"backend,omitempty"`
	Logging   *Logging   `hcl:"logging,block" json:"logging,omitempty"`
	Protect   *Protect   `hcl:"protect,block" json:"protect,omitempty"`
	Blocklist *Blocklist `hcl:"blocklist,block" json:"blocklist,omitempty"`
	Metrics   *Metrics   `hcl:"metrics,block" json:"metrics,omitempty"`
	Daemon    *Daemon    `hcl:"daemon,block" json:"daemon,omitempty"`
}

// Tools locates the external programs.
type Tools struct {
	IPTables         string `hcl:"iptables,optional" json:"iptables,omitempty"`
	IPTablesRestore  string `hcl:"iptables_restore,optional" json:"iptables_restore,omitempty"`
	IPTablesSave     string `hcl:"iptables_save,optional" json:"iptables_save,omitempty"`
	IP6Tables        string `hcl:"ip6tables,optional" json:"ip6tables,omitempty"`
	IP6TablesRestore string `hcl:"ip6tables_restore,optional" json:"ip6tables_restore,omitempty"`
	IP6TablesSave    string `hcl:"ip6tables_save,optional" json:"ip6tables_save,omitempty"`
	TC               string `hcl:"tc,optional" json:"tc,omitempty"`
	Shell            string `hcl:"shell,optional" json:"shell,omitempty"`
}

// Backend selects the policy store.
type Backend struct {
	Type string `hcl:"type,optional" json:"type,omitempty"` // file, sqlite
	Path string `hcl:"path,optional" json:"path,omitempty"`
}

// Logging controls both the program's own log and the LOG rules it emits.
type Logging struct {
	Level  string  `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool    `hcl:"json,optional" json:"json,omitempty"`
	Syslog *Syslog `hcl:"syslog,block" json:"syslog,omitempty"`

	// Prefix starts every LOG prefix.
	Prefix string `hcl:"prefix,optional" json:"prefix,omitempty"`
	// Limit and Burst bound LOG rules per second; 0 disables the limit.
	Limit int `hcl:"limit,optional" json:"limit,omitempty"`
	Burst int `hcl:"burst,optional" json:"burst,omitempty"`
	// NFLog uses NFLOG instead of LOG for log rules.
	NFLog      bool `hcl:"nflog,optional" json:"nflog,omitempty"`
	NFLogGroup int  `hcl:"nflog_group,optional" json:"nflog_group,omitempty"`

	Policy    *bool `hcl:"policy,optional" json:"policy,omitempty"`
	Invalid   bool  `hcl:"invalid,optional" json:"invalid,omitempty"`
	Blocklist *bool `hcl:"blocklist,optional" json:"blocklist,omitempty"`
}

// Syslog forwards the program log to a remote collector.
type Syslog struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
}

// Protect holds the global protections emitted as pre-rules.
type Protect struct {
	SynLimit    int   `hcl:"syn_limit,optional" json:"syn_limit,omitempty"`
	SynBurst    int   `hcl:"syn_burst,optional" json:"syn_burst,omitempty"`
	UDPLimit    int   `hcl:"udp_limit,optional" json:"udp_limit,omitempty"`
	UDPBurst    int   `hcl:"udp_burst,optional" json:"udp_burst,omitempty"`
	StealthScan *bool `hcl:"stealth_scan,optional" json:"stealth_scan,omitempty"`
	DropInvalid *bool `hcl:"drop_invalid,optional" json:"drop_invalid,omitempty"`
	// RejectType is used for REJECT rules without their own type.
	RejectType string `hcl:"reject_type,optional" json:"reject_type,omitempty"`
}

// Blocklist lists addresses dropped before any policy rule.
type Blocklist struct {
	Addresses []string `hcl:"addresses,optional" json:"addresses,omitempty"`
	Files     []string `hcl:"files,optional" json:"files,omitempty"`
}

// Metrics configures the node-exporter textfile output.
type Metrics struct {
	Textfile string `hcl:"textfile,optional" json:"textfile,omitempty"`
}

// Daemon configures `rampart daemon`.
type Daemon struct {
	Watch   bool   `hcl:"watch,optional" json:"watch,omitempty"`
	PIDFile string `hcl:"pid_file,optional" json:"pid_file,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

func boolPtr(v bool) *bool { return &v }

func orBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Forwarding == nil {
		c.Forwarding = boolPtr(true)
	}
	if c.TempDir == "" {
		c.TempDir = brand.GetTempDir()
	}
	if c.LoadMode == "" {
		c.LoadMode = LoadModeBulk
	}

	if c.Tools == nil {
		c.Tools = &Tools{}
	}
	t := c.Tools
	setDefault(&t.IPTables, "/sbin/iptables")
	setDefault(&t.IPTablesRestore, "/sbin/iptables-restore")
	setDefault(&t.IPTablesSave, "/sbin/iptables-save")
	setDefault(&t.IP6Tables, "/sbin/ip6tables")
	setDefault(&t.IP6TablesRestore, "/sbin/ip6tables-restore")
	setDefault(&t.IP6TablesSave, "/sbin/ip6tables-save")
	setDefault(&t.TC, "/sbin/tc")
	setDefault(&t.Shell, "/bin/sh")

	if c.Backend == nil {
		c.Backend = &Backend{}
	}
	setDefault(&c.Backend.Type, "file")
	setDefault(&c.Backend.Path, filepath.Join(brand.GetConfigDir(), brand.PolicyFileName))

	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	l := c.Logging
	setDefault(&l.Level, "info")
	setDefault(&l.Prefix, brand.LogPrefix)
	if l.Limit == 0 {
		l.Limit = 20
	}
	if l.Burst == 0 {
		l.Burst = 2 * l.Limit
	}
	if l.Policy == nil {
		l.Policy = boolPtr(true)
	}
	if l.Blocklist == nil {
		l.Blocklist = boolPtr(true)
	}

	if c.Protect == nil {
		c.Protect = &Protect{}
	}
	p := c.Protect
	if p.SynLimit == 0 {
		p.SynLimit = 10
	}
	if p.SynBurst == 0 {
		p.SynBurst = 20
	}
	if p.UDPLimit == 0 {
		p.UDPLimit = 15
	}
	if p.UDPBurst == 0 {
		p.UDPBurst = 45
	}
	if p.StealthScan == nil {
		p.StealthScan = boolPtr(true)
	}
	if p.DropInvalid == nil {
		p.DropInvalid = boolPtr(true)
	}
	setDefault(&p.RejectType, "icmp-port-unreachable")

	if c.Blocklist == nil {
		c.Blocklist = &Blocklist{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Daemon == nil {
		c.Daemon = &Daemon{}
	}
	setDefault(&c.Daemon.PIDFile, brand.GetPIDFile())
}

func setDefault(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// ForwardingEnabled reports whether IP forwarding is switched on after a load.
func (c *Config) ForwardingEnabled() bool { return orBool(c.Forwarding, true) }

// LogPolicy reports whether packets hitting a chain policy are logged.
func (l *Logging) LogPolicy() bool { return orBool(l.Policy, true) }

// LogBlocklist reports whether blocklisted packets are logged.
func (l *Logging) LogBlocklist() bool { return orBool(l.Blocklist, true) }

// StealthScanEnabled reports whether the scan-flag drops are emitted.
func (p *Protect) StealthScanEnabled() bool { return orBool(p.StealthScan, true) }

// DropInvalidEnabled reports whether conntrack INVALID packets are dropped.
func (p *Protect) DropInvalidEnabled() bool { return orBool(p.DropInvalid, true) }
