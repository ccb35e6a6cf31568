package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk policy layout. The same structure is read from
// HCL, HCL-JSON or YAML.
//
//	interface "lan" { device = "eth1"  ip = "192.168.1.1" }
//	zone "trusted" {
//	  network "lan" {
//	    network    = "192.168.1.0"
//	    netmask    = "255.255.255.0"
//	    interfaces = ["lan"]
//	    host "pc1" { ip = "192.168.1.10" }
//	  }
//	}
//	service "ssh" { tcp = ["1024:65535;22"] }
//	rules = ["accept service ssh from pc1.lan.trusted to firewall"]
type Document struct {
	Interfaces    []InterfaceDoc    `hcl:"interface,block" yaml:"interfaces"`
	Zones         []ZoneDoc         `hcl:"zone,block" yaml:"zones"`
	Services      []ServiceDoc      `hcl:"service,block" yaml:"services"`
	ServiceGroups []ServiceGroupDoc `hcl:"servicegroup,block" yaml:"servicegroups"`
	Rules         []string          `hcl:"rules,optional" yaml:"rules"`
}

// InterfaceDoc describes one firewall interface.
type InterfaceDoc struct {
	Name         string   `hcl:"name,label" yaml:"name"`
	Active       *bool    `hcl:"active,optional" yaml:"active"`
	Device       string   `hcl:"device" yaml:"device"`
	IP           string   `hcl:"ip,optional" yaml:"ip"`
	IPv6         string   `hcl:"ipv6,optional" yaml:"ipv6"`
	IPv6Enabled  *bool    `hcl:"ipv6_enabled,optional" yaml:"ipv6_enabled"`
	Virtual      bool     `hcl:"virtual,optional" yaml:"virtual"`
	Dynamic      bool     `hcl:"dynamic,optional" yaml:"dynamic"`
	Shape        bool     `hcl:"shape,optional" yaml:"shape"`
	BandwidthIn  string   `hcl:"bw_in,optional" yaml:"bw_in"`
	BandwidthOut string   `hcl:"bw_out,optional" yaml:"bw_out"`
	Protect      []string `hcl:"protect,optional" yaml:"protect"`
	Comment      string   `hcl:"comment,optional" yaml:"comment"`
}

// ZoneDoc groups networks.
type ZoneDoc struct {
	Name     string       `hcl:"name,label" yaml:"name"`
	Active   *bool        `hcl:"active,optional" yaml:"active"`
	Comment  string       `hcl:"comment,optional" yaml:"comment"`
	Networks []NetworkDoc `hcl:"network,block" yaml:"networks"`
}

// NetworkDoc is an address range reachable through a list of interfaces.
type NetworkDoc struct {
	Name        string     `hcl:"name,label" yaml:"name"`
	Active      *bool      `hcl:"active,optional" yaml:"active"`
	Network     string     `hcl:"network" yaml:"network"`
	Netmask     string     `hcl:"netmask" yaml:"netmask"`
	IPv6Network string     `hcl:"ipv6_network,optional" yaml:"ipv6_network"`
	IPv6CIDR    int        `hcl:"ipv6_cidr,optional" yaml:"ipv6_cidr"`
	Interfaces  []string   `hcl:"interfaces,optional" yaml:"interfaces"`
	Protect     []string   `hcl:"protect,optional" yaml:"protect"`
	Comment     string     `hcl:"comment,optional" yaml:"comment"`
	Hosts       []HostDoc  `hcl:"host,block" yaml:"hosts"`
	Groups      []GroupDoc `hcl:"group,block" yaml:"groups"`
}

// HostDoc is a single address inside a network.
type HostDoc struct {
	Name    string `hcl:"name,label" yaml:"name"`
	Active  *bool  `hcl:"active,optional" yaml:"active"`
	IP      string `hcl:"ip,optional" yaml:"ip"`
	IPv6    string `hcl:"ipv6,optional" yaml:"ipv6"`
	MAC     string `hcl:"mac,optional" yaml:"mac"`
	Comment string `hcl:"comment,optional" yaml:"comment"`
}

// GroupDoc is a named set of hosts of the same network.
type GroupDoc struct {
	Name    string   `hcl:"name,label" yaml:"name"`
	Active  *bool    `hcl:"active,optional" yaml:"active"`
	Members []string `hcl:"members" yaml:"members"`
	Comment string   `hcl:"comment,optional" yaml:"comment"`
}

// ServiceDoc is a named protocol/port specification.
//
// tcp and udp entries are "<sport>;<dport>" where either side is a port, a
// low:high range or "*". icmp entries are "<type>[:<code>]".
type ServiceDoc struct {
	Name    string   `hcl:"name,label" yaml:"name"`
	Active  *bool    `hcl:"active,optional" yaml:"active"`
	TCP     []string `hcl:"tcp,optional" yaml:"tcp"`
	UDP     []string `hcl:"udp,optional" yaml:"udp"`
	ICMP    []string `hcl:"icmp,optional" yaml:"icmp"`
	ICMPv6  []string `hcl:"icmpv6,optional" yaml:"icmpv6"`
	Proto   []string `hcl:"proto,optional" yaml:"proto"`
	Helper  string   `hcl:"helper,optional" yaml:"helper"`
	Comment string   `hcl:"comment,optional" yaml:"comment"`
}

// ServiceGroupDoc bundles services.
type ServiceGroupDoc struct {
	Name    string   `hcl:"name,label" yaml:"name"`
	Active  *bool    `hcl:"active,optional" yaml:"active"`
	Members []string `hcl:"members" yaml:"members"`
}

// FileBackend serves a policy document loaded from disk.
type FileBackend struct {
	*MemoryBackend
	Path string
}

// OpenFile parses a policy file. The format follows the extension:
// .hcl, .json (HCL JSON syntax), .yaml or .yml.
func OpenFile(path string) (*FileBackend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	doc, err := ParseDocument(data, path)
	if err != nil {
		return nil, err
	}
	return &FileBackend{MemoryBackend: doc.Backend(), Path: path}, nil
}

// ParseDocument decodes policy bytes; filename selects the syntax.
func ParseDocument(data []byte, filename string) (*Document, error) {
	var doc Document

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("YAML parse error: %w", err)
		}
		return &doc, nil
	}

	parser := hclparse.NewParser()
	parse := parser.ParseHCL
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		parse = parser.ParseJSON
	}
	file, diags := parse(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return &doc, nil
}

func active(p *bool) string {
	return FormatBool(p == nil || *p)
}

// Backend flattens the document into a key/value store using the fully
// qualified names host.network.zone, group.network.zone and network.zone.
func (d *Document) Backend() *MemoryBackend {
	m := NewMemoryBackend()

	for _, ifc := range d.Interfaces {
		m.Set(TypeInterface, ifc.Name, KeyActive, active(ifc.Active))
		m.Set(TypeInterface, ifc.Name, KeyDevice, ifc.Device)
		m.Set(TypeInterface, ifc.Name, KeyIPAddress, ifc.IP)
		m.Set(TypeInterface, ifc.Name, KeyIPv6Address, ifc.IPv6)
		if ifc.IPv6Enabled != nil {
			m.Set(TypeInterface, ifc.Name, KeyIPv6, FormatBool(*ifc.IPv6Enabled))
		}
		m.Set(TypeInterface, ifc.Name, KeyVirtual, FormatBool(ifc.Virtual))
		m.Set(TypeInterface, ifc.Name, KeyDynamic, FormatBool(ifc.Dynamic))
		m.Set(TypeInterface, ifc.Name, KeyShape, FormatBool(ifc.Shape))
		m.Set(TypeInterface, ifc.Name, KeyBandwidthIn, ifc.BandwidthIn)
		m.Set(TypeInterface, ifc.Name, KeyBandwidthOut, ifc.BandwidthOut)
		m.Set(TypeInterface, ifc.Name, KeyRule, ifc.Protect...)
		m.Set(TypeInterface, ifc.Name, KeyComment, ifc.Comment)
	}

	for _, z := range d.Zones {
		m.Set(TypeZone, z.Name, KeyActive, active(z.Active))
		m.Set(TypeZone, z.Name, KeyComment, z.Comment)

		for _, n := range z.Networks {
			netName := n.Name + "." + z.Name
			m.Set(TypeNetwork, netName, KeyActive, active(n.Active))
			m.Set(TypeNetwork, netName, KeyNetwork, n.Network)
			m.Set(TypeNetwork, netName, KeyNetmask, n.Netmask)
			m.Set(TypeNetwork, netName, KeyIPv6Network, n.IPv6Network)
			if n.IPv6CIDR > 0 {
				m.Set(TypeNetwork, netName, KeyIPv6CIDR, strconv.Itoa(n.IPv6CIDR))
			}
			m.Set(TypeNetwork, netName, KeyInterface, n.Interfaces...)
			m.Set(TypeNetwork, netName, KeyRule, n.Protect...)
			m.Set(TypeNetwork, netName, KeyComment, n.Comment)

			for _, h := range n.Hosts {
				hostName := h.Name + "." + netName
				m.Set(TypeHost, hostName, KeyActive, active(h.Active))
				m.Set(TypeHost, hostName, KeyIPAddress, h.IP)
				m.Set(TypeHost, hostName, KeyIPv6Address, h.IPv6)
				m.Set(TypeHost, hostName, KeyMAC, h.MAC)
				m.Set(TypeHost, hostName, KeyComment, h.Comment)
			}
			for _, g := range n.Groups {
				groupName := g.Name + "." + netName
				members := make([]string, 0, len(g.Members))
				for _, mem := range g.Members {
					if !strings.Contains(mem, ".") {
						mem = mem + "." + netName
					}
					members = append(members, mem)
				}
				m.Set(TypeGroup, groupName, KeyActive, active(g.Active))
				m.Set(TypeGroup, groupName, KeyMember, members...)
				m.Set(TypeGroup, groupName, KeyComment, g.Comment)
			}
		}
	}

	for _, s := range d.Services {
		m.Set(TypeService, s.Name, KeyActive, active(s.Active))
		m.Set(TypeService, s.Name, KeyTCP, s.TCP...)
		m.Set(TypeService, s.Name, KeyUDP, s.UDP...)
		m.Set(TypeService, s.Name, KeyICMP, s.ICMP...)
		m.Set(TypeService, s.Name, KeyICMPv6, s.ICMPv6...)
		m.Set(TypeService, s.Name, KeyProto, s.Proto...)
		m.Set(TypeService, s.Name, KeyHelper, s.Helper)
		m.Set(TypeService, s.Name, KeyComment, s.Comment)
	}
	for _, sg := range d.ServiceGroups {
		m.Set(TypeServiceGroup, sg.Name, KeyActive, active(sg.Active))
		m.Set(TypeServiceGroup, sg.Name, KeyMember, sg.Members...)
	}

	m.Set(TypeRules, RulesObject, KeyRule, d.Rules...)
	return m
}

var _ Backend = (*FileBackend)(nil)

// Reload re-reads the file in place.
func (f *FileBackend) Reload(_ context.Context) error {
	fresh, err := OpenFile(f.Path)
	if err != nil {
		return err
	}
	f.MemoryBackend = fresh.MemoryBackend
	return nil
}
