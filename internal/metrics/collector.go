package metrics

import (
	"strings"
	"sync"

	"grimm.is/rampart/internal/firewall"
)

// Traffic directions of an accounting chain.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// InterfaceStats is the accounting total of one device.
type InterfaceStats struct {
	Device    string `json:"device"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

// Collector turns accounting counter snapshots into interface statistics.
type Collector struct {
	registry *Registry

	mu    sync.RWMutex
	stats map[string]*InterfaceStats
}

// NewCollector returns a collector feeding r. r may be nil.
func NewCollector(r *Registry) *Collector {
	return &Collector{registry: r, stats: make(map[string]*InterfaceStats)}
}

// Update replaces the statistics with a counter snapshot. The first rule of
// an accounting chain counts outbound traffic, the second inbound.
func (c *Collector) Update(counters firewall.Counters) {
	stats := make(map[string]*InterfaceStats, len(counters))
	for chain := range counters {
		if !firewall.IsAccountingChain(chain) {
			continue
		}
		dev := strings.TrimPrefix(chain, firewall.AccountingPrefix)
		s := &InterfaceStats{Device: dev}
		if out, ok := counters.Get(chain, 0); ok {
			s.TxBytes, s.TxPackets = out.Bytes, out.Packets
		}
		if in, ok := counters.Get(chain, 1); ok {
			s.RxBytes, s.RxPackets = in.Bytes, in.Packets
		}
		stats[dev] = s
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()

	if c.registry == nil {
		return
	}
	for dev, s := range stats {
		c.registry.AccountingBytes.WithLabelValues(dev, DirectionOut).Set(float64(s.TxBytes))
		c.registry.AccountingBytes.WithLabelValues(dev, DirectionIn).Set(float64(s.RxBytes))
		c.registry.AccountingPackets.WithLabelValues(dev, DirectionOut).Set(float64(s.TxPackets))
		c.registry.AccountingPackets.WithLabelValues(dev, DirectionIn).Set(float64(s.RxPackets))
	}
}

// GetInterfaceStats returns a copy of the current statistics.
func (c *Collector) GetInterfaceStats() map[string]InterfaceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]InterfaceStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}
