package logging

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"grimm.is/rampart/internal/brand"
)

// SyslogConfig holds remote syslog configuration.
type SyslogConfig struct {
	Host     string
	Port     int
	Protocol string // udp or tcp
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns sensible defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      brand.LowerName,
		Facility: 1, // LOG_USER
	}
}

// SyslogWriter implements io.Writer and forwards log lines to a syslog server.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	config   SyslogConfig
	hostname string
}

// NewSyslogWriter dials the configured server.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	def := DefaultSyslogConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.Tag == "" {
		cfg.Tag = def.Tag
	}

	conn, err := net.DialTimeout(cfg.Protocol, net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog server %s: %w", cfg.Host, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = brand.LowerName
	}
	return &SyslogWriter{conn: conn, config: cfg, hostname: hostname}, nil
}

// Write sends p in RFC 3164 framing: <priority>timestamp hostname tag: message
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog connection closed")
	}

	priority := w.config.Facility*8 + 6
	msg := fmt.Sprintf("<%d>%s %s %s: %s", priority, time.Now().Format(time.Stamp), w.hostname, w.config.Tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// MultiWriter combines multiple io.Writers (e.g., stderr + syslog).
func MultiWriter(writers ...io.Writer) io.Writer {
	return io.MultiWriter(writers...)
}
