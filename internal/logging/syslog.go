// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"time"
)

// SyslogConfig forwards log output to a hospital syslog collector.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"` // udp | tcp
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"`
}

// DefaultSyslogConfig returns a disabled config with RFC 3164 defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "zmonitor",
		Facility: 1, // user-level
	}
}

// SyslogWriter is an io.Writer wrapping a syslog connection. Each Write is
// one message; severity rides at notice level since the structured record
// already carries its own level field.
type SyslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
}

// NewSyslogWriter dials the collector. Host is required; port, protocol and
// tag fall back to the defaults.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "zmonitor"
	}

	conn, err := net.DialTimeout(cfg.Protocol, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing syslog %s://%s:%d: %w", cfg.Protocol, cfg.Host, cfg.Port, err)
	}
	return &SyslogWriter{conn: conn, tag: cfg.Tag, facility: cfg.Facility}, nil
}

// Write sends one framed syslog message.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	// severity 5 (notice) within the configured facility.
	pri := w.facility*8 + 5
	msg := fmt.Sprintf("<%d>%s %s: %s", pri, time.Now().Format(time.Stamp), w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the connection.
func (w *SyslogWriter) Close() error {
	return w.conn.Close()
}
