// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/syslog"

	"grimm.is/vmfence/internal/brand"
)

// SyslogConfig configures an optional remote syslog sink that the
// logger mirrors every line to, in addition to its local output.
type SyslogConfig struct {
	// Enabled turns the sink on. Disabled by default: most deployments
	// of the proxy run under systemd/journald and have no remote
	// syslog daemon to talk to.
	Enabled bool
	// Host is the syslog daemon address. Required when Enabled.
	Host string
	// Port is the syslog daemon port. Defaults to 514.
	Port int
	// Protocol is "udp" or "tcp". Defaults to "udp".
	Protocol string
	// Tag identifies this process in emitted syslog lines.
	Tag string
	// Facility is the syslog facility number (see RFC 5424 §6.2.1).
	// Defaults to 1 (user-level messages).
	Facility int
}

// DefaultSyslogConfig returns a disabled config with the defaults a
// caller would get by only setting Host.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      brand.LowerName,
		Facility: 1,
	}
}

// syslogPriority maps a facility number plus Info severity into a
// syslog.Priority, matching the facility numbering in RFC 5424.
func syslogPriority(facility int) syslog.Priority {
	return syslog.Priority(facility<<3) | syslog.LOG_INFO
}

// NewSyslogWriter dials the syslog daemon described by cfg and
// returns a writer suitable for mirroring log output to it.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required when enabled")
	}

	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "udp"
	}
	port := cfg.Port
	if port == 0 {
		port = 514
	}
	tag := cfg.Tag
	if tag == "" {
		tag = brand.LowerName
	}
	facility := cfg.Facility
	if facility == 0 {
		facility = 1
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	return syslog.Dial(protocol, addr, syslogPriority(facility), tag)
}
