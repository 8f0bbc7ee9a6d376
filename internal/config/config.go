// Package config holds the Agent's runtime configuration. Parsing it
// from a file or CLI flags is out of scope for this module (spec.md
// §1); callers construct a Config directly or load one some other way.
package config

import "time"

// Config is the Agent's process-wide configuration, analogous in shape
// to the teacher's client/config.Config.
type Config struct {
	// Node identity reported to CTLD during the handshake.
	Hostname string

	// Filesystem layout, rooted at BaseDir.
	BaseDir       string // <base>
	ScriptDir     string // <base>/script
	SupervisorDir string // <base>/supervisor
	MutexPath     string // <base>/craned.mutex
	LogFilePath   string

	// RCG configuration. CgroupParent is not read by internal/rcg,
	// which uses its own parent directory name (rcg.Parent).
	CgroupParent          string // e.g. "Crane"
	EnableDeviceFiltering bool

	// Network endpoints.
	CtldAddr     string // host:port, default port 10120
	AgentListen  string // host:port, default port 10010
	FanoutAddr   string // host:port

	TLSCertPath string
	TLSKeyPath  string

	// Timeouts.
	SupervisorReadyTimeout  time.Duration
	SupervisorRPCTimeout    time.Duration
	TerminateGraceInterval  time.Duration
	CtldReconnectMinBackoff time.Duration
	CtldReconnectMaxBackoff time.Duration
}

// Default returns a Config with the spec's documented default ports and
// sane timeouts filled in; callers still must set BaseDir/Hostname/etc.
func Default() *Config {
	return &Config{
		CgroupParent:            "Crane",
		EnableDeviceFiltering:   true,
		CtldAddr:                "127.0.0.1:10120",
		AgentListen:             "0.0.0.0:10010",
		SupervisorReadyTimeout:  10 * time.Second,
		SupervisorRPCTimeout:    5 * time.Second,
		TerminateGraceInterval:  5 * time.Second,
		CtldReconnectMinBackoff: 500 * time.Millisecond,
		CtldReconnectMaxBackoff: 30 * time.Second,
	}
}
