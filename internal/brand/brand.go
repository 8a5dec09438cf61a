// Package brand holds the daemon's identity constants, used by the --about
// banner and --help text.
package brand

const (
	Name        = "netmuxd"
	Description = "netmuxd - a network multiplexer"
	Copyright   = "Copyright (c) 2026 the netmuxd authors"
	License     = "Licensed under the MIT License"

	// SocketName is the Unix-domain socket path clients connect to by
	// default, matching the legacy USB multiplexer daemon's well-known path.
	SocketName = "/var/run/usbmuxd"

	// ServiceName is the mDNS service type devices advertise under.
	ServiceName = "_apple-mobdev2._tcp.local"

	// LockdownPort is the device-side control port the heartbeat supervisor
	// dials first to start a lockdown session.
	LockdownPort = 62078
)

// Version, BuildTime and GitCommit are set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
