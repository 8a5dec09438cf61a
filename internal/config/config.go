// Package config parses the daemon's command-line flags into a Config
// struct. The multiplexer has no persisted configuration file; every
// tunable is a CLI flag, matching the historical netmuxd behavior.
package config

import (
	"flag"
	"fmt"
	"io"
	"runtime"

	"netmuxd.dev/netmuxd/internal/brand"
)

// Config holds all daemon tunables collected from the command line.
type Config struct {
	Port            uint16
	Host            string
	PlistStorage    string
	UseHeartbeat    bool
	UseUnix         bool
	UseMDNS         bool
	SocketPath      string
	LogLevel        string
	LogJSON         bool
}

// DefaultPort is the TCP port the front-end session listener binds by
// default.
const DefaultPort = 27015

// Default returns the configuration used when no flags are passed.
func Default() Config {
	host := ""
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		host = "localhost"
	}
	return Config{
		Port:         DefaultPort,
		Host:         host,
		UseHeartbeat: true,
		UseUnix:      runtime.GOOS != "windows",
		UseMDNS:      true,
		SocketPath:   brand.SocketName,
		LogLevel:     "error",
	}
}

// Parse builds a FlagSet over args (typically os.Args[1:]) and returns the
// resulting Config. help and about are true if the corresponding flag was
// passed; Parse has then already written the usage or banner text to out,
// and callers exit themselves, mirroring the "print and exit 0" contract of
// the original CLI.
func Parse(args []string, out io.Writer) (cfg Config, help bool, about bool, err error) {
	cfg = Default()

	fs := flag.NewFlagSet(brand.Name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { usage(out) }

	port := fs.Uint("port", uint(cfg.Port), "TCP listen port")
	fs.UintVar(port, "p", uint(cfg.Port), "TCP listen port (short)")

	host := fs.String("host", cfg.Host, "TCP bind host")
	plistStorage := fs.String("plist-storage", "", "Override pairing-record directory")
	disableUnix := fs.Bool("disable-unix", false, "Skip binding the Unix-domain socket")
	disableMDNS := fs.Bool("disable-mdns", false, "Skip mDNS discovery")
	disableHeartbeat := fs.Bool("disable-heartbeat", false, "Add devices immediately on discovery; no liveness probing")
	socketPath := fs.String("socket-path", cfg.SocketPath, "Unix-domain socket path")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug, info, warn, or error")
	logJSON := fs.Bool("log-json", false, "Emit logs as JSON instead of console text")
	helpFlag := fs.Bool("help", false, "Print usage")
	fs.BoolVar(helpFlag, "h", false, "Print usage (short)")
	aboutFlag := fs.Bool("about", false, "Print banner")

	if err := fs.Parse(args); err != nil {
		return cfg, false, false, err
	}

	if *helpFlag {
		usage(out)
		return cfg, true, false, nil
	}
	if *aboutFlag {
		fmt.Fprintln(out, brand.Description)
		fmt.Fprintln(out, brand.Copyright)
		fmt.Fprintln(out, brand.License)
		return cfg, false, true, nil
	}

	if *port > 65535 {
		return cfg, false, false, fmt.Errorf("port %d out of range", *port)
	}
	cfg.Port = uint16(*port)
	cfg.Host = *host
	cfg.PlistStorage = *plistStorage
	cfg.UseUnix = !*disableUnix && runtime.GOOS != "windows"
	cfg.UseMDNS = !*disableMDNS
	cfg.UseHeartbeat = !*disableHeartbeat
	cfg.SocketPath = *socketPath
	cfg.LogLevel = *logLevel
	cfg.LogJSON = *logJSON

	return cfg, false, false, nil
}

func usage(out io.Writer) {
	fmt.Fprintln(out, brand.Description)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  netmuxd [options]")
	fmt.Fprintln(out, "Options:")
	fmt.Fprintln(out, "  -p, --port <port>")
	fmt.Fprintln(out, "  --host <host>")
	fmt.Fprintln(out, "  --plist-storage <path>")
	fmt.Fprintln(out, "  --disable-heartbeat")
	fmt.Fprintln(out, "  --disable-unix")
	fmt.Fprintln(out, "  --disable-mdns")
	fmt.Fprintln(out, "  --log-level <level>")
	fmt.Fprintln(out, "  --log-json")
	fmt.Fprintln(out, "  -h, --help")
	fmt.Fprintln(out, "  --about")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Set --log-level to debug, info, warn, or error. Default is error.")
}
