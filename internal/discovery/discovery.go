// Package discovery browses mDNS for network-attached device advertisements
// and reports resolvable ones to the device manager. Its Browser loops for
// the life of the process, unlike a single-shot resolver sweep, since the
// daemon must keep seeing devices as they join and leave the network.
package discovery

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"netmuxd.dev/netmuxd/internal/brand"
	"netmuxd.dev/netmuxd/internal/device"
	"netmuxd.dev/netmuxd/internal/frame"
	"netmuxd.dev/netmuxd/internal/logging"
)

// Resolver maps a discovered MAC address to a UDID, as served by the
// pairing subsystem. Devices with no known pairing record are not reported.
type Resolver interface {
	GetUDIDFromMAC(mac string) (string, error)
}

// Reporter is the subset of the device manager's API the browser needs.
type Reporter interface {
	DiscoverNetworkDevice(ctx context.Context, udid string, addr net.IP, serviceName, connectionType string, response chan frame.Dict) error
}

// serviceType and serviceDomain split brand.ServiceName ("_apple-mobdev2._tcp.local")
// into the two arguments zeroconf's Browse wants separately.
var serviceType, serviceDomain = func() (string, string) {
	t := strings.TrimSuffix(brand.ServiceName, ".local")
	return t, "local."
}()

// Browser watches _apple-mobdev2._tcp.local and feeds resolvable
// advertisements into a Reporter.
type Browser struct {
	resolver Resolver
	reporter Reporter
	log      *logging.Logger

	mu   sync.RWMutex
	seen map[string]string // udid -> last known address, for change suppression
}

// New constructs a Browser. resolver and reporter are typically
// *pairing.Resolver and *device.Manager respectively.
func New(resolver Resolver, reporter Reporter) *Browser {
	return &Browser{
		resolver: resolver,
		reporter: reporter,
		log:      logging.WithComponent("discovery"),
		seen:     make(map[string]string),
	}
}

// Run browses mDNS until ctx is canceled. It never returns an error for a
// failed individual entry; browse failures that prevent starting at all are
// returned so the caller can decide whether mDNS discovery is fatal.
func (b *Browser) Run(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			b.handleEntry(ctx, entry)
		}
	}()

	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return err
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// handleEntry parses one mDNS advertisement and reports it if it resolves
// to a known UDID. Instance names carry the device's MAC address as the
// prefix before "@", e.g. "AA:BB:CC:DD:EE:FF@Johns-iPhone._apple-mobdev2._tcp.local.".
func (b *Browser) handleEntry(ctx context.Context, entry *zeroconf.ServiceEntry) {
	mac, ok := macFromInstance(entry.Instance)
	if !ok {
		b.log.Debug("mDNS instance name has no MAC prefix, ignoring", "instance", entry.Instance)
		return
	}

	udid, err := b.resolver.GetUDIDFromMAC(mac)
	if err != nil {
		b.log.Debug("no known UDID for discovered MAC, ignoring", "mac", mac, "err", err)
		return
	}

	addr := firstAddr(entry)
	if addr == nil {
		b.log.Debug("mDNS entry has no usable address, ignoring", "udid", udid)
		return
	}

	b.mu.Lock()
	last, known := b.seen[udid]
	same := known && last == addr.String()
	b.seen[udid] = addr.String()
	b.mu.Unlock()
	if same {
		return
	}

	b.log.Info("discovered network device", "udid", udid, "address", addr.String())
	if err := b.reporter.DiscoverNetworkDevice(ctx, udid, addr, brand.ServiceName, "Network", nil); err != nil {
		b.log.Debug("failed to report discovered device", "udid", udid, "err", err)
	}
}

func macFromInstance(instance string) (string, bool) {
	mac, _, ok := strings.Cut(instance, "@")
	if !ok || mac == "" {
		return "", false
	}
	return mac, true
}

func firstAddr(entry *zeroconf.ServiceEntry) net.IP {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0]
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0]
	}
	return nil
}

var _ Reporter = (*device.Manager)(nil)
