// Package pairing resolves mDNS-discovered MAC addresses to UDIDs and serves
// pairing-record and BUID lookups backed by a directory of plist files.
package pairing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"howett.net/plist"

	"netmuxd.dev/netmuxd/internal/logging"
)

// ErrNotFound is returned when a UDID, MAC address, or pairing record has no
// corresponding entry on disk.
var ErrNotFound = errors.New("pairing: not found")

// ErrInvalid is returned when a file that should hold well-formed plist data
// does not, e.g. an unparseable SystemConfiguration.plist.
var ErrInvalid = errors.New("pairing: invalid data")

const systemConfigFile = "SystemConfiguration.plist"

// DefaultStorageDir returns the OS-conventional pairing-record directory.
func DefaultStorageDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/var/db/lockdown"
	case "windows":
		return "C:/ProgramData/Apple/Lockdown"
	default:
		return "/var/lib/lockdown"
	}
}

// Resolver caches a MAC->UDID index over a plist-storage directory. The
// cache is advisory; the filesystem is ground truth, and any lookup miss
// forces exactly one rescan before failing.
type Resolver struct {
	dir string
	log *logging.Logger

	mu          sync.Mutex
	macToUDID   map[string]string
	knownUDIDs  map[string]struct{}
}

// New constructs a Resolver rooted at dir.
func New(dir string) *Resolver {
	return &Resolver{
		dir:        dir,
		log:        logging.WithComponent("pairing"),
		macToUDID:  make(map[string]string),
		knownUDIDs: make(map[string]struct{}),
	}
}

// GetUDIDFromMAC resolves mac to a UDID, serving from cache and rescanning
// the storage directory on a miss before failing with ErrNotFound.
func (r *Resolver) GetUDIDFromMAC(mac string) (string, error) {
	r.mu.Lock()
	if udid, ok := r.macToUDID[mac]; ok {
		r.mu.Unlock()
		return udid, nil
	}
	r.mu.Unlock()

	if err := r.updateCache(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if udid, ok := r.macToUDID[mac]; ok {
		return udid, nil
	}
	return "", ErrNotFound
}

// GetPairingRecord returns the raw bytes of <udid>.plist.
func (r *Resolver) GetPairingRecord(udid string) ([]byte, error) {
	path := filepath.Join(r.dir, udid+".plist")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pairing: read %s: %w", path, err)
	}
	return data, nil
}

// GetBUID returns the host's persistent BUID, generating and persisting one
// on first use if SystemConfiguration.plist is absent. The file is created
// with create-only semantics and never overwritten.
func (r *Resolver) GetBUID() (string, error) {
	path := filepath.Join(r.dir, systemConfigFile)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fresh := map[string]any{"SystemBUID": uuid.NewString()}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			// A concurrent writer may have created it first; fall through
			// to the read-back below.
			if !errors.Is(err, os.ErrExist) {
				return "", fmt.Errorf("pairing: create %s: %w", path, err)
			}
		} else {
			enc := plist.NewEncoder(f)
			encErr := enc.Encode(fresh)
			closeErr := f.Close()
			if encErr != nil {
				return "", fmt.Errorf("pairing: write %s: %w", path, encErr)
			}
			if closeErr != nil {
				return "", fmt.Errorf("pairing: close %s: %w", path, closeErr)
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("pairing: read %s: %w", path, err)
	}

	var dict map[string]any
	if _, err := plist.Unmarshal(data, &dict); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	buid, ok := dict["SystemBUID"].(string)
	if !ok || buid == "" {
		return "", fmt.Errorf("%w: %s missing SystemBUID", ErrInvalid, path)
	}
	return buid, nil
}

// updateCache rescans the storage directory, parsing every regular file as
// a plist dictionary (binary or XML, auto-detected by the codec). Parse and
// I/O errors on individual entries are logged and skipped; they never abort
// the scan.
func (r *Resolver) updateCache() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("pairing: read dir %s: %w", r.dir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, known := r.knownUDIDs[stem]; known {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Debug("skipping unreadable pairing file", "path", path, "err", err)
			continue
		}

		var dict map[string]any
		if _, err := plist.Unmarshal(data, &dict); err != nil {
			r.log.Debug("skipping unparseable pairing file", "path", path, "err", err)
			continue
		}

		mac, ok := dict["WiFiMACAddress"].(string)
		if !ok {
			r.log.Debug("pairing file has no WiFiMACAddress, skipping", "path", path)
			continue
		}

		udid, ok := dict["UDID"].(string)
		if !ok || udid == "" {
			udid = stem
			r.log.Debug("pairing file has no UDID, falling back to filename stem", "path", path, "udid", udid)
		}

		r.macToUDID[mac] = udid
		r.knownUDIDs[udid] = struct{}{}
	}

	return nil
}
