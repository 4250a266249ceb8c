package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DeviceFingerprint identifies the machine this process runs on.
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager computes and caches the device fingerprint. The
// fingerprint is stable across runs as long as hostname and primary network
// interface do not change.
type FingerprintManager struct {
	mu            sync.RWMutex
	cache         *DeviceFingerprint
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewFingerprintManager creates a fingerprint manager with a one hour cache.
func NewFingerprintManager() *FingerprintManager {
	return &FingerprintManager{
		cacheDuration: 1 * time.Hour,
	}
}

// DeviceID returns the stable device identifier used in licensing calls.
func (fm *FingerprintManager) DeviceID() string {
	fp, err := fm.GetFingerprint()
	if err != nil {
		// Hostname-only fallback keeps the id stable even without a NIC.
		host, _ := os.Hostname()
		sum := sha256.Sum256([]byte("host:" + host))
		return hex.EncodeToString(sum[:16])
	}
	return fp.Fingerprint
}

// OperatingSystem returns a short OS description for heartbeat requests.
func (fm *FingerprintManager) OperatingSystem() string {
	return fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
}

// GetFingerprint returns the cached fingerprint, recomputing it when the
// cache has expired.
func (fm *FingerprintManager) GetFingerprint() (*DeviceFingerprint, error) {
	fm.mu.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		fp := fm.cache
		fm.mu.RUnlock()
		return fp, nil
	}
	fm.mu.RUnlock()

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		return fm.cache, nil
	}

	fp, err := fm.generate()
	if err != nil {
		return nil, err
	}

	fm.cache = fp
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	return fp, nil
}

func (fm *FingerprintManager) generate() (*DeviceFingerprint, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	mac, err := primaryMACAddress()
	if err != nil {
		slog.Debug("no MAC address available for fingerprint",
			slog.String("error", err.Error()),
		)
		mac = ""
	}

	components := strings.Join([]string{hostname, mac, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(components))

	return &DeviceFingerprint{
		Fingerprint: hex.EncodeToString(sum[:16]),
		Hostname:    hostname,
		MACAddress:  mac,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		GeneratedAt: time.Now(),
	}, nil
}

// primaryMACAddress returns the MAC of the first up, non-loopback interface.
func primaryMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	return "", fmt.Errorf("no interface with a MAC address found")
}
