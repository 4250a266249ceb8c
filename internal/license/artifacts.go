package license

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"licensectl/internal/provisioning"
)

// SignatureVerifier is the injected file-verification capability. The
// default implementation lives in internal/security.
type SignatureVerifier interface {
	IsSignatureValid(path string) bool
	ReadLicenseFile(path string) (*provisioning.LicenseInfo, error)
	ReadActivationFile(path string) (*provisioning.Activation, error)
	IsReleaseCompliant(info *provisioning.LicenseInfo, version string) bool
}

// SnapshotCipher seals the cached heartbeat snapshot to this device.
type SnapshotCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

const (
	licenseFileName     = "license_file.json"
	activationFileName  = "activation_file.json"
	snapshotFileName    = "offline_snapshot.dat"
	sessionCacheName    = "sessions.json"
	modeConfigFileName  = "client_mode.json"
)

// OfflineResult is the verdict of an offline-licensing check. A nil result
// means no offline licensing situation exists and the caller should proceed
// online. License is set only for states that carry a LicenseInfo.
type OfflineResult struct {
	State       State
	Description string
	License     *provisioning.LicenseInfo
}

// ArtifactStore reads and validates the signed offline artifacts and owns
// the cached heartbeat snapshot. It never touches the network.
type ArtifactStore struct {
	dir             string
	verifier        SignatureVerifier
	cipher          SnapshotCipher
	productID       uuid.UUID
	deviceID        string
	softwareVersion string
	logger          *slog.Logger

	// now is injectable for freeride-window tests.
	now func() time.Time
}

// NewArtifactStore creates a store rooted at dir. The directory is created
// if missing.
func NewArtifactStore(
	dir string,
	verifier SignatureVerifier,
	cipher SnapshotCipher,
	productID uuid.UUID,
	deviceID, softwareVersion string,
	logger *slog.Logger,
) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactStore{
		dir:             dir,
		verifier:        verifier,
		cipher:          cipher,
		productID:       productID,
		deviceID:        deviceID,
		softwareVersion: softwareVersion,
		logger:          logger.With(slog.String("component", "artifact_store")),
		now:             time.Now,
	}, nil
}

func (s *ArtifactStore) licensePath() string    { return filepath.Join(s.dir, licenseFileName) }
func (s *ArtifactStore) activationPath() string { return filepath.Join(s.dir, activationFileName) }
func (s *ArtifactStore) snapshotPath() string   { return filepath.Join(s.dir, snapshotFileName) }

// SessionCachePath is where the session manager persists reusable sessions.
func (s *ArtifactStore) SessionCachePath() string { return filepath.Join(s.dir, sessionCacheName) }

// ModeConfigPath is where the engine persists the active client type.
func (s *ArtifactStore) ModeConfigPath() string { return filepath.Join(s.dir, modeConfigFileName) }

// CheckOfflineLicensing determines whether an offline-licensing situation
// exists. A nil return means no license file is present; the caller proceeds
// to the online path. A non-nil verdict is terminal for the current refresh
// cycle, even when it reports an invalid file.
func (s *ArtifactStore) CheckOfflineLicensing() *OfflineResult {
	licensePath := s.licensePath()

	if _, err := os.Stat(licensePath); os.IsNotExist(err) {
		return nil
	}

	if !s.verifier.IsSignatureValid(licensePath) {
		return &OfflineResult{
			State:       StateLicenseFileInvalid,
			Description: "License file invalid: signature check failed!",
		}
	}

	info, err := s.verifier.ReadLicenseFile(licensePath)
	if err != nil {
		return &OfflineResult{
			State:       StateLicenseFileInvalid,
			Description: fmt.Sprintf("License file invalid: could not read file: %v", err),
		}
	}

	if info.ProductID != s.productID {
		return &OfflineResult{
			State:       StateLicenseFileInvalid,
			Description: "License file invalid: product id doesn't match!",
		}
	}

	if info.ExpirationDateUTC == nil || info.ExpirationDateUTC.Before(s.now().UTC()) {
		return &OfflineResult{
			State:       StateLicenseFileInvalid,
			Description: "License file invalid: license is expired!",
		}
	}

	if !s.verifier.IsReleaseCompliant(info, s.softwareVersion) {
		return &OfflineResult{
			State:       StateLicenseFileInvalid,
			Description: "License file invalid: not valid for this software version",
		}
	}

	// Inline activation takes precedence over a separate activation file.
	if info.ClientID != "" {
		if strings.EqualFold(info.ClientID, s.deviceID) {
			return &OfflineResult{
				State:       StateOfflineValidated,
				Description: describeLicense(info, StateOfflineValidated) + "\n(offline license, inline activation)",
				License:     info,
			}
		}
		return &OfflineResult{
			State:       StateLicenseFileInvalid,
			Description: "License file invalid: client id mismatch",
		}
	}

	return s.checkActivationFile(info)
}

func (s *ArtifactStore) checkActivationFile(info *provisioning.LicenseInfo) *OfflineResult {
	activationPath := s.activationPath()

	if _, err := os.Stat(activationPath); os.IsNotExist(err) {
		return &OfflineResult{
			State:       StateNeedsOfflineActivation,
			Description: describeLicense(info, StateNeedsOfflineActivation) + "\n(offline license, needs activation)",
			License:     info,
		}
	}

	if !s.verifier.IsSignatureValid(activationPath) {
		return &OfflineResult{
			State:       StateNeedsOfflineActivation,
			Description: "Activation file invalid: signature check failed!",
			License:     info,
		}
	}

	activation, err := s.verifier.ReadActivationFile(activationPath)
	if err != nil {
		return &OfflineResult{
			State:       StateNeedsOfflineActivation,
			Description: "Activation file invalid: could not read file!",
			License:     info,
		}
	}

	if activation.LicenseKey != info.LicenseKey {
		return &OfflineResult{
			State:       StateNeedsOfflineActivation,
			Description: "Activation file invalid: license key doesn't match!",
			License:     info,
		}
	}

	if !strings.EqualFold(activation.ClientID, s.deviceID) {
		return &OfflineResult{
			State:       StateNeedsOfflineActivation,
			Description: "Activation file invalid: client id mismatch!",
			License:     info,
		}
	}

	// The activation file contributes the token key to an otherwise valid
	// offline license. This is the only partial LicenseInfo mutation.
	token := activation.TokenKey
	info.TokenKey = &token

	return &OfflineResult{
		State:       StateOfflineValidated,
		Description: describeLicense(info, StateOfflineValidated) + "\n(offline license, activated via activation file)",
		License:     info,
	}
}

// TemporaryOfflineFallback validates the cached heartbeat snapshot as a last
// resort after a transient heartbeat failure. A nil result means no fallback
// is available and the caller must surface the original network error.
func (s *ArtifactStore) TemporaryOfflineFallback() *OfflineResult {
	info, err := s.readSnapshot()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		// A snapshot that exists but cannot be opened counts as invalid,
		// not as "no fallback": it may have been tampered with or copied
		// from another device.
		s.logger.Warn("cached heartbeat snapshot unreadable",
			slog.String("error", err.Error()),
		)
		return &OfflineResult{
			State:       StateInvalid,
			Description: fmt.Sprintf("Temporary offline license invalid: %v", err),
		}
	}

	if info.ProductID != s.productID {
		return &OfflineResult{
			State:       StateInvalid,
			Description: "Temporary offline license invalid: product id doesn't match!",
		}
	}

	if !strings.EqualFold(info.ClientID, s.deviceID) {
		return &OfflineResult{
			State:       StateInvalid,
			Description: "Temporary offline license invalid: client id and device id don't match",
		}
	}

	if !s.verifier.IsReleaseCompliant(info, s.softwareVersion) {
		return &OfflineResult{
			State:       StateInvalid,
			Description: "Temporary offline license invalid: not valid for this software version",
		}
	}

	if info.CreatedDateUTC == nil || info.FreerideDays == nil {
		return nil
	}

	ageDays := int(s.now().UTC().Sub(*info.CreatedDateUTC).Hours() / 24)
	if ageDays < 0 {
		return nil
	}

	if ageDays > *info.FreerideDays {
		return &OfflineResult{
			State:       StateInvalid,
			Description: fmt.Sprintf("Freeride period of %d days exceeded.", *info.FreerideDays),
		}
	}

	if info.ExpirationDateUTC != nil && info.ExpirationDateUTC.Before(s.now().UTC()) {
		info.IsLicenseExpired = true
		info.IsLicenseValid = false
		return &OfflineResult{
			State:       StateInvalid,
			Description: fmt.Sprintf("License expired on %s.", info.ExpirationDateUTC.Format("2006-01-02")),
			License:     info,
		}
	}

	return &OfflineResult{
		State:       StateTemporaryOfflineValidated,
		Description: describeLicense(info, StateTemporaryOfflineValidated) + " (temporary offline)",
		License:     info,
	}
}

// TokenFromSnapshot recovers the token key from the cached snapshot so a
// heartbeat can reference the existing assignment. Identity mismatches yield
// no token.
func (s *ArtifactStore) TokenFromSnapshot() *uuid.UUID {
	info, err := s.readSnapshot()
	if err != nil {
		return nil
	}
	if info.ProductID != s.productID || !strings.EqualFold(info.ClientID, s.deviceID) {
		return nil
	}
	return info.TokenKey
}

// SaveSnapshot caches a successful heartbeat response for temporary-offline
// fallback. The client id is pinned to this device before sealing.
func (s *ArtifactStore) SaveSnapshot(info *provisioning.LicenseInfo) error {
	pinned := *info
	pinned.ClientID = s.deviceID

	plain, err := json.Marshal(&pinned)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	sealed, err := s.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("seal snapshot: %w", err)
	}

	if err := writeFileAtomic(s.snapshotPath(), sealed, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	s.logger.Debug("heartbeat snapshot cached",
		slog.String("path", s.snapshotPath()),
		slog.Int("size_bytes", len(sealed)),
	)
	return nil
}

func (s *ArtifactStore) readSnapshot() (*provisioning.LicenseInfo, error) {
	sealed, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		return nil, err
	}

	plain, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal snapshot: %w", err)
	}

	var info provisioning.LicenseInfo
	if err := json.Unmarshal(plain, &info); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &info, nil
}

// RemoveSnapshot deletes the cached heartbeat snapshot if present.
func (s *ArtifactStore) RemoveSnapshot() {
	removeIfExists(s.snapshotPath())
}

// RemoveOfflineFiles deletes the license and activation files if present.
func (s *ArtifactStore) RemoveOfflineFiles() {
	removeIfExists(s.licensePath())
	removeIfExists(s.activationPath())
}

// RemoveActivationFile deletes only the activation file if present.
func (s *ArtifactStore) RemoveActivationFile() {
	removeIfExists(s.activationPath())
}

// UploadLicenseFile copies a license file into the store and drops any stale
// activation file.
func (s *ArtifactStore) UploadLicenseFile(src string) error {
	if err := copyFileAtomic(src, s.licensePath()); err != nil {
		return fmt.Errorf("store license file: %w", err)
	}
	removeIfExists(s.activationPath())
	return nil
}

// UploadActivationFile copies an activation file into the store.
func (s *ArtifactStore) UploadActivationFile(src string) error {
	if err := copyFileAtomic(src, s.activationPath()); err != nil {
		return fmt.Errorf("store activation file: %w", err)
	}
	return nil
}

// writeFileAtomic writes data with a write-then-rename so concurrent readers
// never observe a partial file.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func copyFileAtomic(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data, 0600)
}

// removeIfExists deletes path, treating a missing file as success.
func removeIfExists(path string) {
	os.Remove(path)
}
