package license

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensectl/internal/provisioning"
	"licensectl/internal/security"
)

const (
	testDeviceID = "test-device-1"
	testVersion  = "1.2.3"
)

type storeFixture struct {
	store     *ArtifactStore
	key       *rsa.PrivateKey
	productID uuid.UUID
	dir       string
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	verifier, err := security.NewVerifier(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)

	cipher, err := security.NewSnapshotCipher("test-secret", testDeviceID)
	require.NoError(t, err)

	productID := uuid.New()
	dir := t.TempDir()

	store, err := NewArtifactStore(dir, verifier, cipher, productID, testDeviceID, testVersion, nil)
	require.NoError(t, err)

	return &storeFixture{store: store, key: key, productID: productID, dir: dir}
}

func (f *storeFixture) validLicense() *provisioning.LicenseInfo {
	exp := time.Now().UTC().Add(90 * 24 * time.Hour)
	return &provisioning.LicenseInfo{
		LicenseKey:        uuid.NewString(),
		ProductID:         f.productID,
		Customer:          &provisioning.CustomerAccount{CompanyName: "Acme Corp"},
		ExpirationDateUTC: &exp,
		IsLicenseValid:    true,
	}
}

func (f *storeFixture) writeLicenseFile(t *testing.T, info *provisioning.LicenseInfo) {
	t.Helper()
	require.NoError(t, security.WriteSignedFile(f.key, f.store.licensePath(), info))
}

func (f *storeFixture) writeActivationFile(t *testing.T, activation *provisioning.Activation) {
	t.Helper()
	require.NoError(t, security.WriteSignedFile(f.key, f.store.activationPath(), activation))
}

func TestCheckOfflineLicensingNoLicenseFile(t *testing.T) {
	f := newStoreFixture(t)
	assert.Nil(t, f.store.CheckOfflineLicensing())
}

func TestCheckOfflineLicensingBadSignature(t *testing.T) {
	f := newStoreFixture(t)
	require.NoError(t, os.WriteFile(f.store.licensePath(), []byte(`{"payload":"QQ==","signature":"QQ=="}`), 0600))

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateLicenseFileInvalid, verdict.State)
	assert.Equal(t, "License file invalid: signature check failed!", verdict.Description)
}

func TestCheckOfflineLicensingProductMismatch(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	info.ProductID = uuid.New()
	f.writeLicenseFile(t, info)

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateLicenseFileInvalid, verdict.State)
	assert.Equal(t, "License file invalid: product id doesn't match!", verdict.Description)
}

func TestCheckOfflineLicensingExpired(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	exp := time.Now().UTC().Add(-time.Hour)
	info.ExpirationDateUTC = &exp
	f.writeLicenseFile(t, info)

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateLicenseFileInvalid, verdict.State)
	assert.Equal(t, "License file invalid: license is expired!", verdict.Description)
}

func TestCheckOfflineLicensingReleaseNonCompliant(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	info.ReleaseCompliance = &provisioning.VersionRange{MaxVersion: "1.0.0"}
	f.writeLicenseFile(t, info)

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateLicenseFileInvalid, verdict.State)
	assert.Equal(t, "License file invalid: not valid for this software version", verdict.Description)
}

func TestCheckOfflineLicensingInlineActivation(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	info.ClientID = "TEST-DEVICE-1" // case-insensitive match
	f.writeLicenseFile(t, info)

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateOfflineValidated, verdict.State)
	assert.Contains(t, verdict.Description, "Product licensed for Acme Corp.")
	assert.Contains(t, verdict.Description, "(offline license, inline activation)")
	require.NotNil(t, verdict.License)
}

func TestCheckOfflineLicensingInlineClientMismatch(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	info.ClientID = "someone-else"
	f.writeLicenseFile(t, info)

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateLicenseFileInvalid, verdict.State)
	assert.Equal(t, "License file invalid: client id mismatch", verdict.Description)
}

func TestCheckOfflineLicensingNeedsActivation(t *testing.T) {
	f := newStoreFixture(t)
	f.writeLicenseFile(t, f.validLicense())

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateNeedsOfflineActivation, verdict.State)
	assert.Contains(t, verdict.Description, "(offline license, needs activation)")
}

func TestCheckOfflineLicensingActivationFile(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	f.writeLicenseFile(t, info)

	token := uuid.New()
	f.writeActivationFile(t, &provisioning.Activation{
		LicenseKey: info.LicenseKey,
		ClientID:   testDeviceID,
		TokenKey:   token,
	})

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateOfflineValidated, verdict.State)
	assert.Contains(t, verdict.Description, "(offline license, activated via activation file)")

	require.NotNil(t, verdict.License)
	require.NotNil(t, verdict.License.TokenKey)
	assert.Equal(t, token, *verdict.License.TokenKey)
}

func TestCheckOfflineLicensingActivationKeyMismatch(t *testing.T) {
	f := newStoreFixture(t)
	f.writeLicenseFile(t, f.validLicense())
	f.writeActivationFile(t, &provisioning.Activation{
		LicenseKey: uuid.NewString(),
		ClientID:   testDeviceID,
		TokenKey:   uuid.New(),
	})

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateNeedsOfflineActivation, verdict.State)
	assert.Equal(t, "Activation file invalid: license key doesn't match!", verdict.Description)
}

func TestCheckOfflineLicensingActivationClientMismatch(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	f.writeLicenseFile(t, info)
	f.writeActivationFile(t, &provisioning.Activation{
		LicenseKey: info.LicenseKey,
		ClientID:   "another-device",
		TokenKey:   uuid.New(),
	})

	verdict := f.store.CheckOfflineLicensing()
	require.NotNil(t, verdict)
	assert.Equal(t, StateNeedsOfflineActivation, verdict.State)
	assert.Equal(t, "Activation file invalid: client id mismatch!", verdict.Description)
}

func TestTemporaryOfflineFallbackNoSnapshot(t *testing.T) {
	f := newStoreFixture(t)
	assert.Nil(t, f.store.TemporaryOfflineFallback())
}

func TestTemporaryOfflineFallbackWithinFreeride(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	created := time.Now().UTC().Add(-48 * time.Hour)
	freeride := 7
	info.CreatedDateUTC = &created
	info.FreerideDays = &freeride
	require.NoError(t, f.store.SaveSnapshot(info))

	verdict := f.store.TemporaryOfflineFallback()
	require.NotNil(t, verdict)
	assert.Equal(t, StateTemporaryOfflineValidated, verdict.State)
	assert.Contains(t, verdict.Description, "(temporary offline)")
	assert.Contains(t, verdict.Description, "Freeride period expires on")
}

func TestTemporaryOfflineFallbackFreerideExceeded(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	created := time.Now().UTC().Add(-10 * 24 * time.Hour)
	freeride := 7
	info.CreatedDateUTC = &created
	info.FreerideDays = &freeride
	require.NoError(t, f.store.SaveSnapshot(info))

	verdict := f.store.TemporaryOfflineFallback()
	require.NotNil(t, verdict)
	assert.Equal(t, StateInvalid, verdict.State)
	assert.Equal(t, "Freeride period of 7 days exceeded.", verdict.Description)
}

func TestTemporaryOfflineFallbackExpiredLicense(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	created := time.Now().UTC().Add(-24 * time.Hour)
	exp := time.Now().UTC().Add(-time.Hour)
	freeride := 7
	info.CreatedDateUTC = &created
	info.ExpirationDateUTC = &exp
	info.FreerideDays = &freeride
	require.NoError(t, f.store.SaveSnapshot(info))

	verdict := f.store.TemporaryOfflineFallback()
	require.NotNil(t, verdict)
	assert.Equal(t, StateInvalid, verdict.State)
	assert.Contains(t, verdict.Description, "License expired on")
	require.NotNil(t, verdict.License)
	assert.True(t, verdict.License.IsLicenseExpired)
	assert.False(t, verdict.License.IsLicenseValid)
}

func TestTemporaryOfflineFallbackNoFreerideGranted(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	require.NoError(t, f.store.SaveSnapshot(info))

	// A snapshot without a freeride grant offers no fallback.
	assert.Nil(t, f.store.TemporaryOfflineFallback())
}

func TestTemporaryOfflineFallbackUnreadableSnapshot(t *testing.T) {
	f := newStoreFixture(t)
	require.NoError(t, os.WriteFile(f.store.snapshotPath(), []byte("garbage data that is long enough"), 0600))

	verdict := f.store.TemporaryOfflineFallback()
	require.NotNil(t, verdict)
	assert.Equal(t, StateInvalid, verdict.State)
	assert.Contains(t, verdict.Description, "Temporary offline license invalid:")
}

func TestTokenFromSnapshot(t *testing.T) {
	f := newStoreFixture(t)
	assert.Nil(t, f.store.TokenFromSnapshot())

	info := f.validLicense()
	token := uuid.New()
	info.TokenKey = &token
	require.NoError(t, f.store.SaveSnapshot(info))

	got := f.store.TokenFromSnapshot()
	require.NotNil(t, got)
	assert.Equal(t, token, *got)
}

func TestSaveSnapshotPinsClientID(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	info.ClientID = "whatever-the-server-said"
	require.NoError(t, f.store.SaveSnapshot(info))

	// The pinned copy must pass the identity check on read back.
	token := uuid.New()
	info.TokenKey = &token
	require.NoError(t, f.store.SaveSnapshot(info))
	assert.NotNil(t, f.store.TokenFromSnapshot())
}

func TestUploadLicenseFileDropsStaleActivation(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	f.writeActivationFile(t, &provisioning.Activation{LicenseKey: info.LicenseKey, ClientID: testDeviceID, TokenKey: uuid.New()})

	src := f.dir + "/incoming_license.json"
	require.NoError(t, security.WriteSignedFile(f.key, src, info))
	require.NoError(t, f.store.UploadLicenseFile(src))

	_, err := os.Stat(f.store.activationPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.store.licensePath())
	assert.NoError(t, err)
}

func TestRemoveOfflineFiles(t *testing.T) {
	f := newStoreFixture(t)
	info := f.validLicense()
	f.writeLicenseFile(t, info)
	f.writeActivationFile(t, &provisioning.Activation{LicenseKey: info.LicenseKey, ClientID: testDeviceID, TokenKey: uuid.New()})

	f.store.RemoveOfflineFiles()

	_, err := os.Stat(f.store.licensePath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.store.activationPath())
	assert.True(t, os.IsNotExist(err))
}
