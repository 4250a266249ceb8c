package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"licensectl/internal/license"
	"licensectl/internal/provisioning"
)

type fakeEngine struct {
	state       license.State
	description string
	errMessage  string
	info        *provisioning.LicenseInfo
	clientType  provisioning.ClientType

	refreshed   int
	activations []string
	unassigns   int
	uploads     []string
	uploadErr   error
	modes       []string
	signOuts    int
}

func (f *fakeEngine) State() (license.State, string)      { return f.state, f.description }
func (f *fakeEngine) ErrorMessage() string                { return f.errMessage }
func (f *fakeEngine) License() *provisioning.LicenseInfo  { return f.info }
func (f *fakeEngine) Session() *license.SessionManager    { return nil }
func (f *fakeEngine) ClientType() provisioning.ClientType { return f.clientType }
func (f *fakeEngine) Refresh(ctx context.Context)         { f.refreshed++ }
func (f *fakeEngine) Unassign(ctx context.Context)        { f.unassigns++ }

func (f *fakeEngine) Activate(ctx context.Context, licenseKey, clientID string) {
	f.activations = append(f.activations, licenseKey)
}

func (f *fakeEngine) UploadLicenseFile(ctx context.Context, path string) error {
	f.uploads = append(f.uploads, path)
	return f.uploadErr
}

func (f *fakeEngine) UploadActivationFile(ctx context.Context, path string) error {
	f.uploads = append(f.uploads, path)
	return f.uploadErr
}

func (f *fakeEngine) SwitchToOnline(ctx context.Context) error {
	f.modes = append(f.modes, "online")
	return nil
}

func (f *fakeEngine) SwitchToOffline(ctx context.Context) error {
	f.modes = append(f.modes, "offline")
	return nil
}

func (f *fakeEngine) SwitchToUserClientType(ctx context.Context) error {
	f.modes = append(f.modes, "user")
	return nil
}

func (f *fakeEngine) SignOut(ctx context.Context) error {
	f.signOuts++
	return nil
}

func (f *fakeEngine) BuildActivationFileRequest() (*url.URL, error) {
	return url.Parse("https://api.example.com/api/v2/provisioning/activations/offline?file_name=LicenseActivation")
}

type fakeHandlerIdentity struct {
	signedIn bool
	email    string
	token    string
}

func (f *fakeHandlerIdentity) IsSignedIn() bool { return f.signedIn }
func (f *fakeHandlerIdentity) Email() string    { return f.email }

func (f *fakeHandlerIdentity) SignInWithToken(email, bearerToken string) error {
	f.signedIn = true
	f.email = email
	f.token = bearerToken
	return nil
}

func (f *fakeHandlerIdentity) SignOut(ctx context.Context) error {
	f.signedIn = false
	return nil
}

func newTestServer(t *testing.T, engine *fakeEngine, identity Identity, limiter *rate.Limiter) *httptest.Server {
	t.Helper()
	handler := NewLicenseHandler(engine, identity, limiter, nil)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestStatusEndpoint(t *testing.T) {
	exp := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	freeride := 7
	created := time.Now().UTC().Add(-24 * time.Hour)
	engine := &fakeEngine{
		state:       license.StateFullyValidated,
		description: "Product licensed for Acme Corp.",
		clientType:  provisioning.ClientTypeDevices,
		info: &provisioning.LicenseInfo{
			LicenseKey:        "27180460-29df-4a5a-a0a1-78c85ab6cee0",
			ProductName:       "Sample App",
			Customer:          &provisioning.CustomerAccount{CompanyName: "Acme Corp"},
			ExpirationDateUTC: &exp,
			CreatedDateUTC:    &created,
			FreerideDays:      &freeride,
			ProvisioningMode:  provisioning.ProvisioningModeNamed,
		},
	}
	srv := newTestServer(t, engine, &fakeHandlerIdentity{signedIn: true, email: "user@example.com"}, nil)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	decodeJSON(t, resp, &status)
	assert.Equal(t, license.StateFullyValidated, status.State)
	assert.Equal(t, "Product licensed for Acme Corp.", status.Description)
	assert.True(t, status.Licensed)
	assert.Equal(t, "Devices", status.ClientType)
	assert.Equal(t, "user@example.com", status.SignedInAs)

	require.NotNil(t, status.License)
	assert.Equal(t, "Acme Corp", status.License.Customer)
	assert.Equal(t, "Freeride granted: 7 days", status.License.FreerideGranted)
	require.NotNil(t, status.License.FreerideRemaining)
	assert.InDelta(t, 6.0, *status.License.FreerideRemaining, 0.1)
}

func TestStatusWithoutLicense(t *testing.T) {
	engine := &fakeEngine{
		state:       license.StateNeedsActivation,
		description: "License needs to be activated",
		clientType:  provisioning.ClientTypeDevices,
	}
	srv := newTestServer(t, engine, nil, nil)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	decodeJSON(t, resp, &status)
	assert.False(t, status.Licensed)
	assert.Nil(t, status.License)
	assert.Nil(t, status.Session)
	assert.Empty(t, status.SignedInAs)
}

func TestActivateEndpoint(t *testing.T) {
	engine := &fakeEngine{state: license.StateFullyValidated, clientType: provisioning.ClientTypeDevices}
	srv := newTestServer(t, engine, nil, nil)

	resp := postJSON(t, srv.URL+"/activate",
		`{"license_key":"27180460-29df-4a5a-a0a1-78c85ab6cee0"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, engine.activations, 1)
	assert.Equal(t, "27180460-29df-4a5a-a0a1-78c85ab6cee0", engine.activations[0])
}

func TestActivateRejectsNonUUIDKey(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(t, engine, nil, nil)

	resp := postJSON(t, srv.URL+"/activate", `{"license_key":"not-a-uuid"}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp struct {
		Success bool `json:"success"`
		Error   struct {
			ErrorCode string `json:"error_code"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &errResp)
	assert.False(t, errResp.Success)
	assert.Equal(t, "VALIDATION_FAILED", errResp.Error.ErrorCode)
	assert.Empty(t, engine.activations)
}

func TestRefreshEndpoint(t *testing.T) {
	engine := &fakeEngine{state: license.StatePending, clientType: provisioning.ClientTypeDevices}
	srv := newTestServer(t, engine, nil, nil)

	resp := postJSON(t, srv.URL+"/refresh", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, engine.refreshed)
}

func TestUploadLicenseFileRequiresPath(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(t, engine, nil, nil)

	resp := postJSON(t, srv.URL+"/files/license", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, engine.uploads)
}

func TestUploadLicenseFileReportsFailure(t *testing.T) {
	engine := &fakeEngine{uploadErr: assert.AnError}
	srv := newTestServer(t, engine, nil, nil)

	resp := postJSON(t, srv.URL+"/files/license", `{"path":"/tmp/license.json"}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp struct {
		Error struct {
			ErrorCode string `json:"error_code"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &errResp)
	assert.Equal(t, "LICENSE_FILE_INVALID", errResp.Error.ErrorCode)
}

func TestModeSwitchEndpoints(t *testing.T) {
	engine := &fakeEngine{state: license.StatePending, clientType: provisioning.ClientTypeDevices}
	srv := newTestServer(t, engine, nil, nil)

	for _, mode := range []string{"online", "offline", "user"} {
		resp := postJSON(t, srv.URL+"/mode/"+mode, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, []string{"online", "offline", "user"}, engine.modes)
}

func TestSignInEndpoint(t *testing.T) {
	engine := &fakeEngine{state: license.StatePending, clientType: provisioning.ClientTypeUsers}
	identity := &fakeHandlerIdentity{}
	srv := newTestServer(t, engine, identity, nil)

	resp := postJSON(t, srv.URL+"/signin",
		`{"email":"user@example.com","bearer_token":"tok"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, identity.signedIn)
	assert.Equal(t, "user@example.com", identity.email)
	assert.Equal(t, "tok", identity.token)
}

func TestSignInRejectsInvalidEmail(t *testing.T) {
	engine := &fakeEngine{}
	identity := &fakeHandlerIdentity{}
	srv := newTestServer(t, engine, identity, nil)

	resp := postJSON(t, srv.URL+"/signin", `{"email":"not-an-email"}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, identity.signedIn)
}

func TestSignInWithoutIdentity(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(t, engine, nil, nil)

	resp := postJSON(t, srv.URL+"/signin", `{"email":"user@example.com"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignOutEndpoint(t *testing.T) {
	engine := &fakeEngine{state: license.StateNotSignedIn, clientType: provisioning.ClientTypeUsers}
	srv := newTestServer(t, engine, &fakeHandlerIdentity{}, nil)

	resp := postJSON(t, srv.URL+"/signout", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, engine.signOuts)
}

func TestActivationFileRequestEndpoint(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(t, engine, nil, nil)

	resp, err := http.Get(srv.URL + "/activation-file-request")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ActivationFileRequestResponse
	decodeJSON(t, resp, &body)
	assert.Contains(t, body.URL, "/provisioning/activations/offline")
}

func TestCommandsAreRateLimited(t *testing.T) {
	engine := &fakeEngine{state: license.StatePending, clientType: provisioning.ClientTypeDevices}
	// One token, never refilled: the second command must be rejected.
	srv := newTestServer(t, engine, nil, rate.NewLimiter(rate.Limit(0), 1))

	first := postJSON(t, srv.URL+"/refresh", "")
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := postJSON(t, srv.URL+"/refresh", "")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, 1, engine.refreshed)
}

func TestStatusIsNotRateLimited(t *testing.T) {
	engine := &fakeEngine{state: license.StatePending, clientType: provisioning.ClientTypeDevices}
	srv := newTestServer(t, engine, nil, rate.NewLimiter(rate.Limit(0), 1))

	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
