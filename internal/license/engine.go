package license

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"licensectl/internal/provisioning"
)

// apiClient is the slice of the provisioning client the engine needs.
// *provisioning.Client satisfies it.
type apiClient interface {
	sessionAPI
	AddHeartbeat(ctx context.Context, req *provisioning.HeartbeatRequest) (*provisioning.Response[provisioning.LicenseInfo], error)
	ActivateLicense(ctx context.Context, req *provisioning.ActivationRequest) (*provisioning.Response[provisioning.LicenseInfo], error)
	UnassignLicense(ctx context.Context, req *provisioning.UnassignRequest) (*provisioning.Response[string], error)
	GetLicensesByUser(ctx context.Context, req *provisioning.UserLicensesRequest) (*provisioning.Response[[]provisioning.License], error)
	SetBearer(token string)
}

// Remote error ids on heartbeat conflicts.
const (
	errIDNeedsActivation = 2006
	errIDTokenUnassigned = 2002
)

const defaultSessionPeriod = 10 * time.Minute

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Client          apiClient
	Store           *ArtifactStore
	Auth            Identity
	ProductID       uuid.UUID
	DeviceID        string
	OperatingSystem string
	SoftwareVersion string
	APIBaseURL      string
	Logger          *slog.Logger
	Metrics         *Metrics
}

// Engine is the licensing state machine. It derives one authoritative state
// from offline artifacts, heartbeats and sessions, carries out activation
// and mode-switch commands, and publishes every transition in order.
//
// Every public command converts every underlying failure into a state plus a
// change notification; nothing escapes to the caller as an error unless the
// command itself could not even start.
type Engine struct {
	client          apiClient
	store           *ArtifactStore
	auth            Identity
	productID       uuid.UUID
	deviceID        string
	operatingSystem string
	softwareVersion string
	apiBaseURL      string
	logger          *slog.Logger
	metrics         *Metrics

	// generation guards against a stale in-flight refresh overwriting the
	// state set by a newer command.
	generation atomic.Uint64

	// stateMu orders state updates and their notifications; mu guards the
	// license/session pair, which must be swapped atomically.
	stateMu      sync.Mutex
	state        State
	description  string
	errorMessage string
	listeners    []func(Change)

	mu      sync.Mutex
	license *provisioning.LicenseInfo
	session *SessionManager
	mode    ModeConfig

	unsubscribeAuth func()
}

// NewEngine creates the licensing state machine in state Pending and
// subscribes to login-state changes.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Client == nil || cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a client and an artifact store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		client:          cfg.Client,
		store:           cfg.Store,
		auth:            cfg.Auth,
		productID:       cfg.ProductID,
		deviceID:        cfg.DeviceID,
		operatingSystem: cfg.OperatingSystem,
		softwareVersion: cfg.SoftwareVersion,
		apiBaseURL:      cfg.APIBaseURL,
		logger:          logger.With(slog.String("component", "licensing_engine")),
		metrics:         cfg.Metrics,
		state:           StatePending,
		description:     "License validation pending ...",
		mode:            loadModeConfig(cfg.Store.ModeConfigPath()),
	}

	if e.auth != nil {
		e.unsubscribeAuth = e.auth.OnLoginStateChanged(func(signedIn bool) {
			if signedIn {
				go e.Refresh(context.Background())
				return
			}
			gen := e.generation.Add(1)
			e.setState(gen, StateNotSignedIn, e.auth.ErrorMessage())
		})
	}

	return e, nil
}

// Subscribe registers a state-change listener and returns an unsubscribe
// function. Listeners are invoked in transition order and must not call back
// into engine commands synchronously.
func (e *Engine) Subscribe(fn func(Change)) (unsubscribe func()) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.listeners = append(e.listeners, fn)
	idx := len(e.listeners) - 1
	return func() {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		e.listeners[idx] = nil
	}
}

// State returns the current licensing state and its description.
func (e *Engine) State() (State, string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state, e.description
}

// ErrorMessage returns the last-known failure text of an unrecoverable call.
func (e *Engine) ErrorMessage() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.errorMessage
}

// ClientType returns the active client type; the license's own client type
// wins over the persisted mode.
func (e *Engine) ClientType() provisioning.ClientType {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.license != nil && e.license.ClientType != "" {
		return e.license.ClientType
	}
	return e.mode.ClientType
}

// License returns the current license info, nil unless the state carries one.
func (e *Engine) License() *provisioning.LicenseInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.license
}

// Session returns the active session manager, nil when no session exists.
func (e *Engine) Session() *SessionManager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Refresh re-derives the licensing state: offline artifacts first, then the
// online heartbeat path for the active client type. Terminal offline
// verdicts end the refresh cycle without any network call.
func (e *Engine) Refresh(ctx context.Context) {
	gen := e.generation.Add(1)

	e.setLicense(nil)
	e.closeSession()

	if verdict := e.store.CheckOfflineLicensing(); verdict != nil {
		e.applyVerdict(gen, verdict)
		return
	}

	e.setState(gen, StatePending, "License validation pending ...")

	if e.ClientType() == provisioning.ClientTypeUsers {
		e.refreshUsers(ctx, gen)
		return
	}
	e.refreshDevices(ctx, gen)
}

func (e *Engine) refreshDevices(ctx context.Context, gen uint64) {
	info, errMsg := e.addHeartbeat(ctx, gen, e.deviceID, "", func(resp *provisioning.Response[provisioning.LicenseInfo]) Verdict {
		e.setState(gen, StateNeedsActivation,
			fmt.Sprintf("License heartbeat received an error: %s", resp.Error.Message))
		return VerdictAbort
	})

	if info == nil {
		e.failRefreshIfPending(gen, errMsg)
		return
	}

	e.acceptHeartbeat(ctx, gen, info)
}

func (e *Engine) refreshUsers(ctx context.Context, gen uint64) {
	if e.auth == nil || !e.auth.IsSignedIn() {
		if e.auth != nil {
			// Continuation happens via the login-state-changed callback,
			// which re-enters Refresh after a successful sign-in.
			if err := e.auth.SignIn(ctx); err != nil {
				e.setState(gen, StateNotSignedIn, err.Error())
			}
			return
		}
		e.setState(gen, StateNotSignedIn, "No user signed in")
		return
	}

	licenses := e.lookupLicenses(ctx, gen)
	if len(licenses) == 0 {
		return
	}

	compositeID := e.deviceID + "/" + e.auth.Email()

	retried := false
	for {
		info, errMsg := e.addHeartbeat(ctx, gen, compositeID, e.auth.Email(), func(resp *provisioning.Response[provisioning.LicenseInfo]) Verdict {
			// Unknown client: activate the first looked-up license and let
			// the activation path take over.
			e.Activate(ctx, licenses[0].ID.String(), compositeID)
			return VerdictContinue
		})

		if info == nil {
			e.failRefreshIfPending(gen, errMsg)
			return
		}

		// A heartbeat answering with a different license than the lookup
		// selected means a stale assignment: unassign and try once more.
		if info.LicenseKey != licenses[0].ID.String() && !retried {
			retried = true
			e.setLicense(info)
			e.Unassign(ctx)
			// Unassign superseded our generation; claim a fresh one for the
			// second heartbeat round.
			gen = e.generation.Add(1)
			e.setState(gen, StatePending, "License validation pending ...")
			continue
		}

		e.acceptHeartbeat(ctx, gen, info)
		return
	}
}

// addHeartbeat sends the heartbeat through the resilient-call helper with
// the standard classifier: 2006 is delegated to the needs-activation
// strategy, 2002 self-heals by clearing the stale snapshot and retrying, and
// transient failures fall back to the cached snapshot.
func (e *Engine) addHeartbeat(
	ctx context.Context,
	gen uint64,
	clientID, userID string,
	needsActivation func(*provisioning.Response[provisioning.LicenseInfo]) Verdict,
) (*provisioning.LicenseInfo, string) {
	start := time.Now()

	info, errMsg := resilientCall(ctx, "AddHeartbeat", e.client.AddHeartbeat,
		func() *provisioning.HeartbeatRequest {
			return &provisioning.HeartbeatRequest{
				ProductID:       e.productID,
				ClientID:        clientID,
				TokenKey:        e.store.TokenFromSnapshot(),
				SoftwareVersion: e.softwareVersion,
				OperatingSystem: e.operatingSystem,
				UserID:          userID,
			}
		},
		func(resp *provisioning.Response[provisioning.LicenseInfo]) Verdict {
			switch resp.StatusCode {
			case 409:
				if resp.Error == nil {
					return VerdictContinue
				}
				switch resp.Error.ID {
				case errIDNeedsActivation:
					return needsActivation(resp)
				case errIDTokenUnassigned:
					e.store.RemoveSnapshot()
					return VerdictRetry
				}
			case 400, 503, 504:
				if fallback := e.store.TemporaryOfflineFallback(); fallback != nil {
					e.applyVerdict(gen, fallback)
					return VerdictAbort
				}
			}
			return VerdictContinue
		})

	outcome := "success"
	if info == nil {
		outcome = "failure"
	}
	e.metrics.recordHeartbeat(ctx, outcome, time.Since(start))

	return info, errMsg
}

func (e *Engine) lookupLicenses(ctx context.Context, gen uint64) []provisioning.License {
	e.client.SetBearer(e.auth.BearerToken())

	licenses, errMsg := resilientCall(ctx, "GetLicensesByUser", e.client.GetLicensesByUser,
		func() *provisioning.UserLicensesRequest {
			return &provisioning.UserLicensesRequest{
				ProductID:          e.productID,
				UserID:             e.auth.Email(),
				ActiveLicensesOnly: true,
			}
		},
		func(resp *provisioning.Response[[]provisioning.License]) Verdict {
			switch resp.StatusCode {
			case 409:
				e.setState(gen, StateInvalid, resp.Message)
				return VerdictAbort
			case 400, 503, 504:
				return VerdictAbort
			}
			return VerdictContinue
		})

	if licenses == nil {
		if errMsg == "" {
			errMsg = "License lookup failed."
		}
		e.failRefreshIfPending(gen, errMsg)
		return nil
	}

	// Only seats where this user is active count.
	userID := e.auth.Email()
	var active []provisioning.License
	for _, lic := range *licenses {
		for _, seat := range lic.LicenseUsers {
			if seat.UserID == userID && seat.IsActive {
				active = append(active, lic)
				break
			}
		}
	}

	if len(active) == 0 {
		e.setState(gen, StateInvalid, "User has no licenses")
		return nil
	}
	return active
}

// acceptHeartbeat applies the validity checks to a heartbeat response and,
// when valid, stores the license, caches the snapshot and resolves the
// provisioning mode.
func (e *Engine) acceptHeartbeat(ctx context.Context, gen uint64, info *provisioning.LicenseInfo) {
	if !info.IsLicenseValid || !info.IsSoftwareVersionValid {
		e.setState(gen, StateInvalid, invalidLicenseDescription(info))
		return
	}

	e.setLicense(info)

	if err := e.store.SaveSnapshot(info); err != nil {
		e.logger.Warn("failed to cache heartbeat snapshot",
			slog.String("error", err.Error()),
		)
	}

	e.handleProvisioningMode(ctx, gen)
}

// handleProvisioningMode finalizes a validated license: named device
// licenses are fully validated immediately, floating and user licenses need
// an open session whose status becomes the engine's own state.
func (e *Engine) handleProvisioningMode(ctx context.Context, gen uint64) {
	info := e.License()
	if info == nil {
		return
	}

	clientType := e.ClientType()

	if info.ProvisioningMode == provisioning.ProvisioningModeNamed && clientType == provisioning.ClientTypeDevices {
		e.setState(gen, StateFullyValidated, describeLicense(info, StateFullyValidated))
		return
	}

	if info.ProvisioningMode == provisioning.ProvisioningModeFloating || clientType == provisioning.ClientTypeUsers {
		period := defaultSessionPeriod
		if info.SessionPeriod != nil && *info.SessionPeriod > 0 {
			period = time.Duration(*info.SessionPeriod) * time.Minute
		}

		userID := ""
		if clientType == provisioning.ClientTypeUsers && e.auth != nil {
			userID = e.auth.Email()
		}

		var sm *SessionManager
		sm = NewSessionManager(e.client, info, e.deviceID, userID,
			e.store.SessionCachePath(), period,
			func(change Change) {
				outcome := "failure"
				if change.State == StateFullyValidated {
					outcome = "success"
					change.Description = describeLicense(info, StateFullyValidated)
				}
				e.metrics.recordSessionAttempt(ctx, outcome)
				e.sessionStateChanged(sm, change)
			},
			e.logger,
		)

		e.swapSession(sm)

		if err := sm.Open(ctx); err != nil {
			e.setState(gen, StateSessionOpenFailed, err.Error())
		}
	}
}

// Activate assigns a license key to this client. An empty clientID defaults
// to the device id.
func (e *Engine) Activate(ctx context.Context, licenseKey, clientID string) {
	gen := e.generation.Add(1)

	if clientID == "" {
		clientID = e.deviceID
	}

	info, _ := resilientCall(ctx, "ActivateLicense", e.client.ActivateLicense,
		func() *provisioning.ActivationRequest {
			return &provisioning.ActivationRequest{
				ProductID:       e.productID,
				LicenseKey:      licenseKey,
				ClientID:        clientID,
				ClientName:      "licensectl",
				SoftwareVersion: e.softwareVersion,
			}
		},
		nil,
	)

	if info == nil {
		e.metrics.recordActivation(ctx, "failure")
		e.setState(gen, StateNeedsActivation, "License activation failed.")
		return
	}

	if !info.IsLicenseValid || !info.IsSoftwareVersionValid {
		e.metrics.recordActivation(ctx, "invalid")
		e.setLicense(info)
		e.setState(gen, StateInvalid, invalidLicenseDescription(info))
		return
	}

	e.metrics.recordActivation(ctx, "success")
	e.setLicense(info)

	if err := e.store.SaveSnapshot(info); err != nil {
		e.logger.Warn("failed to cache heartbeat snapshot",
			slog.String("error", err.Error()),
		)
	}

	e.setState(gen, StateFullyValidated, describeLicense(info, StateFullyValidated))
	e.handleProvisioningMode(ctx, gen)
}

// Unassign releases the current license assignment. Without an assigned
// token this is a no-op that leaves the active session untouched.
func (e *Engine) Unassign(ctx context.Context) {
	info := e.License()
	if info == nil || info.TokenKey == nil {
		return
	}

	gen := e.generation.Add(1)

	resp, err := e.client.UnassignLicense(ctx, &provisioning.UnassignRequest{TokenKey: *info.TokenKey})
	if err != nil || resp.StatusCode != 200 {
		e.setState(gen, StateFullyValidated, "License unassignment failed.")
		return
	}

	e.setLicense(nil)
	e.closeSession()

	message := "License unassigned."
	if resp.Result != nil && *resp.Result != "" {
		message = *resp.Result
	}
	e.setState(gen, StateNeedsActivation, message)
}

// UploadLicenseFile copies a license file into the artifact store, dropping
// any stale activation file, and re-derives the state.
func (e *Engine) UploadLicenseFile(ctx context.Context, path string) error {
	if err := e.store.UploadLicenseFile(path); err != nil {
		return err
	}
	e.Refresh(ctx)
	return nil
}

// UploadActivationFile copies an activation file into the artifact store and
// re-derives the state. An activation that does not validate is deleted
// again immediately.
func (e *Engine) UploadActivationFile(ctx context.Context, path string) error {
	if err := e.store.UploadActivationFile(path); err != nil {
		return err
	}

	e.Refresh(ctx)

	if state, _ := e.State(); state != StateOfflineValidated {
		e.store.RemoveActivationFile()
	}
	return nil
}

// SwitchToOnline removes the offline artifacts, persists device-based online
// licensing and re-derives the state.
func (e *Engine) SwitchToOnline(ctx context.Context) error {
	e.store.RemoveOfflineFiles()

	if err := e.saveMode(provisioning.ClientTypeDevices); err != nil {
		return err
	}

	e.Refresh(ctx)
	return nil
}

// SwitchToOffline removes the cached snapshot, unassigns a fully validated
// license and waits for a license file upload.
func (e *Engine) SwitchToOffline(ctx context.Context) error {
	e.store.RemoveSnapshot()

	if err := e.saveMode(provisioning.ClientTypeDevices); err != nil {
		return err
	}

	if state, _ := e.State(); state == StateFullyValidated {
		e.Unassign(ctx)
	}

	e.setLicense(nil)
	e.closeSession()

	gen := e.generation.Add(1)
	e.setState(gen, StateLicenseFileMissing, "No license file")
	return nil
}

// SwitchToUserClientType switches to user-based licensing and re-derives the
// state, which typically triggers the sign-in flow.
func (e *Engine) SwitchToUserClientType(ctx context.Context) error {
	e.store.RemoveSnapshot()

	if err := e.saveMode(provisioning.ClientTypeUsers); err != nil {
		return err
	}

	if state, _ := e.State(); state == StateFullyValidated {
		e.Unassign(ctx)
	}

	e.setLicense(nil)

	e.Refresh(ctx)
	return nil
}

// SignOut clears the license and delegates to the identity collaborator; the
// login-state-changed notification sets NotSignedIn.
func (e *Engine) SignOut(ctx context.Context) error {
	e.setLicense(nil)
	e.closeSession()

	if e.auth == nil {
		return nil
	}
	return e.auth.SignOut(ctx)
}

// BuildActivationFileRequest returns the URL a user visits to download an
// offline activation file for the current license.
func (e *Engine) BuildActivationFileRequest() (*url.URL, error) {
	info := e.License()
	licenseKey := ""
	if info != nil {
		licenseKey = info.LicenseKey
	}

	u, err := url.Parse(e.apiBaseURL + "/provisioning/activations/offline")
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Set("product_id", e.productID.String())
	q.Set("license_key", licenseKey)
	q.Set("file_name", "LicenseActivation")
	q.Set("client_id", e.deviceID)
	u.RawQuery = q.Encode()

	return u, nil
}

// Close disposes the engine: the generation bump invalidates in-flight
// refreshes, the session is closed with a bounded wait and the auth
// subscription is released.
func (e *Engine) Close() {
	e.generation.Add(1)
	e.closeSession()
	if e.unsubscribeAuth != nil {
		e.unsubscribeAuth()
	}
}

// failRefreshIfPending surfaces a refresh failure only when no classifier or
// strategy has set a terminal state already.
func (e *Engine) failRefreshIfPending(gen uint64, errMsg string) {
	e.stateMu.Lock()
	pending := e.state == StatePending
	e.stateMu.Unlock()

	if pending {
		e.setState(gen, StateInvalid, fmt.Sprintf("License information refresh failed. %s", errMsg))
	}
}

// sessionStateChanged publishes a transition reported by the session manager.
// Session notifications are not pinned to the generation of the refresh that
// opened the session: the session stays authoritative for as long as it is
// the engine's active session, however many commands ran in between. A
// notification from a replaced session is dropped instead.
func (e *Engine) sessionStateChanged(sm *SessionManager, change Change) {
	e.mu.Lock()
	active := e.session == sm
	e.mu.Unlock()

	if !active {
		e.logger.Debug("dropping state change from replaced session",
			slog.String("state", change.State.String()),
		)
		return
	}
	e.setState(e.generation.Load(), change.State, change.Description)
}

func (e *Engine) applyVerdict(gen uint64, verdict *OfflineResult) {
	if verdict.License != nil {
		e.setLicense(verdict.License)
	}
	e.setState(gen, verdict.State, verdict.Description)
}

// setState records a transition and notifies subscribers in order. Stale
// generations are dropped so a superseded refresh cannot overwrite newer
// state.
func (e *Engine) setState(gen uint64, state State, description string) {
	e.stateMu.Lock()

	if gen != e.generation.Load() {
		e.stateMu.Unlock()
		e.logger.Debug("dropping stale state transition",
			slog.String("state", state.String()),
			slog.Uint64("generation", gen),
		)
		return
	}

	e.state = state
	e.description = description
	if state == StateInvalid || state == StateSessionOpenFailed || state == StateLicenseFileInvalid {
		e.errorMessage = description
	}

	listeners := make([]func(Change), 0, len(e.listeners))
	for _, fn := range e.listeners {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}

	e.logger.Info("licensing state changed",
		slog.String("state", state.String()),
		slog.String("description", description),
	)
	e.metrics.recordTransition(context.Background(), state)

	// Listeners are invoked under stateMu so transitions are observed in
	// the order they occurred.
	for _, fn := range listeners {
		fn(Change{State: state, Description: description})
	}

	e.stateMu.Unlock()
}

func (e *Engine) setLicense(info *provisioning.LicenseInfo) {
	e.mu.Lock()
	e.license = info
	e.mu.Unlock()
}

// swapSession atomically replaces the session manager, closing the previous
// one.
func (e *Engine) swapSession(sm *SessionManager) {
	e.mu.Lock()
	previous := e.session
	e.session = sm
	e.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
}

func (e *Engine) closeSession() {
	e.swapSession(nil)
}

func (e *Engine) saveMode(clientType provisioning.ClientType) error {
	e.mu.Lock()
	e.mode = ModeConfig{ClientType: clientType}
	mode := e.mode
	e.mu.Unlock()

	return mode.save(e.store.ModeConfigPath())
}

// invalidLicenseDescription picks the most specific reason a license is not
// usable.
func invalidLicenseDescription(info *provisioning.LicenseInfo) string {
	switch {
	case info.IsLicenseExpired:
		if info.ExpirationDateUTC != nil {
			return fmt.Sprintf("License is expired since %s", info.ExpirationDateUTC.Format("2006-01-02"))
		}
		return "License is expired"
	case !info.IsLicenseActive:
		return "License is not active"
	case !info.IsSoftwareVersionValid:
		return "License is not valid for this software version"
	default:
		return "License is not valid"
	}
}
