package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensectl/internal/provisioning"
)

// sessionAPI is the slice of the provisioning client the session manager
// needs.
type sessionAPI interface {
	OpenSession(ctx context.Context, req *provisioning.SessionRequest) (*provisioning.Response[provisioning.SessionStatus], error)
	CloseSession(ctx context.Context, req *provisioning.SessionRequest) (*provisioning.Response[string], error)
}

// SessionPhase is the lifecycle phase of a session manager.
type SessionPhase int

const (
	SessionIdle SessionPhase = iota
	SessionOpening
	SessionOpen
	SessionRenewing
	SessionClosing
	SessionClosed
)

// Floating-limit conflicts carry this remote error id.
const errIDFloatingLimitExceeded = 1007

const (
	// closeWait bounds how long disposal waits for the renewal loop and the
	// best-effort close call; shutdown must not hang on network silence.
	closeWait        = 5 * time.Second
	closeCallTimeout = 10 * time.Second
)

// SessionManager owns the lifecycle of one floating/named-user session:
// open, periodic renew and close. Every status transition is surfaced
// through the status callback; the owner re-publishes it as its own state.
type SessionManager struct {
	client   sessionAPI
	license  *provisioning.LicenseInfo
	deviceID string
	userID   string
	period   time.Duration
	onStatus func(Change)
	cache    *sessionCache
	logger   *slog.Logger

	mu          sync.Mutex
	phase       SessionPhase
	sessionID   uuid.UUID
	status      *provisioning.SessionStatus
	description string
	created     time.Time
	modified    time.Time

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewSessionManager prepares a session manager for the given license. The
// session id is generated (or recovered from the cache) on Open.
func NewSessionManager(
	client sessionAPI,
	license *provisioning.LicenseInfo,
	deviceID, userID string,
	cachePath string,
	period time.Duration,
	onStatus func(Change),
	logger *slog.Logger,
) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if onStatus == nil {
		onStatus = func(Change) {}
	}
	return &SessionManager{
		client:   client,
		license:  license,
		deviceID: deviceID,
		userID:   userID,
		period:   period,
		onStatus: onStatus,
		cache:    newSessionCache(cachePath),
		logger:   logger.With(slog.String("component", "session_manager")),
		phase:    SessionIdle,
		loopDone: make(chan struct{}),
	}
}

// Open opens a session, reusing a cached still-valid session without a
// network call. On success the renewal loop starts.
func (sm *SessionManager) Open(ctx context.Context) error {
	licenseID, err := uuid.Parse(sm.license.LicenseKey)
	if err != nil {
		return fmt.Errorf("license key is not a valid session license id: %w", err)
	}

	sm.setPhase(SessionOpening)

	loopCtx, cancel := context.WithCancel(context.Background())
	sm.mu.Lock()
	sm.cancel = cancel
	sm.mu.Unlock()

	if cached, ok := sm.cache.lookup(licenseID); ok && cached.ValidUntil.After(time.Now()) {
		sm.mu.Lock()
		sm.sessionID = cached.SessionID
		validUntil := cached.ValidUntil
		sm.status = &provisioning.SessionStatus{
			SessionID:         cached.SessionID,
			IsSessionValid:    true,
			SessionValidUntil: &validUntil,
		}
		sm.description = "Session is valid (cached)"
		sm.created = cached.Created
		sm.modified = time.Now()
		sm.phase = SessionOpen
		sm.mu.Unlock()

		sm.logger.Info("reusing cached session",
			slog.String("session_id", cached.SessionID.String()),
			slog.Time("valid_until", cached.ValidUntil),
		)
		sm.onStatus(Change{State: StateFullyValidated, Description: "Session is valid (cached)"})

		go sm.renewLoop(loopCtx, licenseID)
		return nil
	}

	sm.mu.Lock()
	sm.sessionID = uuid.New()
	sm.mu.Unlock()

	sm.sendOpen(ctx, licenseID, false)

	sm.mu.Lock()
	opened := sm.status != nil
	sm.mu.Unlock()

	if opened {
		go sm.renewLoop(loopCtx, licenseID)
	} else {
		cancel()
		close(sm.loopDone)
	}
	return nil
}

// SessionID returns the current session identifier.
func (sm *SessionManager) SessionID() uuid.UUID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessionID
}

// ValidUntil returns the server-reported session validity boundary.
func (sm *SessionManager) ValidUntil() *time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status == nil {
		return nil
	}
	return sm.status.SessionValidUntil
}

// Created returns when the session was first opened.
func (sm *SessionManager) Created() time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.created
}

// Modified returns when the session was last touched.
func (sm *SessionManager) Modified() time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.modified
}

// Description returns the outcome of the last session attempt.
func (sm *SessionManager) Description() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.description
}

// Phase returns the current lifecycle phase.
func (sm *SessionManager) Phase() SessionPhase {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.phase
}

// Close cancels the renewal loop, waits for it to observe cancellation and
// sends a best-effort close-session request, all within a bounded wait.
// Safe to call more than once.
func (sm *SessionManager) Close() {
	sm.closeOnce.Do(func() {
		sm.setPhase(SessionClosing)

		sm.mu.Lock()
		cancel := sm.cancel
		sm.mu.Unlock()
		if cancel == nil {
			// Never opened, nothing to tear down.
			sm.setPhase(SessionClosed)
			return
		}
		cancel()

		select {
		case <-sm.loopDone:
		case <-time.After(closeWait):
			sm.logger.Warn("renewal loop did not stop within close wait")
		}

		licenseID, err := uuid.Parse(sm.license.LicenseKey)
		if err == nil {
			ctx, cancelClose := context.WithTimeout(context.Background(), closeCallTimeout)
			defer cancelClose()
			if _, err := sm.client.CloseSession(ctx, sm.buildRequest(licenseID)); err != nil {
				sm.logger.Debug("close session request failed",
					slog.String("error", err.Error()),
				)
			}
			sm.cache.remove(licenseID)
		}

		sm.setPhase(SessionClosed)
	})
}

// renewLoop re-sends the open-session call every session period until
// cancelled. Cancellation is checked both before sleeping and after waking.
func (sm *SessionManager) renewLoop(ctx context.Context, licenseID uuid.UUID) {
	defer close(sm.loopDone)

	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sm.period):
		}

		if ctx.Err() != nil {
			return
		}

		sm.setPhase(SessionRenewing)
		sm.sendOpen(ctx, licenseID, true)
	}
}

func (sm *SessionManager) sendOpen(ctx context.Context, licenseID uuid.UUID, renew bool) {
	req := sm.buildRequest(licenseID)

	failureDescription := "Open session failed"
	if renew {
		failureDescription = "Renew session failed"
	}

	resp, err := sm.client.OpenSession(ctx, req)
	if err != nil {
		sm.recordFailure(failureDescription)
		sm.onStatus(Change{State: StateSessionOpenFailed, Description: failureDescription})
		return
	}

	switch resp.StatusCode {
	case http.StatusOK:
		status := resp.Result
		valid := status != nil && status.IsSessionValid

		description := "Session is not valid"
		if valid {
			description = "Session is valid"
		}

		sm.mu.Lock()
		sm.status = status
		sm.description = description
		now := time.Now()
		if sm.created.IsZero() {
			sm.created = now
		}
		sm.modified = now
		sm.phase = SessionOpen
		sessionID := sm.sessionID
		created := sm.created
		sm.mu.Unlock()

		if valid && status.SessionValidUntil != nil {
			sm.cache.store(licenseID, cachedSession{
				SessionID:  sessionID,
				ValidUntil: *status.SessionValidUntil,
				Created:    created,
			})
		}

		state := StateSessionOpenFailed
		if valid {
			state = StateFullyValidated
		}
		sm.onStatus(Change{State: state, Description: description})

	case http.StatusConflict:
		description := failureDescription
		state := StateSessionOpenFailed
		if resp.Error != nil {
			description = resp.Error.Message
			if resp.Error.ID == errIDFloatingLimitExceeded {
				state = StateFloatingLimitExceeded
			}
		}
		sm.recordFailure(description)
		sm.logger.Warn("session conflict",
			slog.String("description", description),
			slog.Bool("renew", renew),
		)
		sm.onStatus(Change{State: state, Description: description})

	default:
		sm.recordFailure(failureDescription)
		sm.onStatus(Change{State: StateSessionOpenFailed, Description: failureDescription})
	}
}

func (sm *SessionManager) recordFailure(description string) {
	sm.mu.Lock()
	sm.status = nil
	sm.description = description
	sm.modified = time.Now()
	sm.mu.Unlock()
}

func (sm *SessionManager) buildRequest(licenseID uuid.UUID) *provisioning.SessionRequest {
	req := &provisioning.SessionRequest{
		LicenseID: licenseID,
		SessionID: sm.SessionID(),
	}
	if sm.license.ClientType == provisioning.ClientTypeUsers && sm.userID != "" {
		req.UserID = sm.userID
	} else {
		req.ClientID = sm.deviceID
	}
	return req
}

func (sm *SessionManager) setPhase(phase SessionPhase) {
	sm.mu.Lock()
	sm.phase = phase
	sm.mu.Unlock()
}

// cachedSession is one persisted session, reusable across restarts while
// still valid.
type cachedSession struct {
	SessionID  uuid.UUID `json:"session_id"`
	ValidUntil time.Time `json:"valid_until"`
	Created    time.Time `json:"created"`
}

// sessionCache persists open sessions keyed by license id. Misses and IO
// errors degrade to "no cached session".
type sessionCache struct {
	path string
	mu   sync.Mutex
}

func newSessionCache(path string) *sessionCache {
	return &sessionCache{path: path}
}

func (c *sessionCache) lookup(licenseID uuid.UUID) (cachedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.read()
	entry, ok := entries[licenseID.String()]
	return entry, ok
}

func (c *sessionCache) store(licenseID uuid.UUID, entry cachedSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.read()
	entries[licenseID.String()] = entry
	c.write(entries)
}

func (c *sessionCache) remove(licenseID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.read()
	if _, ok := entries[licenseID.String()]; !ok {
		return
	}
	delete(entries, licenseID.String())
	c.write(entries)
}

func (c *sessionCache) read() map[string]cachedSession {
	entries := make(map[string]cachedSession)
	if c.path == "" {
		return entries
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return make(map[string]cachedSession)
	}
	return entries
}

func (c *sessionCache) write(entries map[string]cachedSession) {
	if c.path == "" {
		return
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	writeFileAtomic(c.path, data, 0600)
}
