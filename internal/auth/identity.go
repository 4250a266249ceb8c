// Package auth holds the signed-in user for user-based licensing. Sign-in is
// driven through the control API; the credential is persisted so a restart
// keeps the user signed in.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// credential is the persisted sign-in record.
type credential struct {
	Email       string `json:"email"`
	BearerToken string `json:"bearer_token"`
}

// Manager implements the identity collaborator of the licensing engine. It
// has no interactive flow of its own: SignInWithToken is called by the
// control API, SignIn only reports that a sign-in is required.
type Manager struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	cred      *credential
	lastError string
	listeners []func(signedIn bool)
}

// NewManager loads any persisted credential from path.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:   path,
		logger: logger.With(slog.String("component", "auth")),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	var cred credential
	if err := json.Unmarshal(data, &cred); err != nil || cred.Email == "" {
		return m
	}
	m.cred = &cred
	m.logger.Info("restored signed-in user", slog.String("email", cred.Email))
	return m
}

// IsSignedIn reports whether a user credential is present.
func (m *Manager) IsSignedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred != nil
}

// Email returns the signed-in user's email, empty when signed out.
func (m *Manager) Email() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.Email
}

// BearerToken returns the signed-in user's bearer token, empty when signed
// out.
func (m *Manager) BearerToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.BearerToken
}

// SignIn cannot complete on its own; the control API must supply the
// credential through SignInWithToken.
func (m *Manager) SignIn(ctx context.Context) error {
	m.mu.Lock()
	m.lastError = "No user signed in"
	m.mu.Unlock()
	return fmt.Errorf("sign-in requires a credential, use the sign-in endpoint")
}

// SignInWithToken records the credential, persists it and notifies
// subscribers.
func (m *Manager) SignInWithToken(email, bearerToken string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}

	cred := &credential{Email: email, BearerToken: bearerToken}

	m.mu.Lock()
	m.cred = cred
	m.lastError = ""
	listeners := m.activeListeners()
	m.mu.Unlock()

	if err := m.persist(cred); err != nil {
		m.logger.Warn("failed to persist credential", slog.String("error", err.Error()))
	}

	m.logger.Info("user signed in", slog.String("email", email))
	for _, fn := range listeners {
		fn(true)
	}
	return nil
}

// SignOut drops the credential, removes the persisted copy and notifies
// subscribers.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	wasSignedIn := m.cred != nil
	m.cred = nil
	m.lastError = "No user signed in"
	listeners := m.activeListeners()
	m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove persisted credential", slog.String("error", err.Error()))
	}

	if wasSignedIn {
		m.logger.Info("user signed out")
		for _, fn := range listeners {
			fn(false)
		}
	}
	return nil
}

// ErrorMessage returns the last sign-in failure text.
func (m *Manager) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// OnLoginStateChanged subscribes to login transitions and returns an
// unsubscribe function.
func (m *Manager) OnLoginStateChanged(fn func(signedIn bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
	idx := len(m.listeners) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listeners[idx] = nil
	}
}

// activeListeners must be called with mu held.
func (m *Manager) activeListeners() []func(bool) {
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	return listeners
}

func (m *Manager) persist(cred *credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
