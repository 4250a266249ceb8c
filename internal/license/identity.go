package license

import "context"

// Identity is the external sign-in collaborator for user-based licensing.
// The engine subscribes to login-state changes: a completed sign-in re-enters
// Refresh, a sign-out yields NotSignedIn.
type Identity interface {
	IsSignedIn() bool
	Email() string
	BearerToken() string

	// SignIn starts the interactive sign-in flow. Completion is reported
	// through the login-state-changed notification, not the return value.
	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error

	// ErrorMessage returns the last sign-in/sign-out failure text.
	ErrorMessage() string

	// OnLoginStateChanged subscribes to login transitions and returns an
	// unsubscribe function.
	OnLoginStateChanged(fn func(signedIn bool)) (unsubscribe func())
}
