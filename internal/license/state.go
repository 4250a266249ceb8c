// Package license implements the client-side licensing state machine: it
// derives one authoritative licensing state from offline artifacts, online
// heartbeats and session upkeep, and publishes every transition to
// subscribers.
package license

import (
	"encoding/json"
	"fmt"
)

// State is the single source of truth for whether this instance is allowed
// to run. Exactly one state is active at any time.
type State int

const (
	// StatePending means an online validation is in flight.
	StatePending State = iota

	// StateFullyValidated means a heartbeat returned a valid license and,
	// for floating licenses, a session is open.
	StateFullyValidated

	// StateOfflineValidated means a valid license file plus activation
	// (inline or via activation file) exists locally.
	StateOfflineValidated

	// StateTemporaryOfflineValidated means the cached heartbeat snapshot is
	// still inside its freeride grace period.
	StateTemporaryOfflineValidated

	// StateNeedsActivation means the server does not know this client yet.
	StateNeedsActivation

	// StateNeedsOfflineActivation means a valid license file exists but no
	// matching activation.
	StateNeedsOfflineActivation

	// StateInvalid means online validation failed terminally.
	StateInvalid

	// StateNotSignedIn means user-based licensing is active but no user is
	// signed in.
	StateNotSignedIn

	// StateLicenseFileMissing means offline mode is active but no license
	// file exists.
	StateLicenseFileMissing

	// StateLicenseFileInvalid means the license or activation file failed an
	// integrity or identity check.
	StateLicenseFileInvalid

	// StateSessionOpenFailed means the license is valid but no session could
	// be opened.
	StateSessionOpenFailed

	// StateFloatingLimitExceeded means all floating seats are taken.
	StateFloatingLimitExceeded
)

// String returns the canonical state name. Unknown values panic: every state
// must be handled explicitly, an unmapped one is a programming error.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateFullyValidated:
		return "FullyValidated"
	case StateOfflineValidated:
		return "OfflineValidated"
	case StateTemporaryOfflineValidated:
		return "TemporaryOfflineValidated"
	case StateNeedsActivation:
		return "NeedsActivation"
	case StateNeedsOfflineActivation:
		return "NeedsOfflineActivation"
	case StateInvalid:
		return "Invalid"
	case StateNotSignedIn:
		return "NotSignedIn"
	case StateLicenseFileMissing:
		return "LicenseFileMissing"
	case StateLicenseFileInvalid:
		return "LicenseFileInvalid"
	case StateSessionOpenFailed:
		return "SessionOpenFailed"
	case StateFloatingLimitExceeded:
		return "FloatingLimitExceeded"
	}
	panic(fmt.Sprintf("license: unknown state %d", int(s)))
}

// IsLicensed reports whether the state authorizes the software to run.
func (s State) IsLicensed() bool {
	switch s {
	case StateFullyValidated, StateOfflineValidated, StateTemporaryOfflineValidated:
		return true
	}
	return false
}

// IsOnlineState reports whether the state originates from online validation.
func (s State) IsOnlineState() bool {
	switch s {
	case StateFullyValidated,
		StateNeedsActivation,
		StateTemporaryOfflineValidated,
		StateFloatingLimitExceeded,
		StateNotSignedIn,
		StateSessionOpenFailed,
		StateInvalid:
		return true
	}
	return false
}

// IsOfflineState reports whether the state originates from offline file
// validation.
func (s State) IsOfflineState() bool {
	switch s {
	case StateOfflineValidated,
		StateNeedsOfflineActivation,
		StateLicenseFileMissing,
		StateLicenseFileInvalid:
		return true
	}
	return false
}

// MarshalJSON encodes the state by its canonical name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a canonical state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for candidate := StatePending; candidate <= StateFloatingLimitExceeded; candidate++ {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("license: unknown state %q", name)
}

// Change is one licensing state transition together with its human-readable
// description. Changes are delivered to subscribers in transition order.
type Change struct {
	State       State  `json:"state"`
	Description string `json:"description"`
}
