package provisioning

import (
	"time"

	"github.com/google/uuid"
)

// ProvisioningMode describes how a license is assigned to clients.
type ProvisioningMode string

const (
	ProvisioningModeNamed    ProvisioningMode = "Named"
	ProvisioningModeFloating ProvisioningMode = "Floating"
)

// ClientType describes what kind of client consumes a license seat.
type ClientType string

const (
	ClientTypeDevices ClientType = "Devices"
	ClientTypeUsers   ClientType = "Users"
)

// CustomerAccount identifies the licensee.
type CustomerAccount struct {
	ID          uuid.UUID `json:"id"`
	CompanyName string    `json:"company_name"`
	Number      string    `json:"customer_number,omitempty"`
}

// Feature is a provisioned license feature.
type Feature struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	IsActive    bool      `json:"is_active"`
	Description string    `json:"description,omitempty"`
}

// Limitation is a metered license limitation with a remaining quota.
type Limitation struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
}

// Variable is a free-form license variable.
type Variable struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Value string    `json:"value"`
}

// ConstrainedVariable is a license variable restricted to a value set.
type ConstrainedVariable struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Values []string  `json:"values"`
}

// VersionRange bounds the software versions a license file is valid for.
// An empty bound means unbounded on that side.
type VersionRange struct {
	MinVersion string `json:"min_version,omitempty"`
	MaxVersion string `json:"max_version,omitempty"`
}

// LicenseInfo is the server's complete answer about one license assignment.
// It is replaced wholesale on every successful heartbeat, activation or
// offline file read; the only partial mutation allowed is injecting the
// token key from a separate activation file.
type LicenseInfo struct {
	LicenseKey          string                `json:"license_key"`
	TokenKey            *uuid.UUID            `json:"token_key,omitempty"`
	ProductID           uuid.UUID             `json:"product_id"`
	ProductName         string                `json:"product_name,omitempty"`
	TemplateID          uuid.UUID             `json:"template_id"`
	TemplateName        string                `json:"template_name,omitempty"`
	LicenseType         string                `json:"license_type,omitempty"`
	ClientID            string                `json:"client_id,omitempty"`
	Customer            *CustomerAccount      `json:"customer,omitempty"`
	ExpirationDateUTC   *time.Time            `json:"expiration_date_utc,omitempty"`
	CreatedDateUTC      *time.Time            `json:"created_date_utc,omitempty"`
	FreerideDays        *int                  `json:"freeride,omitempty"`
	ProvisioningMode    ProvisioningMode      `json:"provisioning_mode"`
	ClientType          ClientType            `json:"client_type,omitempty"`
	SessionPeriod       *int                  `json:"session_period,omitempty"`
	Features            []Feature             `json:"features,omitempty"`
	Limitations         []Limitation          `json:"limitations,omitempty"`
	Variables           []Variable            `json:"variables,omitempty"`
	ConstrainedVariables []ConstrainedVariable `json:"constrained_variables,omitempty"`
	ReleaseCompliance   *VersionRange         `json:"release_compliance,omitempty"`

	IsLicenseValid         bool `json:"is_license_valid"`
	IsLicenseExpired       bool `json:"is_license_expired"`
	IsLicenseActive        bool `json:"is_license_active"`
	IsSoftwareVersionValid bool `json:"is_software_version_valid"`
}

// Activation is the content of a signed offline activation file.
type Activation struct {
	LicenseKey string    `json:"license_key"`
	ClientID   string    `json:"client_id"`
	TokenKey   uuid.UUID `json:"token_key"`
}

// SessionStatus is the server's answer to an open-session request.
type SessionStatus struct {
	SessionID         uuid.UUID  `json:"session_id"`
	IsSessionValid    bool       `json:"is_session_valid"`
	SessionValidUntil *time.Time `json:"session_valid_until,omitempty"`
	CreatedDateUTC    *time.Time `json:"created_date_utc,omitempty"`
	ModifiedDateUTC   *time.Time `json:"modified_date_utc,omitempty"`
}

// License is a license record returned by a per-user lookup.
type License struct {
	ID           uuid.UUID     `json:"id"`
	LicenseKey   string        `json:"license_key,omitempty"`
	LicenseUsers []LicenseUser `json:"license_users,omitempty"`
}

// LicenseUser is a user seat on a license.
type LicenseUser struct {
	UserID   string `json:"user_id"`
	IsActive bool   `json:"is_active"`
}

// HeartbeatRequest identifies this client to the licensing service.
type HeartbeatRequest struct {
	ProductID       uuid.UUID  `json:"product_id"`
	ClientID        string     `json:"client_id"`
	TokenKey        *uuid.UUID `json:"token_key,omitempty"`
	SoftwareVersion string     `json:"software_version"`
	OperatingSystem string     `json:"operating_system"`
	UserID          string     `json:"user_id,omitempty"`
}

// ActivationRequest assigns a license to a client.
type ActivationRequest struct {
	ProductID       uuid.UUID `json:"product_id"`
	LicenseKey      string    `json:"license_key"`
	ClientID        string    `json:"client_id"`
	ClientName      string    `json:"client_name,omitempty"`
	SoftwareVersion string    `json:"software_version"`
}

// UnassignRequest releases a license assignment identified by its token key.
type UnassignRequest struct {
	TokenKey uuid.UUID `json:"token_key"`
}

// SessionRequest opens, renews or closes a floating/named-user session.
type SessionRequest struct {
	LicenseID uuid.UUID `json:"license_id"`
	SessionID uuid.UUID `json:"session_id"`
	ClientID  string    `json:"client_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// UserLicensesRequest looks up the active licenses of a signed-in user.
type UserLicensesRequest struct {
	ProductID          uuid.UUID `json:"product_id"`
	UserID             string    `json:"user_id"`
	ActiveLicensesOnly bool      `json:"active_licenses_only"`
}
