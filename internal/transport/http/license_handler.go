// Package http exposes the licensing engine over a small control API.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"licensectl/internal/errors"
	"licensectl/internal/license"
	"licensectl/internal/provisioning"
)

// Engine is the slice of the licensing engine the handler needs.
// *license.Engine satisfies it.
type Engine interface {
	State() (license.State, string)
	ErrorMessage() string
	License() *provisioning.LicenseInfo
	Session() *license.SessionManager
	ClientType() provisioning.ClientType

	Refresh(ctx context.Context)
	Activate(ctx context.Context, licenseKey, clientID string)
	Unassign(ctx context.Context)
	UploadLicenseFile(ctx context.Context, path string) error
	UploadActivationFile(ctx context.Context, path string) error
	SwitchToOnline(ctx context.Context) error
	SwitchToOffline(ctx context.Context) error
	SwitchToUserClientType(ctx context.Context) error
	SignOut(ctx context.Context) error
	BuildActivationFileRequest() (*url.URL, error)
}

// Identity is the sign-in slice the handler needs. *auth.Manager satisfies
// it.
type Identity interface {
	IsSignedIn() bool
	Email() string
	SignInWithToken(email, bearerToken string) error
	SignOut(ctx context.Context) error
}

// LicenseHandler serves the licensing control endpoints.
type LicenseHandler struct {
	engine   Engine
	identity Identity
	logger   *slog.Logger
	validate *validator.Validate
	limiter  *rate.Limiter
}

// NewLicenseHandler creates the handler. The limiter bounds the
// state-changing commands; a nil limiter disables rate limiting.
func NewLicenseHandler(engine Engine, identity Identity, limiter *rate.Limiter, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		engine:   engine,
		identity: identity,
		logger:   logger.With(slog.String("component", "license_handler")),
		validate: validator.New(),
		limiter:  limiter,
	}
}

// Routes mounts the licensing endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.Status)
	r.Get("/activation-file-request", h.ActivationFileRequest)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/refresh", h.Refresh)
		r.Post("/activate", h.Activate)
		r.Post("/unassign", h.Unassign)
		r.Post("/files/license", h.UploadLicenseFile)
		r.Post("/files/activation", h.UploadActivationFile)
		r.Post("/mode/online", h.SwitchToOnline)
		r.Post("/mode/offline", h.SwitchToOffline)
		r.Post("/mode/user", h.SwitchToUserClientType)
		r.Post("/signin", h.SignIn)
		r.Post("/signout", h.SignOut)
	})

	return r
}

// StatusResponse is the full licensing status snapshot.
type StatusResponse struct {
	State       license.State `json:"state"`
	Description string        `json:"description"`
	Licensed    bool          `json:"licensed"`
	ClientType  string        `json:"client_type"`
	SignedInAs  string        `json:"signed_in_as,omitempty"`
	Error       string        `json:"error,omitempty"`

	License *LicenseDetails `json:"license,omitempty"`
	Session *SessionDetails `json:"session,omitempty"`
}

// LicenseDetails is the license portion of a status snapshot.
type LicenseDetails struct {
	LicenseKey        string                             `json:"license_key"`
	ProductName       string                             `json:"product_name,omitempty"`
	TemplateName      string                             `json:"template_name,omitempty"`
	Customer          string                             `json:"customer,omitempty"`
	ExpirationDate    *time.Time                         `json:"expiration_date,omitempty"`
	FreerideDays      *int                               `json:"freeride_days,omitempty"`
	FreerideGranted   string                             `json:"freeride_granted,omitempty"`
	FreerideRemaining *float64                           `json:"freeride_remaining_days,omitempty"`
	ProvisioningMode  provisioning.ProvisioningMode      `json:"provisioning_mode"`
	Features          []provisioning.Feature             `json:"features,omitempty"`
	Limitations       []provisioning.Limitation          `json:"limitations,omitempty"`
	Variables         []provisioning.Variable            `json:"variables,omitempty"`
	Constrained       []provisioning.ConstrainedVariable `json:"constrained_variables,omitempty"`
}

// SessionDetails is the session portion of a status snapshot.
type SessionDetails struct {
	SessionID   string     `json:"session_id"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	Created     *time.Time `json:"created,omitempty"`
	Modified    *time.Time `json:"modified,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Render implements render.Renderer.
func (s *StatusResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// Status returns the current licensing state with license and session
// details.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	state, description := h.engine.State()

	resp := &StatusResponse{
		State:       state,
		Description: description,
		Licensed:    state.IsLicensed(),
		ClientType:  string(h.engine.ClientType()),
		Error:       h.engine.ErrorMessage(),
	}

	if h.identity != nil && h.identity.IsSignedIn() {
		resp.SignedInAs = h.identity.Email()
	}

	if info := h.engine.License(); info != nil {
		details := &LicenseDetails{
			LicenseKey:       info.LicenseKey,
			ProductName:      info.ProductName,
			TemplateName:     info.TemplateName,
			ExpirationDate:   info.ExpirationDateUTC,
			FreerideDays:     info.FreerideDays,
			ProvisioningMode: info.ProvisioningMode,
			Features:         info.Features,
			Limitations:      info.Limitations,
			Variables:        info.Variables,
			Constrained:      info.ConstrainedVariables,
		}
		if info.Customer != nil {
			details.Customer = info.Customer.CompanyName
		}
		if info.FreerideDays != nil {
			details.FreerideGranted = license.FreerideGrantedText(info)
			details.FreerideRemaining = license.RemainingFreerideDays(info, time.Now().UTC())
		}
		resp.License = details
	}

	if sm := h.engine.Session(); sm != nil {
		details := &SessionDetails{
			SessionID:   sm.SessionID().String(),
			ValidUntil:  sm.ValidUntil(),
			Description: sm.Description(),
		}
		if created := sm.Created(); !created.IsZero() {
			details.Created = &created
		}
		if modified := sm.Modified(); !modified.IsZero() {
			details.Modified = &modified
		}
		resp.Session = details
	}

	render.Render(w, r, resp)
}

// ActivateRequest assigns a license key to this installation.
type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,uuid"`
	ClientID   string `json:"client_id,omitempty"`
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(r *http.Request) error {
	return nil
}

// Activate runs the activation command and returns the resulting status.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	req := &ActivateRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.ErrValidation("license_key", "must be a UUID")))
		return
	}

	h.logger.Info("activation requested", slog.String("action", "activate"))
	h.engine.Activate(r.Context(), req.LicenseKey, req.ClientID)
	h.Status(w, r)
}

// Refresh re-derives the licensing state and returns the resulting status.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.engine.Refresh(r.Context())
	h.Status(w, r)
}

// Unassign releases the license assignment and returns the resulting status.
func (h *LicenseHandler) Unassign(w http.ResponseWriter, r *http.Request) {
	h.engine.Unassign(r.Context())
	h.Status(w, r)
}

// FileUploadRequest names a readable file on the local filesystem.
type FileUploadRequest struct {
	Path string `json:"path" validate:"required"`
}

// Bind implements render.Binder.
func (f *FileUploadRequest) Bind(r *http.Request) error {
	return nil
}

// UploadLicenseFile imports a signed license file.
func (h *LicenseHandler) UploadLicenseFile(w http.ResponseWriter, r *http.Request) {
	h.uploadFile(w, r, h.engine.UploadLicenseFile)
}

// UploadActivationFile imports a signed activation file.
func (h *LicenseHandler) UploadActivationFile(w http.ResponseWriter, r *http.Request) {
	h.uploadFile(w, r, h.engine.UploadActivationFile)
}

func (h *LicenseHandler) uploadFile(w http.ResponseWriter, r *http.Request, upload func(context.Context, string) error) {
	req := &FileUploadRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.ErrValidation("path", "is required")))
		return
	}

	if err := upload(r.Context(), req.Path); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.LicenseFileError(err)))
		return
	}
	h.Status(w, r)
}

// ActivationFileRequestResponse carries the download URL for an offline
// activation file.
type ActivationFileRequestResponse struct {
	URL string `json:"url"`
}

// Render implements render.Renderer.
func (a *ActivationFileRequestResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// ActivationFileRequest returns the URL a user visits to obtain an offline
// activation file.
func (h *LicenseHandler) ActivationFileRequest(w http.ResponseWriter, r *http.Request) {
	u, err := h.engine.BuildActivationFileRequest()
	if err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.ErrInternalServer))
		return
	}
	render.Render(w, r, &ActivationFileRequestResponse{URL: u.String()})
}

// SwitchToOnline switches to online device licensing.
func (h *LicenseHandler) SwitchToOnline(w http.ResponseWriter, r *http.Request) {
	h.switchMode(w, r, h.engine.SwitchToOnline)
}

// SwitchToOffline switches to offline file licensing.
func (h *LicenseHandler) SwitchToOffline(w http.ResponseWriter, r *http.Request) {
	h.switchMode(w, r, h.engine.SwitchToOffline)
}

// SwitchToUserClientType switches to user-based licensing.
func (h *LicenseHandler) SwitchToUserClientType(w http.ResponseWriter, r *http.Request) {
	h.switchMode(w, r, h.engine.SwitchToUserClientType)
}

func (h *LicenseHandler) switchMode(w http.ResponseWriter, r *http.Request, switchFn func(context.Context) error) {
	if err := switchFn(r.Context()); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.FileSystemError("mode switch", err)))
		return
	}
	h.Status(w, r)
}

// SignInRequest carries the user credential for user-based licensing.
type SignInRequest struct {
	Email       string `json:"email" validate:"required,email"`
	BearerToken string `json:"bearer_token"`
}

// Bind implements render.Binder.
func (s *SignInRequest) Bind(r *http.Request) error {
	return nil
}

// SignIn records the user credential; the engine refreshes through the
// login-state-changed notification.
func (h *LicenseHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil {
		render.Render(w, r, errors.NewErrorResponse(errors.ErrNotFound))
		return
	}

	req := &SignInRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.ErrValidation("email", "must be a valid email address")))
		return
	}

	if err := h.identity.SignInWithToken(req.Email, req.BearerToken); err != nil {
		render.Render(w, r, errors.NewErrorResponse(errors.InvalidRequestWithError(err)))
		return
	}
	h.Status(w, r)
}

// SignOut clears the license and the user credential.
func (h *LicenseHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SignOut(r.Context()); err != nil {
		h.logger.Warn("sign-out failed", slog.String("error", err.Error()))
	}
	h.Status(w, r)
}

// rateLimit bounds state-changing licensing commands.
func (h *LicenseHandler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			render.Render(w, r, errors.NewErrorResponse(errors.ErrRateLimitExceeded))
			return
		}
		next.ServeHTTP(w, r)
	})
}
