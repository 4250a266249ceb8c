// Package provisioning is the HTTP client for the remote licensing API.
// It only moves requests and responses over the wire; retry policy and
// state derivation live in internal/license.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrorInfo is the structured error body the licensing service attaches to
// conflict responses (HTTP 409).
type ErrorInfo struct {
	ID      int    `json:"id"`
	Message string `json:"message"`
}

// Response carries the outcome of one API call. Exactly one of Result and
// Error is set for 200 and 409 responses; other statuses carry Message only.
type Response[T any] struct {
	StatusCode int
	Result     *T
	Error      *ErrorInfo
	Message    string
}

// Client talks to the licensing service. All calls share a fixed client-side
// timeout independent of any retry policy applied above.
type Client struct {
	baseURL         string
	provisioningKey string
	httpClient      *http.Client
	logger          *slog.Logger

	// bearer may be swapped while other calls are in flight.
	mu     sync.RWMutex
	bearer string
}

const requestTimeout = 30 * time.Second

// NewClient creates a licensing API client for the given base URL.
func NewClient(baseURL, provisioningKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		provisioningKey: provisioningKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger.With(slog.String("component", "provisioning_client")),
	}
}

// SetBearer attaches a user bearer token to subsequent requests. Pass an
// empty string to clear it.
func (c *Client) SetBearer(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

func (c *Client) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

// SetHTTPClient replaces the underlying HTTP client. Intended for tests and
// fault-injection transports.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}

// AddHeartbeat reports this client to the licensing service and returns the
// current license assignment.
func (c *Client) AddHeartbeat(ctx context.Context, req *HeartbeatRequest) (*Response[LicenseInfo], error) {
	return post[HeartbeatRequest, LicenseInfo](ctx, c, "/provisioning/heartbeats", req)
}

// ActivateLicense assigns a license key to a client.
func (c *Client) ActivateLicense(ctx context.Context, req *ActivationRequest) (*Response[LicenseInfo], error) {
	return post[ActivationRequest, LicenseInfo](ctx, c, "/provisioning/activations", req)
}

// UnassignLicense releases the assignment held by the given token key.
func (c *Client) UnassignLicense(ctx context.Context, req *UnassignRequest) (*Response[string], error) {
	return post[UnassignRequest, string](ctx, c, "/provisioning/unassign", req)
}

// OpenSession opens or renews a session for a floating or named-user license.
func (c *Client) OpenSession(ctx context.Context, req *SessionRequest) (*Response[SessionStatus], error) {
	return post[SessionRequest, SessionStatus](ctx, c, "/provisioning/sessions/open", req)
}

// CloseSession closes a previously opened session.
func (c *Client) CloseSession(ctx context.Context, req *SessionRequest) (*Response[string], error) {
	return post[SessionRequest, string](ctx, c, "/provisioning/sessions/close", req)
}

// GetLicensesByUser looks up the licenses assigned to a user.
func (c *Client) GetLicensesByUser(ctx context.Context, req *UserLicensesRequest) (*Response[[]License], error) {
	return post[UserLicensesRequest, []License](ctx, c, "/provisioning/licenses/user", req)
}

func post[In any, Out any](ctx context.Context, c *Client, path string, payload *In) (*Response[Out], error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.provisioningKey != "" {
		httpReq.Header.Set("ProvisioningKey", c.provisioningKey)
	}
	if bearer := c.bearerToken(); bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "licensing API request failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer httpResp.Body.Close()

	resp := &Response[Out]{StatusCode: httpResp.StatusCode}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", path, err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
		var result Out
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("decode response from %s: %w", path, err)
		}
		resp.Result = &result
	case http.StatusConflict:
		var errInfo ErrorInfo
		if err := json.Unmarshal(respBody, &errInfo); err != nil {
			resp.Message = strings.TrimSpace(string(respBody))
		} else {
			resp.Error = &errInfo
			resp.Message = errInfo.Message
		}
	default:
		resp.Message = strings.TrimSpace(string(respBody))
	}

	c.logger.DebugContext(ctx, "licensing API request completed",
		slog.String("path", path),
		slog.Int("status", httpResp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	return resp, nil
}
