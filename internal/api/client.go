// Package api talks to the marketplace REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/packfinderz-client/internal/session"
	"github.com/angelmondragon/packfinderz-client/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"github.com/angelmondragon/packfinderz-client/pkg/types"
	"github.com/angelmondragon/packfinderz-client/pkg/validation"
)

const (
	defaultRequestTimeout       = 20 * time.Second
	responseBodyLimit     int64 = 1 << 20

	refreshPath = "/api/v1/auth/refresh"
	loginPath   = "/api/v1/auth/login"

	headerToken     = "X-PF-Token"
	headerRequestID = "X-Request-ID"
	headerRetry     = "X-PF-Retry"
)

var errBaseURLRequired = errors.New("api base url is required")

// Client sends requests to the marketplace API and translates its envelopes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logg       *logger.Logger
}

type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewClient(cfg config.APIConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if logg == nil {
		logg = logger.Nop()
	}
	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logg:       logg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Send implements session.Transport. A 401 is reported as CodeUnauthorized.
func (c *Client) Send(ctx context.Context, req *session.Request, accessToken string) (*session.Response, error) {
	if req == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "request is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "marshal request body")
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build request")
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if req.ID != "" {
		httpReq.Header.Set(headerRequestID, req.ID)
	}
	if req.Retried() {
		httpReq.Header.Set(headerRetry, "1")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.WrapContext(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s", method, req.Path))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return nil, pkgerrors.WrapContext(pkgerrors.CodeDependency, err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, raw)
		c.logg.Debug(c.logg.WithFields(ctx, map[string]any{
			"status": resp.StatusCode,
			"path":   req.Path,
			"code":   string(apiErr.Code()),
		}), "api.request.rejected")
		return nil, apiErr
	}

	out := &session.Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if len(bytes.TrimSpace(raw)) > 0 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode response envelope")
		}
		out.Data = envelope.Data
	}
	return out, nil
}

// decodeError builds a typed error from an error envelope. The status decides
// the code so that a 401 is always recognised as an auth failure.
func decodeError(status int, raw []byte) *pkgerrors.Error {
	code := pkgerrors.FromHTTPStatus(status)
	message := http.StatusText(status)

	var envelope types.ErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}
	apiErr := pkgerrors.New(code, message)
	if envelope.Error.Code != "" || envelope.Error.Details != nil {
		apiErr = apiErr.WithDetails(map[string]any{
			"status":      status,
			"server_code": envelope.Error.Code,
			"details":     envelope.Error.Details,
		})
	}
	return apiErr
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh implements session.Refresher. It bypasses the coordinator; the stale
// access token identifies the session being rotated.
func (c *Client) Refresh(ctx context.Context, refreshToken, staleAccessToken string) (session.TokenPair, error) {
	resp, err := c.Send(ctx, &session.Request{
		Method: http.MethodPost,
		Path:   refreshPath,
		Body:   refreshRequest{RefreshToken: refreshToken},
	}, staleAccessToken)
	if err != nil {
		return session.TokenPair{}, err
	}
	var tokens tokenResponse
	if err := resp.Decode(&tokens); err != nil {
		return session.TokenPair{}, err
	}
	return session.TokenPair{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login exchanges credentials for a token pair. The access token may arrive in
// the envelope or in the X-PF-Token header.
func (c *Client) Login(ctx context.Context, body LoginRequest) (session.TokenPair, error) {
	body.Email = validation.SanitizeString(body.Email, 0)
	if err := validation.Struct(body); err != nil {
		return session.TokenPair{}, err
	}
	resp, err := c.Send(ctx, &session.Request{Method: http.MethodPost, Path: loginPath, Body: body}, "")
	if err != nil {
		return session.TokenPair{}, err
	}
	var tokens tokenResponse
	if len(resp.Data) > 0 {
		if err := resp.Decode(&tokens); err != nil {
			return session.TokenPair{}, err
		}
	}
	if tokens.AccessToken == "" {
		tokens.AccessToken = strings.TrimSpace(resp.Header.Get(headerToken))
	}
	if tokens.AccessToken == "" {
		return session.TokenPair{}, pkgerrors.New(pkgerrors.CodeDependency, "login response missing access token")
	}
	return session.TokenPair{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}
