package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
)

// Request is one outbound API call. The coordinator attaches the bearer token.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any

	// ID correlates log entries for the call and its replay.
	ID string

	retried bool
}

// Retried reports whether this is the single post-refresh replay.
func (r *Request) Retried() bool {
	return r != nil && r.retried
}

func (r *Request) replay() *Request {
	clone := *r
	if r.Header != nil {
		clone.Header = r.Header.Clone()
	}
	clone.retried = true
	return &clone
}

// Response carries the status and the decoded `data` payload of the API envelope.
type Response struct {
	StatusCode int
	Header     http.Header
	Data       json.RawMessage
}

// Decode unmarshals the data payload into dest.
func (r *Response) Decode(dest any) error {
	if r == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return pkgerrors.New(pkgerrors.CodeDependency, "response has no data")
	}
	if err := json.Unmarshal(r.Data, dest); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode response data")
	}
	return nil
}

// TokenPair is what login and refresh return.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Transport sends a request with the given bearer token. Authentication
// rejections must be reported as errors carrying pkgerrors.CodeUnauthorized.
type Transport interface {
	Send(ctx context.Context, req *Request, accessToken string) (*Response, error)
}

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, staleAccessToken string) (TokenPair, error)
}

// Doer is the authenticated request surface other components depend on.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// State is the coordinator's refresh state.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateLoggedOut  State = "logged_out"
)

func isAuthFailure(err error) bool {
	return err != nil && pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized)
}
