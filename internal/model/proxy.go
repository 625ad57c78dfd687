// Package model defines shared types for the proxy.
package model

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
)

// AuthStrategy selects how the bearer credential for a route is obtained.
type AuthStrategy string

// Supported credential strategies.
const (
	AuthStatic   AuthStrategy = "static"
	AuthIdentity AuthStrategy = "identity"
	AuthStored   AuthStrategy = "stored"
	AuthNone     AuthStrategy = "none"
)

// Valid reports whether s is a known strategy.
func (s AuthStrategy) Valid() bool {
	switch s {
	case AuthStatic, AuthIdentity, AuthStored, AuthNone:
		return true
	}
	return false
}

// Route is one entry of the proxy route table. Target is a backend path taken
// from configuration; it may reference inbound path parameters as ":name".
type Route struct {
	Name   string       `toml:"name"`
	Method string       `toml:"method"`
	Path   string       `toml:"path"`
	Target string       `toml:"target"`
	Auth   AuthStrategy `toml:"auth"`
	Schema string       `toml:"schema"`
}

// Credential is the bearer credential resolved for a single request.
type Credential struct {
	Token  string
	Source AuthStrategy
	UserID string
}

// ProxyRequest represents a client request to be forwarded to the backend.
type ProxyRequest struct {
	Ctx        context.Context
	Route      Route
	PathParams map[string]string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RequestID  string
}

// BackendResponse is the raw backend response. The caller closes Body.
type BackendResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyResult is what the caller observes: a status code and a JSON body.
// Body is empty when the backend answered with no content.
type ProxyResult struct {
	StatusCode int
	Body       json.RawMessage
}

// ErrorEnvelope is the JSON body returned for every failed request.
type ErrorEnvelope struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
