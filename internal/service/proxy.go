// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"dashboard-proxy/internal/auth"
	"dashboard-proxy/internal/client"
	"dashboard-proxy/internal/config"
	"dashboard-proxy/internal/model"
	"dashboard-proxy/internal/validate"
)

var (
	// ErrBodyRequired is returned when a POST route receives no body.
	ErrBodyRequired = errors.New("request body required")
	// ErrInvalidJSON is returned when a POST body is not valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON body")
	// ErrInvalidPathParam is returned when a path parameter would escape its segment.
	ErrInvalidPathParam = errors.New("invalid path parameter")
	// ErrMalformedResponse is returned when a 2xx backend body is not valid JSON.
	ErrMalformedResponse = errors.New("backend returned malformed JSON")
	// ErrResponseTooLarge is returned when a 2xx backend body exceeds upstream.max_response_bytes.
	ErrResponseTooLarge = errors.New("backend response too large")
)

// BackendError is a non-2xx backend response. Body holds the raw response
// text, which may not be JSON.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

const (
	userAgent = "dashboard-proxy/1.0"

	// maxErrorBodyBytes bounds how much of a backend error body is read.
	maxErrorBodyBytes = 64 << 10
)

// CredentialResolver resolves the credential for a route's strategy.
type CredentialResolver interface {
	Resolve(ctx context.Context, strategy model.AuthStrategy, header http.Header) (model.Credential, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client     *client.BackendClient
	resolver   CredentialResolver
	validators *validate.Validators
	logger     *slog.Logger
	baseURL    *url.URL
	maxBody    int64
}

// NewProxyService creates a ProxyService. validators may be nil when no route
// declares a schema.
func NewProxyService(c *client.BackendClient, resolver CredentialResolver, validators *validate.Validators, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	base := cfg.Upstream.BaseURL
	if base == "" {
		base = config.DefaultBackendURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if allowed := cfg.Upstream.AllowedHosts; len(allowed) > 0 {
		if !slices.ContainsFunc(allowed, func(h string) bool { return strings.EqualFold(h, u.Hostname()) }) {
			return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
		}
	}

	maxBody := cfg.Upstream.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxResponseBytes
	}

	return &ProxyService{
		client:     c,
		resolver:   resolver,
		validators: validators,
		logger:     logger.With("component", "proxy_service"),
		baseURL:    u,
		maxBody:    maxBody,
	}, nil
}

// BaseURL returns the backend base URL requests are forwarded to.
func (s *ProxyService) BaseURL() string {
	return s.baseURL.String()
}

// Forward resolves the route's credential, sends one request to the backend
// and returns its result.
//
// A non-2xx backend response is returned as *BackendError. Transport failures
// are returned wrapped and never retried.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResult, error) {
	route := pr.Route
	log := s.logger.With("route", route.Name, "request_id", pr.RequestID)
	log.Debug("request received", "method", route.Method, "target", route.Target)

	cred, err := s.resolver.Resolve(pr.Ctx, route.Auth, pr.Header)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	log.Debug("credential resolved",
		"strategy", route.Auth,
		"token", auth.MaskToken(cred.Token),
	)

	body, err := s.prepareBody(route, pr.Body)
	if err != nil {
		return nil, err
	}

	target, err := s.buildURL(route, pr.PathParams, pr.Query)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	log.Debug("forwarding request", "method", route.Method, "url", target)
	resp, err := s.client.Send(pr.Ctx, route.Method, target, s.outboundHeader(cred, pr.RequestID), reader)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug("backend responded", "status", resp.StatusCode)
	return s.relay(resp)
}

// prepareBody checks and compacts a POST body. GET routes carry no body.
func (s *ProxyService) prepareBody(route model.Route, raw []byte) ([]byte, error) {
	if route.Method != http.MethodPost {
		return nil, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrBodyRequired
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := s.validators.Validate(route.Name, buf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildURL joins the base URL and the route target. Target placeholders are
// replaced by escaped path parameters; the query is forwarded for GET only.
func (s *ProxyService) buildURL(route model.Route, params map[string]string, query url.Values) (string, error) {
	segs := strings.Split(route.Target, "/")
	raw := make([]string, len(segs))
	for i, seg := range segs {
		name, ok := strings.CutPrefix(seg, ":")
		if !ok || name == "" {
			raw[i] = url.PathEscape(seg)
			continue
		}
		v := params[name]
		if v == "" || v == "." || v == ".." {
			return "", fmt.Errorf("%w %q", ErrInvalidPathParam, name)
		}
		segs[i] = v
		raw[i] = url.PathEscape(v)
	}

	u := *s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + strings.Join(segs, "/")
	u.RawPath = strings.TrimSuffix(s.baseURL.EscapedPath(), "/") + strings.Join(raw, "/")
	u.RawQuery = ""
	u.Fragment = ""
	if route.Method == http.MethodGet && len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// outboundHeader derives the backend request headers. Inbound headers are
// never copied.
func (s *ProxyService) outboundHeader(cred model.Credential, requestID string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	if cred.Token != "" {
		h.Set("Authorization", "Bearer "+cred.Token)
	}
	if cred.UserID != "" {
		h.Set("X-User-Id", cred.UserID)
	}
	if requestID != "" {
		h.Set("X-Request-Id", requestID)
	}
	return h
}

// relay turns a backend response into a ProxyResult or a *BackendError.
func (s *ProxyService) relay(resp *model.BackendResponse) (*model.ProxyResult, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read backend error body: %w", err)
		}
		return nil, &BackendError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(text)),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	if int64(len(data)) > s.maxBody {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrResponseTooLarge, s.maxBody)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &model.ProxyResult{StatusCode: resp.StatusCode}, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w (status %d)", ErrMalformedResponse, resp.StatusCode)
	}
	return &model.ProxyResult{StatusCode: resp.StatusCode, Body: json.RawMessage(data)}, nil
}
