// Package auth resolves the bearer credential attached to backend calls.
//
// Every request resolves its credential from scratch. The resolver keeps no
// per-request state, so concurrent requests cannot observe each other's tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"dashboard-proxy/internal/config"
	"dashboard-proxy/internal/metrics"
	"dashboard-proxy/internal/model"
	"dashboard-proxy/internal/store"
)

// ErrUnauthenticated is returned when a route requires a credential and none
// can be resolved for the request.
var ErrUnauthenticated = errors.New("authentication required")

var (
	errStaticDisabled  = errors.New("auth: static credentials require open mode and a dev token")
	errProviderMissing = errors.New("auth: identity provider not configured")
	errStoreMissing    = errors.New("auth: credential store not configured")
	errUnknownStrategy = errors.New("auth: unknown strategy")
)

// Resolver turns a route's strategy plus the inbound headers into a credential.
type Resolver struct {
	openMode      bool
	devToken      string
	identity      IdentityProvider
	store         store.TokenStore
	sessionCookie string
	sessionHeader string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewResolver creates a Resolver. identity and st may be nil when no route
// uses the corresponding strategy; m may be nil to disable metrics.
func NewResolver(cfg *config.Config, identity IdentityProvider, st store.TokenStore, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		openMode:      cfg.Auth.OpenMode,
		devToken:      cfg.Auth.DevToken,
		identity:      identity,
		store:         st,
		sessionCookie: cfg.Auth.Store.SessionCookie,
		sessionHeader: cfg.Auth.Store.SessionHeader,
		logger:        logger.With("component", "credential_resolver"),
		metrics:       m,
	}
}

// Resolve returns the credential for strategy. Failures that mean "the caller
// is not authenticated" wrap ErrUnauthenticated; anything else is internal.
func (r *Resolver) Resolve(ctx context.Context, strategy model.AuthStrategy, header http.Header) (model.Credential, error) {
	cred, err := r.resolve(ctx, strategy, header)
	r.record(strategy, err)
	if err != nil {
		return model.Credential{}, err
	}
	cred.Source = strategy
	return cred, nil
}

func (r *Resolver) resolve(ctx context.Context, strategy model.AuthStrategy, header http.Header) (model.Credential, error) {
	switch strategy {
	case model.AuthNone:
		return model.Credential{}, nil

	case model.AuthStatic:
		if !r.openMode || r.devToken == "" {
			return model.Credential{}, errStaticDisabled
		}
		return model.Credential{Token: r.devToken}, nil

	case model.AuthIdentity:
		if r.identity == nil {
			return model.Credential{}, errProviderMissing
		}
		sess, err := r.identity.Authenticate(ctx, header)
		if err != nil {
			return model.Credential{}, err
		}
		if sess.Token == "" {
			return model.Credential{}, fmt.Errorf("%w: identity provider issued no token", ErrUnauthenticated)
		}
		return model.Credential{Token: sess.Token, UserID: sess.UserID}, nil

	case model.AuthStored:
		return r.resolveStored(ctx, header)
	}
	return model.Credential{}, fmt.Errorf("%w %q", errUnknownStrategy, strategy)
}

func (r *Resolver) resolveStored(ctx context.Context, header http.Header) (model.Credential, error) {
	if r.store == nil {
		return model.Credential{}, errStoreMissing
	}

	sessionID := cookieValue(header, r.sessionCookie)
	if sessionID == "" {
		sessionID = header.Get(r.sessionHeader)
	}
	if sessionID == "" {
		return model.Credential{}, fmt.Errorf("%w: no session id", ErrUnauthenticated)
	}

	token, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && token == "") {
		return model.Credential{}, fmt.Errorf("%w: no stored token for session %s", ErrUnauthenticated, MaskID(sessionID))
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("read stored token: %w", err)
	}
	return model.Credential{Token: token}, nil
}

func (r *Resolver) record(strategy model.AuthStrategy, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "resolved"
	switch {
	case errors.Is(err, ErrUnauthenticated):
		outcome = "unauthenticated"
	case err != nil:
		outcome = "error"
	}
	r.metrics.CredentialResolutions.WithLabelValues(string(strategy), outcome).Inc()
}

// cookieValue returns the named cookie from raw request headers, or "".
func cookieValue(header http.Header, name string) string {
	if name == "" {
		return ""
	}
	req := http.Request{Header: header}
	c, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
