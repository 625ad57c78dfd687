package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"dashboard-proxy/internal/config"
)

// Session is an authenticated identity-provider session.
type Session struct {
	UserID string
	// Token is the access token to present to the backend.
	Token string
}

// IdentityProvider authenticates the caller's session from request headers.
// Implementations wrap ErrUnauthenticated when there is no usable session.
type IdentityProvider interface {
	Authenticate(ctx context.Context, header http.Header) (Session, error)
}

// JWTSessionProvider verifies HMAC-signed session tokens presented as a
// bearer header or a session cookie.
type JWTSessionProvider struct {
	key    []byte
	parser *jwt.Parser
	cookie string
	// tokens, when set, issues the backend token instead of forwarding the
	// session token itself.
	tokens oauth2.TokenSource
	logger *slog.Logger
}

// NewIdentityProvider builds the provider described by auth.identity.
// It returns a nil provider when no secret is configured; config validation
// guarantees that no identity route exists in that case.
func NewIdentityProvider(cfg *config.Config, logger *slog.Logger) (IdentityProvider, error) {
	id := cfg.Auth.Identity
	if strings.TrimSpace(id.Secret) == "" {
		return nil, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{id.Algorithm}),
		jwt.WithLeeway(time.Duration(id.ClockSkewSeconds) * time.Second),
		jwt.WithExpirationRequired(),
	}
	if id.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(id.Issuer))
	}
	if id.Audience != "" {
		opts = append(opts, jwt.WithAudience(id.Audience))
	}

	p := &JWTSessionProvider{
		key:    []byte(id.Secret),
		parser: jwt.NewParser(opts...),
		cookie: id.Cookie,
		logger: logger.With("component", "identity_provider"),
	}

	switch id.TokenSource {
	case "", "session":
	case "client_credentials":
		cc := &clientcredentials.Config{
			ClientID:     id.ClientCredentials.ClientID,
			ClientSecret: id.ClientCredentials.ClientSecret,
			TokenURL:     id.ClientCredentials.TokenURL,
			Scopes:       id.ClientCredentials.Scopes,
		}
		// Token endpoint calls are bounded by the upstream timeout.
		httpClient := &http.Client{Timeout: cfg.Upstream.UpstreamTimeout()}
		p.tokens = cc.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, httpClient))
	default:
		return nil, fmt.Errorf("auth: unknown identity token source %q", id.TokenSource)
	}

	return p, nil
}

// Authenticate verifies the session and returns the user id and backend token.
func (p *JWTSessionProvider) Authenticate(ctx context.Context, header http.Header) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	raw := bearerToken(header)
	if raw == "" {
		raw = cookieValue(header, p.cookie)
	}
	if raw == "" {
		return Session{}, fmt.Errorf("%w: no session", ErrUnauthenticated)
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := p.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return p.key, nil
	}); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: session has no subject", ErrUnauthenticated)
	}

	sess := Session{UserID: claims.Subject, Token: raw}
	if p.tokens != nil {
		tok, err := p.backendToken(ctx)
		if err != nil {
			return Session{}, err
		}
		sess.Token = tok
	}

	p.logger.Debug("session verified",
		"user_id", MaskID(sess.UserID),
		"token", MaskToken(sess.Token),
	)
	return sess, nil
}

type tokenResult struct {
	tok *oauth2.Token
	err error
}

// backendToken fetches a token from the client-credentials source and gives
// up when ctx is done. The fetch itself keeps running until the source's
// HTTP client times out, so a later caller can still reuse its result.
func (p *JWTSessionProvider) backendToken(ctx context.Context) (string, error) {
	done := make(chan tokenResult, 1)
	go func() {
		tok, err := p.tokens.Token()
		done <- tokenResult{tok: tok, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("token issuance: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: token issuance failed: %w", ErrUnauthenticated, res.err)
		}
		return res.tok.AccessToken, nil
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(header http.Header) string {
	v := header.Get("Authorization")
	scheme, token, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
