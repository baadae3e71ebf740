// Package credential exchanges an API key for short-lived bearer tokens and
// owns their lifetime.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"waterline/internal/config"
	"waterline/internal/logging"
)

const (
	// GrantType is the API-key grant understood by the identity service.
	GrantType = "urn:ibm:params:oauth:grant-type:apikey"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
)

// Token is a bearer credential. Its value never appears in logs or marshalled output.
type Token struct {
	value      string
	ObtainedAt time.Time
	// ExpiresAt is zero when the identity service gave no usable lifetime.
	ExpiresAt time.Time
}

// NewToken wraps a raw token value, e.g. one issued out of band.
func NewToken(value string, obtainedAt, expiresAt time.Time) Token {
	return Token{value: value, ObtainedAt: obtainedAt, ExpiresAt: expiresAt}
}

// Value returns the raw token for use in an Authorization header.
func (t Token) Value() string { return t.value }

func (t Token) String() string       { return "Token([REDACTED])" }
func (t Token) GoString() string     { return t.String() }
func (t Token) LogValue() slog.Value { return slog.GroupValue(slog.Time("expires_at", t.ExpiresAt)) }

func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ObtainedAt time.Time `json:"obtained_at"`
		ExpiresAt  time.Time `json:"expires_at"`
	}{t.ObtainedAt, t.ExpiresAt})
}

// AuthError reports a failed identity exchange. It carries no credential material.
type AuthError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	msg := "identity exchange failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) transient() bool {
	switch e.StatusCode {
	case 0:
		return e.Err != nil
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Config for a Manager.
type Config struct {
	IdentityURL  string
	APIKey       config.Secret
	Timeout      time.Duration
	RefreshSkew  time.Duration
	RetryBackoff time.Duration
	// CacheTokens keeps a token until RefreshSkew before its expiry.
	// Without it every call performs a fresh exchange.
	CacheTokens bool
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

// FromProvider maps the provider section of the service config.
func FromProvider(p config.ProviderConfig) Config {
	return Config{
		IdentityURL:  p.IdentityURL,
		APIKey:       p.APIKey,
		Timeout:      p.IdentityTimeout,
		RefreshSkew:  p.RefreshSkew,
		RetryBackoff: p.RetryBackoff,
		CacheTokens:  p.CacheTokens,
	}
}

// Manager obtains and caches bearer tokens. Concurrent callers share a single
// in-flight exchange.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	group  singleflight.Group
	mu     sync.RWMutex
	cached *Token
}

func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		client: client,
		logger: logging.OrDiscard(cfg.Logger).With("component", "credential"),
		now:    now,
	}
}

// Token returns a valid bearer token, exchanging the API key when needed.
// If ctx ends while an exchange is in flight, Token returns ctx.Err(); the
// exchange still completes for other waiters.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	if tok, ok := m.fresh(); ok {
		return tok, nil
	}
	ch := m.group.DoChan("token", func() (any, error) {
		if tok, ok := m.fresh(); ok {
			return tok, nil
		}
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*m.cfg.Timeout+m.cfg.RetryBackoff)
		defer cancel()
		tok, err := m.exchangeWithRetry(exCtx)
		if err != nil {
			return Token{}, err
		}
		m.store(tok)
		return tok, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Invalidate drops any cached token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func (m *Manager) fresh() (Token, bool) {
	if !m.cfg.CacheTokens {
		return Token{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cached == nil {
		return Token{}, false
	}
	if !m.now().Add(m.cfg.RefreshSkew).Before(m.cached.ExpiresAt) {
		return Token{}, false
	}
	return *m.cached, true
}

func (m *Manager) store(tok Token) {
	if !m.cfg.CacheTokens || tok.ExpiresAt.IsZero() {
		return
	}
	m.mu.Lock()
	m.cached = &tok
	m.mu.Unlock()
}

// exchangeWithRetry makes at most two attempts, each bounded by Timeout.
func (m *Manager) exchangeWithRetry(ctx context.Context) (Token, error) {
	tok, err := m.attempt(ctx)
	var ae *AuthError
	if err == nil || !errors.As(err, &ae) || !ae.transient() {
		return tok, err
	}
	m.logger.WarnContext(ctx, "identity exchange failed, retrying once", "status_code", ae.StatusCode, "backoff", m.cfg.RetryBackoff)
	select {
	case <-time.After(m.cfg.RetryBackoff):
	case <-ctx.Done():
		return Token{}, &AuthError{Reason: "retry aborted", Err: ctx.Err()}
	}
	return m.attempt(ctx)
}

func (m *Manager) attempt(ctx context.Context) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return m.exchange(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

func (m *Manager) exchange(ctx context.Context) (Token, error) {
	if m.cfg.APIKey.Empty() {
		return Token{}, &AuthError{Reason: "api key not configured"}
	}
	form := url.Values{}
	form.Set("apikey", m.cfg.APIKey.Reveal())
	form.Set("grant_type", GrantType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.IdentityURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &AuthError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	started := m.now()
	res, err := m.client.Do(req)
	if err != nil {
		// url.Error embeds the URL only; the key travels in the body.
		return Token{}, &AuthError{Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
		return Token{}, &AuthError{StatusCode: res.StatusCode}
	}
	var body tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Token{}, &AuthError{Reason: "malformed token response"}
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return Token{}, &AuthError{Reason: "response has no access_token"}
	}
	tok := Token{value: body.AccessToken, ObtainedAt: started, ExpiresAt: expiry(started, body)}
	m.logger.DebugContext(ctx, "obtained bearer token", "token", tok, "latency", m.now().Sub(started))
	return tok, nil
}

// expiry infers when a token stops being valid: expires_in, then expiration,
// then the JWT exp claim. Zero means unknown.
func expiry(obtained time.Time, body tokenResponse) time.Time {
	if body.ExpiresIn > 0 {
		return obtained.Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	if body.Expiration > 0 {
		return time.Unix(body.Expiration, 0)
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(body.AccessToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
