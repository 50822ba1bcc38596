// Package session presents the client's identity on every stream and poll
// request: a session ID header and, when a secret is configured, a short
// lived HS256 bearer token whose subject is the session ID.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/streamerr"
)

// refreshFraction of the token lifetime left triggers a re-mint.
const refreshFraction = 5

// Provider decorates outbound requests. Safe for concurrent use.
type Provider struct {
	cfg   config.SessionConfig
	id    string
	clock clock.Clock

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewProvider creates a provider, generating a session ID when cfg has none.
func NewProvider(cfg config.SessionConfig, clk clock.Clock) *Provider {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Header == "" {
		cfg.Header = "X-Session-ID"
	}
	id := cfg.ID
	if id == "" {
		id = NewID()
	}
	return &Provider{cfg: cfg, id: id, clock: clk}
}

// ID returns the session identifier.
func (p *Provider) ID() string { return p.id }

// Header returns the session header name.
func (p *Provider) Header() string { return p.cfg.Header }

// Decorate sets the session header and, if enabled, the Authorization header.
func (p *Provider) Decorate(r *http.Request) error {
	r.Header.Set(p.cfg.Header, p.id)
	if !p.cfg.BearerEnabled() {
		return nil
	}
	tok, err := p.Token()
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Token returns a cached bearer token, minting a new one when the cached
// token is within the last fifth of its lifetime.
func (p *Provider) Token() (string, error) {
	if !p.cfg.BearerEnabled() {
		return "", errors.New("session: bearer tokens not configured")
	}
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && now.Before(p.expiresAt.Add(-p.cfg.TokenTTL/refreshFraction)) {
		return p.token, nil
	}

	exp := now.Add(p.cfg.TokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   p.id,
		Issuer:    p.cfg.Issuer,
		Audience:  jwt.ClaimStrings{p.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("session: signing token: %w", err)
	}
	p.token, p.expiresAt = signed, exp
	return signed, nil
}

// NewID generates a version 4 UUID using crypto/rand.
func NewID() string {
	var uuid [16]byte
	_, _ = rand.Read(uuid[:])
	uuid[6] = (uuid[6] & 0x0f) | 0x40 // version 4
	uuid[8] = (uuid[8] & 0x3f) | 0x80 // variant 2

	var buf [36]byte
	hex.Encode(buf[0:8], uuid[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], uuid[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], uuid[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], uuid[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:36], uuid[10:16])
	return string(buf[:])
}

type contextKey string

// ClaimsKey is the context key under which Middleware stores validated claims.
const ClaimsKey contextKey = "session_claims"

// Claims are the validated identity claims of a bearer token.
type Claims struct {
	SessionID string
	Issuer    string
	ExpiresAt time.Time
}

// MismatchError means the bearer subject and the session header disagree.
type MismatchError struct {
	Header, Subject string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("session header %q does not match token subject %q", e.Header, e.Subject)
}

// Validate parses and verifies a bearer token issued by a Provider with
// the same configuration.
func Validate(tokenStr string, cfg config.SessionConfig) (*Claims, error) {
	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &rc, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if rc.Subject == "" {
		return nil, errors.New("invalid token: missing subject")
	}
	c := &Claims{SessionID: rc.Subject, Issuer: rc.Issuer}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// Middleware rejects requests without a session header and, when cfg
// enables bearer tokens, requests whose token is missing, invalid, or
// issued for a different session. Used by servers that speak to this
// client, such as the mock feed.
func Middleware(cfg config.SessionConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	header := cfg.Header
	if header == "" {
		header = "X-Session-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := r.Header.Get(header)
			if sid == "" {
				streamerr.WriteJSON(w, r, http.StatusUnauthorized, streamerr.CodeUnauthorized, "missing session header")
				return
			}
			if !cfg.BearerEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(r)
			if !ok {
				streamerr.WriteJSON(w, r, http.StatusUnauthorized, streamerr.CodeUnauthorized, "missing or malformed Authorization header")
				return
			}
			claims, err := Validate(tokenStr, cfg)
			if err == nil && claims.SessionID != sid {
				err = &MismatchError{Header: sid, Subject: claims.SessionID}
			}
			if err != nil {
				logger.Warn("session rejected", "error", err, "path", r.URL.Path)
				streamerr.WriteJSON(w, r, http.StatusUnauthorized, streamerr.CodeUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
