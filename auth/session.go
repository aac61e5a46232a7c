package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession marks an expired, malformed, or forged session token.
var ErrInvalidSession = errors.New("auth: invalid session")

// DefaultSessionTTL bounds how long an issued session token stays valid.
const DefaultSessionTTL = 24 * time.Hour

const sessionIssuer = "loanzzz"

// Manager issues and verifies HS256 session tokens minted after a wallet
// proves ownership.
type Manager struct {
	secret     []byte
	ttl        time.Duration
	requireSig bool
	now        func() time.Time
}

// ManagerOption adjusts Manager construction.
type ManagerOption func(*Manager)

// WithSessionTTL overrides the default token lifetime.
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRequireSignature makes login without a valid signature fail instead of
// falling back to address-only identity.
func WithRequireSignature(require bool) ManagerOption {
	return func(m *Manager) { m.requireSig = require }
}

// WithSessionClock overrides the time source, used in tests.
func WithSessionClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a session manager keyed by secret.
func NewManager(secret string, opts ...ManagerOption) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: session secret must not be empty")
	}
	m := &Manager{secret: []byte(secret), ttl: DefaultSessionTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RequireSignature reports whether logins must carry a valid signature.
func (m *Manager) RequireSignature() bool { return m.requireSig }

// IssueSession mints a signed token whose subject is the user id.
func (m *Manager) IssueSession(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id must not be empty")
	}
	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// VerifySession validates a token and returns the user id it was issued to.
// It satisfies the websocket hub's token verifier.
func (m *Manager) VerifySession(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}
