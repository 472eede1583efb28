// Package session keeps the caller's user id in a signed cookie.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultCookieName = "session"

var ErrNoSession = errors.New("no session")

// Manager issues and verifies HS256 session tokens.
type Manager struct {
	secret     []byte
	cookieName string
	maxAge     time.Duration
	now        func() time.Time
}

// New creates a Manager. An empty secret is replaced by a random one, which
// invalidates every session when the process restarts.
func New(secret, cookieName string, maxAge time.Duration) *Manager {
	if secret == "" {
		secret = uuid.NewString()
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Manager{
		secret:     []byte(secret),
		cookieName: cookieName,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Establish binds userID to the client, replacing any earlier identity.
func (m *Manager) Establish(w http.ResponseWriter, userID int64) error {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:  strconv.FormatInt(userID, 10),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if m.maxAge > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.maxAge))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("failed to sign session: %w", err)
	}

	cookie := &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if m.maxAge > 0 {
		cookie.MaxAge = int(m.maxAge.Seconds())
	}
	http.SetCookie(w, cookie)
	return nil
}

// UserID returns the user bound to the request's session.
func (m *Manager) UserID(r *http.Request) (int64, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return 0, ErrNoSession
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject %q", ErrNoSession, claims.Subject)
	}
	return id, nil
}
