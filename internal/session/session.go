// Package session issues and reads the wallet session cookie.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const CookieName = "tw_wallet"

var (
	ErrNoSession      = errors.New("no session")
	ErrInvalidSession = errors.New("invalid session")
	ErrMissingSecret  = errors.New("session secret is empty")
)

type contextKey string

const walletContextKey contextKey = "sessionWallet"

type Claims struct {
	Wallet string `json:"wallet"`
	jwt.RegisteredClaims
}

type Manager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration, secure bool) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl, secure: secure, now: time.Now}, nil
}

// Issue signs a session for wallet and writes it as the session cookie.
func (m *Manager) Issue(w http.ResponseWriter, wallet string) (string, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return "", ErrInvalidSession
	}
	now := m.now()
	claims := Claims{
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(m.ttl),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Parse returns the wallet bound to a signed session token.
func (m *Manager) Parse(token string) (string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid || claims.Wallet == "" {
		return "", ErrInvalidSession
	}
	return claims.Wallet, nil
}

// FromRequest reads the session cookie.
func (m *Manager) FromRequest(r *http.Request) (string, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", ErrNoSession
	}
	return m.Parse(c.Value)
}

// Middleware attaches the session wallet to the request context when the
// cookie is valid. It never rejects; handlers decide what a missing session
// means.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wallet, err := m.FromRequest(r); err == nil {
			r = r.WithContext(WithWallet(r.Context(), wallet))
		}
		next.ServeHTTP(w, r)
	})
}

func WithWallet(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, walletContextKey, wallet)
}

func WalletFrom(ctx context.Context) (string, bool) {
	wallet, ok := ctx.Value(walletContextKey).(string)
	return wallet, ok && wallet != ""
}
