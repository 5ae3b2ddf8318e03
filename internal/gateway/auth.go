package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shadow-agent/shadow/internal/agent"
	"github.com/shadow-agent/shadow/internal/config"
)

// ErrNoSession is returned when a request carries no usable session cookie.
var ErrNoSession = errors.New("gateway: no session")

// Auth is the cookie boundary: a JWT session cookie identifies the user and
// an API-key envelope cookie carries per-request provider credentials. With
// no JWT secret configured, requests run as the anonymous user and ownership
// checks pass (single-user development mode).
type Auth struct {
	secret        []byte
	sessionCookie string
	apiKeyCookie  string
}

// NewAuth builds the boundary from config.
func NewAuth(cfg config.AuthConfig) *Auth {
	sessionCookie := cfg.SessionCookie
	if sessionCookie == "" {
		sessionCookie = "shadow_session"
	}
	apiKeyCookie := cfg.APIKeyCookie
	if apiKeyCookie == "" {
		apiKeyCookie = "shadow_api_keys"
	}
	return &Auth{
		secret:        []byte(cfg.JWTSecret),
		sessionCookie: sessionCookie,
		apiKeyCookie:  apiKeyCookie,
	}
}

// sessionClaims is the JWT payload of the session cookie.
type sessionClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// UserID resolves the caller from the session cookie. An expired or
// tampered token is an error; a missing cookie is only an error when a
// secret is configured.
func (a *Auth) UserID(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		return "", nil
	}
	cookie, err := r.Cookie(a.sessionCookie)
	if err != nil {
		return "", ErrNoSession
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("gateway: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return "", ErrNoSession
	}
	return claims.UserID, nil
}

// IssueSession signs a session token for a user. Used by the surrounding
// application's login flow and by tests.
func (a *Auth) IssueSession(userID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("gateway: no JWT secret configured")
	}
	now := time.Now()
	claims := &sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Owns reports whether the session user may touch a task owned by owner.
// Anonymous mode (no secret) owns everything.
func (a *Auth) Owns(userID, owner string) bool {
	if len(a.secret) == 0 {
		return true
	}
	return userID != "" && userID == owner
}

// apiKeyEnvelope is the JSON body of the provider-key cookie, base64-encoded
// on the wire.
type apiKeyEnvelope struct {
	Anthropic string `json:"anthropic,omitempty"`
	OpenAI    string `json:"openai,omitempty"`
}

// Keys extracts per-request provider credentials from the cookie envelope.
// A missing or malformed cookie yields empty keys; the orchestrator falls
// back to server-side keys.
func (a *Auth) Keys(r *http.Request) agent.APIKeys {
	cookie, err := r.Cookie(a.apiKeyCookie)
	if err != nil {
		return agent.APIKeys{}
	}
	raw, err := base64.StdEncoding.DecodeString(cookie.Value)
	if err != nil {
		return agent.APIKeys{}
	}
	var env apiKeyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return agent.APIKeys{}
	}
	return agent.APIKeys{Anthropic: env.Anthropic, OpenAI: env.OpenAI}
}
