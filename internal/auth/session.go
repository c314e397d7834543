package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionTTL = 24 * time.Hour

// Identity is the cookie payload: a snapshot of the user record with the
// password stripped. It is read on every protected page and never refreshed
// from the store, so changes to the user record after login are invisible
// until re-login.
type Identity struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session is a decoded cookie: the identity snapshot plus the server-issued
// session id that keys the in-memory transcript registry.
type Session struct {
	Identity
	SessionID string
}

// SessionManager signs the identity payload into a namespaced cookie and
// reads it back. Tampered or expired cookies read as logged-out.
type SessionManager struct {
	prefix string
	secret []byte
}

func NewSessionManager(prefix, secret string) *SessionManager {
	return &SessionManager{prefix: prefix, secret: []byte(secret)}
}

func (m *SessionManager) cookieName() string {
	return m.prefix + "user"
}

// Set issues a fresh session id, signs the identity into the session cookie,
// and writes it to the response.
func (m *SessionManager) Set(w http.ResponseWriter, identity Identity) (string, error) {
	sessionID := uuid.NewString()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   identity.ID,
		"name":  identity.Name,
		"email": identity.Email,
		"sid":   sessionID,
		"iat":   now.Unix(),
		"exp":   now.Add(sessionTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName(),
		Value:    signed,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID, nil
}

// Get returns the session carried by the request, or (nil, nil) when no
// session cookie is present. A cookie that fails signature or expiry checks
// is an error; callers treat both cases as logged-out.
func (m *SessionManager) Get(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cookieName())
	if err != nil {
		return nil, nil // no cookie
	}
	return m.decode(cookie.Value)
}

func (m *SessionManager) decode(value string) (*Session, error) {
	token, err := jwt.Parse(value, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	session := &Session{}
	session.ID, _ = claims["sub"].(string)
	session.Name, _ = claims["name"].(string)
	session.Email, _ = claims["email"].(string)
	session.SessionID, _ = claims["sid"].(string)
	if session.ID == "" || session.SessionID == "" {
		return nil, fmt.Errorf("incomplete session claims")
	}
	return session, nil
}

// Delete clears the session cookie.
func (m *SessionManager) Delete(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
