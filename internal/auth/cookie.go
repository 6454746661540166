// Package auth issues and checks the signed session cookie that identifies a
// user on HTTP requests and websocket handshakes.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pliu/chatrooms/internal/store"
)

const (
	CookieName = "session"
	SessionTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidCookie = errors.New("invalid cookie")
	ErrExpired       = errors.New("session expired")
)

type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns value in the form "value|signature".
func (s *Signer) Sign(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.mac(value)))
}

// Verify checks a signed value and returns the original.
func (s *Signer) Verify(signedValue string) (string, error) {
	valueBase64, signatureBase64, ok := strings.Cut(signedValue, "|")
	if !ok {
		return "", fmt.Errorf("%w: format", ErrInvalidCookie)
	}
	valueBytes, err := base64.URLEncoding.DecodeString(valueBase64)
	if err != nil {
		return "", fmt.Errorf("%w: value encoding", ErrInvalidCookie)
	}
	signature, err := base64.URLEncoding.DecodeString(signatureBase64)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidCookie)
	}
	value := string(valueBytes)
	if !hmac.Equal(signature, s.mac(value)) {
		return "", fmt.Errorf("%w: signature", ErrInvalidCookie)
	}
	return value, nil
}

func (s *Signer) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// SessionCookie builds the cookie handed out on login.
func (s *Signer) SessionCookie(userID int) *http.Cookie {
	expires := s.now().Add(SessionTTL)
	return &http.Cookie{
		Name:     CookieName,
		Value:    s.Sign(fmt.Sprintf("%d:%d", userID, expires.Unix())),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}
}

// UserID returns the user behind the request's session cookie.
func (s *Signer) UserID(r *http.Request) (int, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return 0, store.ErrUnauthenticated
	}
	value, err := s.Verify(cookie.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", store.ErrUnauthenticated, err)
	}

	idStr, expStr, ok := strings.Cut(value, ":")
	if !ok {
		return 0, fmt.Errorf("%w: %w", store.ErrUnauthenticated, ErrInvalidCookie)
	}
	userID, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", store.ErrUnauthenticated, ErrInvalidCookie)
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", store.ErrUnauthenticated, ErrInvalidCookie)
	}
	if s.now().Unix() >= exp {
		return 0, fmt.Errorf("%w: %w", store.ErrUnauthenticated, ErrExpired)
	}
	return userID, nil
}
