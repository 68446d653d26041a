// Package auth turns a signed session token into the signed-in identity
// the engine runs for.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	issuer            = "geosync"
	DefaultExpiration = 24 * time.Hour
)

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken подписывает HS256 токен. expiration <= 0 означает 24h.
func GenerateToken(secret, userID, role string, expiration time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: empty user id")
	}
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, errors.Wrap(err, "parse session token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}

// Session is the identity of one signed-in user. The zero value and a nil
// *Session are signed out.
type Session struct {
	mu     sync.RWMutex
	claims *Claims
	now    func() time.Time
}

// NewSession validates tokenStr; an empty token yields a signed-out session.
func NewSession(secret, tokenStr string) (*Session, error) {
	s := &Session{now: time.Now}
	if tokenStr == "" {
		return s, nil
	}
	c, err := ParseToken(secret, tokenStr)
	if err != nil {
		return nil, err
	}
	s.claims = c
	return s, nil
}

// StaticSession is a session for a known user id, used by tools and tests.
func StaticSession(userID string) *Session {
	return &Session{claims: &Claims{UserID: userID}, now: time.Now}
}

// UserID reports the signed-in user; ok is false once the token expires
// or after SignOut.
func (s *Session) UserID() (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return "", false
	}
	if exp := s.claims.ExpiresAt; exp != nil && s.clock().After(exp.Time) {
		return "", false
	}
	return s.claims.UserID, true
}

func (s *Session) Role() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Role
}

func (s *Session) SignOut() {
	s.mu.Lock()
	s.claims = nil
	s.mu.Unlock()
}

func (s *Session) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
