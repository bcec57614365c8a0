package users

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/kerrors"
)

// JWTService signs and verifies the session tokens accepted in the
// Authorization: Bearer and x-auth-token headers.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

type claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given user.
func (s *JWTService) Generate(u *User) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("users: jwt secret not configured")
	}
	c := claims{
		Username: u.Username,
		Role:     string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		c.ExpiresAt = nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns the auth context embedded in it.
func (s *JWTService) Validate(token string) (authctx.AuthContext, error) {
	if len(s.secret) == 0 {
		return authctx.AuthContext{}, kerrors.ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return authctx.AuthContext{}, kerrors.ErrUnauthorized
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return authctx.AuthContext{}, kerrors.ErrUnauthorized
	}
	return authctx.AuthContext{
		UserID:   c.Subject,
		Username: c.Username,
		Role:     authctx.Role(c.Role),
	}, nil
}
