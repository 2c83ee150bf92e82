package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess        = "access"
	TokenTypeRefresh       = "refresh"
	TokenTypePasswordReset = "password_reset"

	passwordResetTTL = time.Hour
)

// Claims are the signed token contents. Subject carries the user ID for
// access/refresh tokens and the account email for password-reset tokens.
// ID (jti) is random per token and used for observability and single-use
// reset tracking; the codec itself keeps no record of issued IDs.
type Claims struct {
	Role string `json:"role,omitempty"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Codec issues and validates the platform's signed bearer tokens. It is
// stateless: a token is valid iff its HS256 signature checks out and it has
// not expired.
type Codec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewCodec(secret string, accessTTL, refreshTTL time.Duration) *Codec {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Codec{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (c *Codec) AccessTTL() time.Duration {
	return c.accessTTL
}

func (c *Codec) IssueAccess(userID string, role Role) (string, error) {
	return c.issue(userID, string(role), TokenTypeAccess, c.accessTTL)
}

func (c *Codec) IssueRefresh(userID string) (string, error) {
	return c.issue(userID, "", TokenTypeRefresh, c.refreshTTL)
}

func (c *Codec) IssuePasswordReset(email string) (string, error) {
	return c.issue(email, "", TokenTypePasswordReset, passwordResetTTL)
}

func (c *Codec) issue(subject, role, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode verifies signature and expiry. Every failure mode collapses to
// ErrInvalidToken so callers cannot distinguish expired from tampered.
func (c *Codec) Decode(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Type == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
