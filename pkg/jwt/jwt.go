// Package jwt provides bearer token generation and validation for the scan API.
package jwt

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrEmptySubject is returned when the subject is empty.
	ErrEmptySubject = errors.New("subject cannot be empty")
	// ErrInvalidRole is returned when the role is not recognized.
	ErrInvalidRole = errors.New("invalid role")
)

// Roles carried by access tokens.
const (
	// RoleViewer may read scans, progress and results.
	RoleViewer = "viewer"
	// RoleOperator may additionally start, cancel, clean up and archive scans.
	RoleOperator = "operator"
)

// ValidRoles returns all recognized roles.
func ValidRoles() []string {
	return []string{RoleViewer, RoleOperator}
}

// Claims represents the JWT claims structure.
type Claims struct {
	Role string `json:"role"`

	jwt.RegisteredClaims
}

// CanMutate reports whether the token may change scan state.
func (c *Claims) CanMutate() bool {
	return c.Role == RoleOperator
}

// TokenConfig holds token settings.
type TokenConfig struct {
	Secret              string
	Issuer              string
	AccessTokenDuration time.Duration
}

// Generator handles JWT token generation and validation.
type Generator struct {
	config TokenConfig
}

// NewGenerator creates a new token generator.
func NewGenerator(config TokenConfig) *Generator {
	if config.AccessTokenDuration <= 0 {
		config.AccessTokenDuration = 24 * time.Hour
	}
	return &Generator{config: config}
}

// GenerateAccessToken creates a signed HS256 access token.
func (g *Generator) GenerateAccessToken(subject, role string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, ErrEmptySubject
	}
	if !slices.Contains(ValidRoles(), role) {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := time.Now()
	expiresAt := now.Add(g.config.AccessTokenDuration)

	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    g.config.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(g.config.Secret))
	if err != nil {
		return "", time.Time{}, err
	}

	return signedToken, expiresAt, nil
}

// ValidateToken validates the token and returns the claims. When an issuer
// is configured the token must carry it.
func (g *Generator) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := ValidateToken(tokenString, g.config.Secret)
	if err != nil {
		return nil, err
	}
	if g.config.Issuer != "" && claims.Issuer != g.config.Issuer {
		return nil, ErrInvalidToken
	}
	if !slices.Contains(ValidRoles(), claims.Role) {
		return nil, ErrInvalidRole
	}
	return claims, nil
}

// ValidateToken validates the token and returns the claims.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
