package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// RoleAdmin unlocks privileged ledger mutations and reconciliation runs.
	RoleAdmin = "admin"

	defaultIssuer = "hourbank"
)

// Claims represents JWT claims used across the service.
type Claims struct {
	TenantID string   `json:"tenant"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 bearer tokens carrying a tenant/actor scope.
// Authentication of users is an external concern; the token is trusted as
// already-validated identity context.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokens configures token signing. Secret must be non-empty.
func NewTokens(secret, issuer string, ttl time.Duration) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is not configured")
	}
	if issuer == "" {
		issuer = defaultIssuer
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Generate signs a JWT for the given scope using HS256.
func (t *Tokens) Generate(scope Scope) (string, error) {
	if strings.TrimSpace(scope.TenantID) == "" || strings.TrimSpace(scope.ActorID) == "" {
		return "", errors.New("tenant and actor are required")
	}
	now := time.Now().UTC()
	claims := Claims{
		TenantID: scope.TenantID,
		Roles:    dedupeRoles(scope.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   scope.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and required claims, returning the scope.
func (t *Tokens) Parse(token string) (Scope, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Scope{}, ErrInvalidToken
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Scope{}, ErrInvalidToken
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Scope{}, ErrInvalidToken
	}
	return Scope{TenantID: claims.TenantID, ActorID: claims.Subject, Roles: claims.Roles}, nil
}

func dedupeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
