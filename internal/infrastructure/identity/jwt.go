// Package identity resolves bearer tokens into principals.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/pkg/utils"
)

// Claims carried by portal identity tokens. Subject is the user entity ref.
type Claims struct {
	Ownership []string `json:"ent,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens signed with a shared secret
type JWTResolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTResolver creates a resolver. An empty issuer skips the iss check.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

var _ port.IdentityResolver = (*JWTResolver)(nil)

// ResolveToken validates token and returns its principal
func (r *JWTResolver) ResolveToken(ctx context.Context, token string) (*port.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Unauthorized("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Unauthorized("token expired")
		}
		return nil, apperr.Unauthorized("invalid token: %v", err)
	}
	if !parsed.Valid {
		return nil, apperr.Unauthorized("invalid token")
	}

	return PrincipalFor(claims.Subject, claims.Ownership)
}

// Issue signs a token for userRef. Used by the CLI and tests.
func (r *JWTResolver) Issue(userRef string, ownership []string, ttl time.Duration) (string, error) {
	now := r.now()
	claims := &Claims{
		Ownership: ownership,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userRef,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// PrincipalFor builds a principal from a user ref and its ownership refs.
// Refs without a kind default to user; the user ref is always owned.
func PrincipalFor(userRef string, ownership []string) (*port.Principal, error) {
	user, err := utils.ParseEntityRef(userRef, "user")
	if err != nil {
		return nil, apperr.Unauthorized("invalid user ref %q", userRef)
	}
	ref := user.String()

	refs := []string{ref}
	seen := map[string]bool{ref: true}
	for _, o := range ownership {
		parsed, err := utils.ParseEntityRef(o, "group")
		if err != nil {
			continue
		}
		s := parsed.String()
		if !seen[s] {
			seen[s] = true
			refs = append(refs, s)
		}
	}

	return &port.Principal{UserRef: ref, OwnershipRefs: refs}, nil
}
