// Package auth validates the bearer tokens that guard the admin surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// RoleAdmin is the role required by admin routes.
const RoleAdmin = "admin"

var (
	// ErrMissingSecret is returned when a validator is built without a key.
	ErrMissingSecret = errors.New("jwt secret is required")
	// ErrInvalidToken wraps every signature, expiry or claim failure.
	ErrInvalidToken = errors.New("invalid token")
)

// JWTValidator validates JWT tokens and extracts claims.
type JWTValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// Claims are the parts of a token the admin surface looks at.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	CompanyID string
	Scopes    []string
	Roles     []string
}

// HasRole reports whether role was granted, ignoring case.
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	return slices.ContainsFunc(c.Roles, func(r string) bool { return strings.EqualFold(r, role) })
}

// HMACValidator checks HS256 tokens signed with a shared secret.
type HMACValidator struct {
	secret []byte
	issuer string
	leeway time.Duration
	logger logger.Logger
}

// HMACOption configures an HMACValidator.
type HMACOption func(*HMACValidator)

// WithIssuer rejects tokens whose iss differs.
func WithIssuer(issuer string) HMACOption {
	return func(v *HMACValidator) { v.issuer = strings.TrimSpace(issuer) }
}

// WithLeeway tolerates clock skew on exp and iat.
func WithLeeway(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.leeway = d
		}
	}
}

// NewHMACValidator builds a validator for secret.
func NewHMACValidator(secret string, log logger.Logger, opts ...HMACOption) (*HMACValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	v := &HMACValidator{secret: []byte(secret), logger: log}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Validate verifies the signature and expiry and extracts claims.
func (v *HMACValidator) Validate(_ context.Context, tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.leeway))
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims := extractClaims(mapClaims)
	v.logger.Debug("token validated", "subject", claims.Subject, "roles", claims.Roles)
	return claims, nil
}

// SignHS256 issues a token for subject with the given roles. Used by
// operators to mint admin tokens and by tests.
func SignHS256(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrMissingSecret
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func extractClaims(mapClaims jwt.MapClaims) *Claims {
	claims := &Claims{}
	claims.Subject, _ = mapClaims.GetSubject()
	claims.Issuer, _ = mapClaims.GetIssuer()
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	for _, key := range []string{"companyId", "company_id"} {
		if value, ok := mapClaims[key].(string); ok && strings.TrimSpace(value) != "" {
			claims.CompanyID = strings.TrimSpace(value)
			break
		}
	}
	claims.Scopes = stringList(mapClaims, "scope", "scopes")
	claims.Roles = stringList(mapClaims, "role", "roles")
	return claims
}

// stringList merges string or list claims under any of keys. Strings are
// split on spaces the way OAuth2 scopes are.
func stringList(mapClaims jwt.MapClaims, keys ...string) []string {
	var values []string
	add := func(raw string) {
		for _, item := range strings.Fields(raw) {
			if !slices.Contains(values, item) {
				values = append(values, item)
			}
		}
	}
	for _, key := range keys {
		switch typed := mapClaims[key].(type) {
		case string:
			add(typed)
		case []string:
			for _, item := range typed {
				add(item)
			}
		case []any:
			for _, item := range typed {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
	}
	return values
}

type claimsContextKey struct{}

// WithClaims stores claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// GetClaims retrieves claims from the context, or nil.
func GetClaims(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey{}).(*Claims); ok {
		return claims
	}
	return nil
}
