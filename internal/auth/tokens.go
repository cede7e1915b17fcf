// Package auth issues and verifies the bearer credentials used as the first
// factor on webhook calls and for the management API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrWrongTokenType = errors.New("wrong token type")
)

const (
	TypeAccess = "access"

	RoleAdmin   = "admin"
	RoleService = "service"
	RolePartner = "partner"
)

// Claims carried by every token. Type guards against a token minted for
// another purpose being replayed as an access token.
type Claims struct {
	Type  string         `json:"type"`
	Role  string         `json:"role,omitempty"`
	Extra map[string]any `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified identity behind a request.
type Principal struct {
	Subject string
	Role    string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanOriginate reports whether the principal may emit events and drive payments.
func (p Principal) CanOriginate() bool { return p.Role == RoleAdmin || p.Role == RoleService }

// TokenService mints and checks stateless HS256 tokens. There is no
// revocation list; only signature, issuer, type and expiry are checked.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration, issuer string) *TokenService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, issuer: issuer, now: time.Now}
}

// TTL is the lifetime applied to newly issued tokens.
func (ts *TokenService) TTL() time.Duration { return ts.ttl }

// Issue mints an access token for subject.
func (ts *TokenService) Issue(subject, role string, extra map[string]any) (string, time.Time, error) {
	return ts.issue(subject, TypeAccess, role, extra)
}

func (ts *TokenService) issue(subject, typ, role string, extra map[string]any) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("issue token: empty subject")
	}
	now := ts.now()
	exp := now.Add(ts.ttl)
	claims := Claims{
		Type:  typ,
		Role:  role,
		Extra: extra,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    ts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify returns the claims of a valid access token, or one of
// ErrExpiredToken, ErrWrongTokenType, ErrInvalidToken.
func (ts *TokenService) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ts.now),
		jwt.WithExpirationRequired(),
	}
	if ts.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ts.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return ts.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TypeAccess {
		return nil, ErrWrongTokenType
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Principal verifies the token and reduces it to an identity.
func (ts *TokenService) Principal(tokenString string) (Principal, error) {
	c, err := ts.Verify(tokenString)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: c.Subject, Role: c.Role}, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}
