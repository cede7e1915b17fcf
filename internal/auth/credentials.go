package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"tourhooks/internal/model"
)

var ErrBadCredentials = errors.New("bad client credentials")

// PartnerLookup resolves partners for the client-credential exchange.
type PartnerLookup interface {
	GetPartner(ctx context.Context, id string) (model.Partner, error)
}

// Grant is the result of a successful exchange.
type Grant struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        string    `json:"role"`
}

// ClientCredentials trades a client id and secret for an access token.
// Configured service keys win over partner ids; the key named "admin"
// yields the admin role.
type ClientCredentials struct {
	Tokens      *TokenService
	Partners    PartnerLookup
	ServiceKeys map[string]string
}

func (c *ClientCredentials) Exchange(ctx context.Context, clientID, clientSecret string) (Grant, error) {
	if clientID == "" || clientSecret == "" {
		return Grant{}, ErrBadCredentials
	}
	if key, ok := c.ServiceKeys[clientID]; ok {
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(clientSecret)) != 1 {
			return Grant{}, ErrBadCredentials
		}
		role := RoleService
		if clientID == RoleAdmin {
			role = RoleAdmin
		}
		return c.grant(clientID, role)
	}
	if c.Partners == nil {
		return Grant{}, ErrBadCredentials
	}
	p, err := c.Partners.GetPartner(ctx, clientID)
	if err != nil || !p.IsActive {
		return Grant{}, ErrBadCredentials
	}
	if subtle.ConstantTimeCompare([]byte(p.SharedSecret), []byte(clientSecret)) != 1 {
		return Grant{}, ErrBadCredentials
	}
	return c.grant(p.ID, RolePartner)
}

func (c *ClientCredentials) grant(subject, role string) (Grant, error) {
	tok, exp, err := c.Tokens.Issue(subject, role, nil)
	if err != nil {
		return Grant{}, err
	}
	return Grant{AccessToken: tok, TokenType: "Bearer", ExpiresAt: exp, Role: role}, nil
}
