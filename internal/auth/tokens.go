package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "brainfeed-host"
	DefaultAudience = "brainfeed-bridge"
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingIssuer        = errors.New("auth: issuer must be provided")
	errMissingAudience      = errors.New("auth: audience must be provided")
	errInvalidTokenTTL      = errors.New("auth: token ttl must be positive")
	errMissingSubject       = errors.New("auth: subject must be provided")
	errMissingAccess        = errors.New("auth: at least one access right must be granted")
	errUnknownAccess        = errors.New("auth: unknown access right")
	errBlankTable           = errors.New("auth: table names must not be blank")
)

// TokenIssuerConfig configures the bridge token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs Grants into HS256 tokens and reads them back.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// grantClaims is the token body: the registered claims plus the grant.
type grantClaims struct {
	jwt.RegisteredClaims
	Access []Access `json:"access"`
	Tables []string `json:"tables,omitempty"`
}

// IssuedToken is a signed token and the grant it carries.
type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
	Grant     Grant
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, errInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:   cfg.SigningSecret,
		issuer:   issuer,
		audience: audience,
		ttl:      cfg.TokenTTL,
		clock:    clock,
	}, nil
}

// IssueToken signs grant. The token expires one TTL from now.
func (i *TokenIssuer) IssueToken(_ context.Context, grant Grant) (IssuedToken, error) {
	if err := grant.validate(); err != nil {
		return IssuedToken{}, err
	}
	now := i.clock().UTC().Truncate(time.Second)
	expiresAt := now.Add(i.ttl)
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.Subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Access: grant.Access,
		Tables: grant.Tables,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return IssuedToken{Value: signed, ExpiresAt: expiresAt, Grant: grant}, nil
}

// ValidateToken checks signature, issuer, audience and lifetime and returns
// the grant the token carries. Tokens without a subject or access right fail.
func (i *TokenIssuer) ValidateToken(token string) (Grant, error) {
	claims := &grantClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Grant{}, err
	}
	grant := Grant{Subject: claims.Subject, Access: claims.Access, Tables: claims.Tables}
	if err := grant.validate(); err != nil {
		return Grant{}, fmt.Errorf("%w: %w", jwt.ErrTokenInvalidClaims, err)
	}
	return grant, nil
}
