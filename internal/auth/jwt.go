// Package auth issues and validates the bearer tokens the gateway
// trusts. Tokens carry the caller's directory-derived role claims.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the fallback validity period for issued tokens.
const DefaultTokenTTL = time.Hour

// Committee ranks allowed to dispatch push notifications.
var dispatchRanks = map[string]bool{
	"advisor":       true,
	"overall-chair": true,
	"chair":         true,
}

// Config bundles what a TokenService needs.
type Config struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
	Clock    func() time.Time
}

// Claims are the application claims embedded in issued tokens.
type Claims struct {
	UserID        string `json:"uid"`
	Email         string `json:"email,omitempty"`
	UPN           string `json:"upn,omitempty"`
	Committee     string `json:"committee,omitempty"`
	CommitteeRank string `json:"committeeRank,omitempty"`
	jwt.RegisteredClaims
}

// CanDispatch reports whether these claims authorize a push dispatch:
// a privileged committee rank, or tech-committee membership.
func (c *Claims) CanDispatch() bool {
	return dispatchRanks[c.CommitteeRank] || c.Committee == "tech-committee"
}

// TokenService issues and validates tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret must be provided")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// TokenInput holds the parameters for issuing a token.
type TokenInput struct {
	UserID        string
	Email         string
	UPN           string
	Committee     string
	CommitteeRank string
}

// Issue signs a token for the given caller.
func (s *TokenService) Issue(input TokenInput) (string, error) {
	if input.UserID == "" {
		return "", errors.New("auth: user id is required")
	}

	now := s.now()
	claims := &Claims{
		UserID:        input.UserID,
		Email:         input.Email,
		UPN:           input.UPN,
		Committee:     input.Committee,
		CommitteeRank: input.CommitteeRank,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.UserID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	return signed, nil
}

// Validate parses and validates a signed token.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("auth: invalid issuer")
	}

	if claims.UserID == "" {
		return nil, errors.New("auth: missing user id claim")
	}

	return &claims, nil
}
