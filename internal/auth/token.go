package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatd/internal/domain"
)

// Verifier maps a credential to the user it authenticates.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

// DefaultTTL is the lifetime of minted tokens when none is configured.
const DefaultTTL = 24 * time.Hour

const issuer = "chatd"

// TokenService creates and validates HS256 JWTs whose subject is the user id.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service. secret must not be empty.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Mint creates a token for user using the default TTL.
func (t *TokenService) Mint(user domain.UserID) (string, error) {
	return t.MintWithTTL(user, t.ttl)
}

// MintWithTTL creates a token for user that expires after ttl.
func (t *TokenService) MintWithTTL(user domain.UserID, ttl time.Duration) (string, error) {
	if user == "" {
		return "", errors.New("auth: empty subject")
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   string(user),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify validates token and returns its subject. Any failure is AuthInvalid.
func (t *TokenService) Verify(_ context.Context, token string) (domain.UserID, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", domain.Errorf(domain.ErrAuthInvalid, "missing token")
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", domain.Errorf(domain.ErrAuthInvalid, "%v", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", domain.Errorf(domain.ErrAuthInvalid, "token without subject")
	}
	return domain.UserID(claims.Subject), nil
}
