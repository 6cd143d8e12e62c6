package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/live/action"
	"github.com/ValentinKolb/dSync/live/proto"
	"github.com/golang-jwt/jwt/v5"
)

// IAuthenticator resolves the token of an authenticate message to a user
type IAuthenticator interface {
	// Authenticate returns the user of token or an error if the token is
	// not accepted
	Authenticate(ctx context.Context, token string) (user string, err error)
}

// AccessChecker decides whether user may call or inspect an action. user is
// empty on unauthenticated connections.
type AccessChecker func(ctx context.Context, user string, d action.Descriptor) bool

// AllowAll is the default AccessChecker
func AllowAll(context.Context, string, action.Descriptor) bool { return true }

// RequireUser only admits authenticated connections
func RequireUser(_ context.Context, user string, _ action.Descriptor) bool { return user != "" }

// --------------------------------------------------------------------------
// JWT
// --------------------------------------------------------------------------

// JWTAuthenticator accepts HMAC signed tokens. The user is the subject claim.
type JWTAuthenticator struct {
	Key []byte
	// Issuer is checked when not empty
	Issuer string
}

// NewJWTAuthenticator creates an authenticator for tokens signed with key
func NewJWTAuthenticator(key []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{Key: key, Issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.Key, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", proto.ErrAuthentication, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", proto.ErrAuthentication)
	}
	return claims.Subject, nil
}

// Issue signs a token for user valid for ttl
func (a *JWTAuthenticator) Issue(user string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		Issuer:    a.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Key)
}
