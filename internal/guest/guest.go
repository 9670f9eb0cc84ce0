// Package guest issues the signed tokens that let a guest who joined through
// a session link keep the same identity across reconnects.
package guest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/teris-io/shortid"
)

const (
	identityClaim = "identity-id"
	sessionClaim  = "session-id"
	expClaim      = "exp"

	identityPrefix = "guest_"
)

var ErrInvalidToken = errors.New("invalid guest token")

type Claims struct {
	IdentityId string
	SessionId  string
}

type Issuer struct {
	key []byte
	ttl time.Duration
	sid *shortid.Shortid
}

func NewIssuer(signingKey []byte, ttl time.Duration) (*Issuer, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("signing key cannot be empty")
	}

	sid, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("shortid: %w", err)
	}

	return &Issuer{key: signingKey, ttl: ttl, sid: sid}, nil
}

// NewIdentity mints a fresh guest identity id.
func (i *Issuer) NewIdentity() (string, error) {
	id, err := i.sid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	return identityPrefix + id, nil
}

func (i *Issuer) Issue(identityId, sessionId string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		identityClaim: identityId,
		sessionClaim:  sessionId,
		expClaim:      time.Now().Add(i.ttl).Unix(),
	})

	return token.SignedString(i.key)
}

func (i *Issuer) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	identityId, _ := claims[identityClaim].(string)
	sessionId, _ := claims[sessionClaim].(string)
	if identityId == "" || sessionId == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{IdentityId: identityId, SessionId: sessionId}, nil
}

// Resolve returns the identity carried by token when it was issued for
// sessionId, and otherwise a new identity.
func (i *Issuer) Resolve(token, sessionId string) (string, error) {
	if token != "" {
		if claims, err := i.Verify(token); err == nil && claims.SessionId == sessionId {
			return claims.IdentityId, nil
		}
	}

	return i.NewIdentity()
}
