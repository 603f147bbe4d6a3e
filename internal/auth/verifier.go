// Package auth implements C2: verification of the signed bearer
// credential clients present, extracting the principal's userId. It
// uses github.com/golang-jwt/jwt/v5, the same signature library the
// reference gateway depends on for its own token handling.
package auth

import (
	"github.com/Laisky/errors/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity extracted from a verified
// credential.
type Principal struct {
	UserID string
	Claims jwt.MapClaims
}

// userIDClaims are tried in order; the first present value wins.
var userIDClaims = []string{"userId", "sub", "id"}

// Verifier validates a signed bearer credential with a shared secret
// and extracts the user identifier. It holds no mutable state, so a
// single instance is safe for concurrent use across requests.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier bound to secret (JWT_SECRET).
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates credential, returning the Principal on
// success. Errors: malformed token, bad signature, expired token, or
// a token missing every recognized user-identifier claim.
func (v *Verifier) Verify(credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, errors.New("empty credential")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, errors.Wrap(err, "invalid or expired token")
	}

	for _, key := range userIDClaims {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		userID, ok := raw.(string)
		if !ok || userID == "" {
			continue
		}
		return Principal{UserID: userID, Claims: claims}, nil
	}

	return Principal{}, errors.New("token missing user identifier claim")
}
