// Package auth validates bearer credentials presented at connection
// handshake. Tokens are issued by the portal's account service; this package
// only verifies them and extracts the caller's identity.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified result of a handshake credential.
type Identity struct {
	UserID string
	Role   string
}

// AuthError is returned when a credential is rejected. It is terminal for the
// connection attempt; the client must reconnect with a fresh credential.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Cause)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Verifier validates HS256 JWTs against a shared secret and issuer.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier. The secret must match the one the portal
// signs access tokens with.
func NewVerifier(secret string, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// accessClaims extends standard JWT claims with the user's role.
type accessClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Verify parses and validates a bearer token and returns the identity it
// carries. It has no side effects; the caller attaches the identity to the
// connection on success and drops the connection on failure.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, &AuthError{Reason: "missing credential"}
	}

	token, err := jwt.ParseWithClaims(tokenString, &accessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, &AuthError{Reason: "invalid token", Cause: err}
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return Identity{}, &AuthError{Reason: "invalid token claims"}
	}
	if claims.Issuer != v.issuer {
		return Identity{}, &AuthError{Reason: fmt.Sprintf("invalid issuer %q", claims.Issuer)}
	}
	if claims.Subject == "" {
		return Identity{}, &AuthError{Reason: "missing subject"}
	}

	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Sign creates a token for the given identity. Production tokens come from
// the portal; this is used by tests and local tooling.
func (v *Verifier) Sign(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
