// Package auth verifies the signed tokens presented at the admin channel's
// connection handshake and by REST callers, and classifies the caller's role.
// Token issuance belongs to the CRUD backend; this layer only validates.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the token's "type" claim.
const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

var (
	// ErrMissingToken is returned when no token was presented at all.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrWrongRole is returned when the token is valid but its role does not
	// satisfy the caller's requirement.
	ErrWrongRole = errors.New("auth: wrong role")
)

// Claims is the decoded identity carried by a clinic token. The "type" claim
// distinguishes admin, doctor, and patient tokens issued by the CRUD backend.
type Claims struct {
	Role string `json:"type"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller attached to a session or request.
type Identity struct {
	ID   string // subject claim
	Role string
}

// Verifier validates HS256 tokens against the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates a token's signature and expiry and returns the
// caller's identity. It accepts any known role; role-specific checks are the
// caller's responsibility (or use VerifyAdmin).
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}

	switch claims.Role {
	case RoleAdmin, RoleDoctor, RolePatient:
	default:
		return nil, fmt.Errorf("auth: unknown role %q: %w", claims.Role, ErrWrongRole)
	}

	return &Identity{ID: claims.Subject, Role: claims.Role}, nil
}

// VerifyAdmin validates a token and additionally requires the admin role.
// Used at the admin channel handshake: any failure means the connection is
// refused before it joins any room.
func (v *Verifier) VerifyAdmin(tokenString string) (*Identity, error) {
	id, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if id.Role != RoleAdmin {
		return nil, fmt.Errorf("auth: role %q is not admin: %w", id.Role, ErrWrongRole)
	}
	return id, nil
}
