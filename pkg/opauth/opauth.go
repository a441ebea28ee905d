// Package opauth authenticates operator mutation calls: a bearer JWT
// (HS256) carries the operator identity that ends up recorded as a
// record's granted_by field. Only pkg/hostpriv consults it (Set, when
// granting host_execution in strict mode); trust and grant mutations do
// not check a token.
//
// Grounded in the HelmClaims/JWTValidator shape of
// _examples/Mindburn-Labs-helm/core/pkg/auth/middleware.go, simplified from
// RS256-with-a-KeySet (appropriate for an external IdP) to HS256 keyed on
// the same key family as pkg/hmackey, since this is an internal
// operator-to-core control plane, not a public API.
package opauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the operator making a mutation call.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID string `json:"operator_id"`
}

// Issuer mints operator bearer tokens, e.g. for an internal admin tool.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an Issuer signing with secret (HS256) and issuing
// tokens valid for ttl (default 1h when zero).
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Mint issues a signed token for operatorID.
func (i *Issuer) Mint(operatorID string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		OperatorID: operatorID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("opauth: sign token: %w", err)
	}
	return signed, nil
}

// Validator verifies operator bearer tokens. hostpriv.Manager.Set consults
// it before a strict-mode host_execution grant is allowed to proceed; no
// other mutation call uses it.
type Validator struct {
	secret []byte
}

// NewValidator builds a Validator checking tokens against secret.
func NewValidator(secret []byte) *Validator {
	return &Validator{secret: secret}
}

// Validate parses and verifies tokenStr, returning the authenticated
// operator id.
func (v *Validator) Validate(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("opauth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("opauth: validate token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("opauth: token is not valid")
	}
	if claims.OperatorID == "" {
		return "", fmt.Errorf("opauth: token missing operator_id")
	}
	return claims.OperatorID, nil
}
