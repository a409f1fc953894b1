package auth

import (
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorRole is the value of the "role" claim that grants operator access.
const OperatorRole = "operator"

var ErrNoOperatorCredential = errors.New("no operator credential configured")

// OperatorValidator recognises the operator's pre-shared bearer credential:
// either a static token or an RS256 JWT carrying role=operator.
type OperatorValidator struct {
	token     string
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewOperatorValidator creates a validator. publicKeyPEM may be empty, in
// which case only the static token is accepted.
func NewOperatorValidator(token, publicKeyPEM, issuer, audience string) (*OperatorValidator, error) {
	v := &OperatorValidator{token: token, issuer: issuer, audience: audience}
	if publicKeyPEM != "" {
		key, err := ParseRSAPublicKeyPEM(publicKeyPEM)
		if err != nil {
			return nil, err
		}
		v.publicKey = key
	}
	return v, nil
}

// ParseRSAPublicKeyPEM accepts PKCS1 and PKIX encoded RSA public keys.
func ParseRSAPublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return publicKey, nil
	}

	// Try parsing as PKIX
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %v", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// Enabled reports whether any operator credential is configured.
func (v *OperatorValidator) Enabled() bool {
	return v != nil && (v.token != "" || v.publicKey != nil)
}

// ValidateToken validates an operator JWT and returns its subject.
func (v *OperatorValidator) ValidateToken(tokenString string) (string, error) {
	if v.publicKey == nil {
		return "", ErrNoOperatorCredential
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	if role, _ := claims["role"].(string); role != OperatorRole {
		return "", fmt.Errorf("missing operator role")
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		sub = OperatorRole
	}
	return sub, nil
}

// Check validates a raw bearer credential.
func (v *OperatorValidator) Check(credential string) bool {
	if !v.Enabled() || credential == "" {
		return false
	}
	if v.token != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(v.token)) == 1 {
		return true
	}
	if v.publicKey != nil {
		_, err := v.ValidateToken(credential)
		return err == nil
	}
	return false
}

// IsOperator reports whether r carries a valid "Authorization: Bearer" operator credential.
func (v *OperatorValidator) IsOperator(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return false
	}
	return v.Check(strings.TrimSpace(tokenString))
}
