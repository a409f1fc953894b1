package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return priv, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func mint(t *testing.T, priv *rsa.PrivateKey, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	var key interface{} = priv
	if method == jwt.SigningMethodHS256 {
		key = []byte("shared")
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewOperatorValidator(t *testing.T) {
	_, pubPEM := testRSAKey(t)
	priv, _ := testRSAKey(t)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey)}))

	tests := []struct {
		name        string
		pem         string
		expectError bool
	}{
		{name: "no key", pem: ""},
		{name: "PKIX key", pem: pubPEM},
		{name: "PKCS1 key", pem: pkcs1},
		{name: "invalid PEM format", pem: "invalid-pem", expectError: true},
		{name: "garbage block", pem: "-----BEGIN PUBLIC KEY-----\nYWJj\n-----END PUBLIC KEY-----\n", expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOperatorValidator("tok", tt.pem, "iss", "aud")
			if (err != nil) != tt.expectError {
				t.Errorf("NewOperatorValidator() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestOperatorValidator_ValidateToken(t *testing.T) {
	priv, pubPEM := testRSAKey(t)
	other, _ := testRSAKey(t)
	v, err := NewOperatorValidator("", pubPEM, "agentgate-operator", "agentgate")
	if err != nil {
		t.Fatal(err)
	}

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":  "agentgate-operator",
			"aud":  "agentgate",
			"sub":  "ops@example.com",
			"role": OperatorRole,
			"exp":  time.Now().Add(time.Hour).Unix(),
		}
	}
	with := func(k string, val interface{}) jwt.MapClaims {
		c := base()
		if val == nil {
			delete(c, k)
		} else {
			c[k] = val
		}
		return c
	}

	tests := []struct {
		name        string
		token       string
		expectError bool
	}{
		{name: "valid", token: mint(t, priv, jwt.SigningMethodRS256, base())},
		{name: "wrong issuer", token: mint(t, priv, jwt.SigningMethodRS256, with("iss", "evil")), expectError: true},
		{name: "wrong audience", token: mint(t, priv, jwt.SigningMethodRS256, with("aud", "other")), expectError: true},
		{name: "missing role", token: mint(t, priv, jwt.SigningMethodRS256, with("role", nil)), expectError: true},
		{name: "agent role", token: mint(t, priv, jwt.SigningMethodRS256, with("role", "agent")), expectError: true},
		{name: "expired", token: mint(t, priv, jwt.SigningMethodRS256, with("exp", time.Now().Add(-time.Minute).Unix())), expectError: true},
		{name: "no expiry", token: mint(t, priv, jwt.SigningMethodRS256, with("exp", nil)), expectError: true},
		{name: "signed by other key", token: mint(t, other, jwt.SigningMethodRS256, base()), expectError: true},
		{name: "HMAC algorithm", token: mint(t, priv, jwt.SigningMethodHS256, base()), expectError: true},
		{name: "malformed", token: "header.payload", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := v.ValidateToken(tt.token)
			if (err != nil) != tt.expectError {
				t.Fatalf("ValidateToken() error = %v, expectError %v", err, tt.expectError)
			}
			if !tt.expectError && sub != "ops@example.com" {
				t.Errorf("ValidateToken() subject = %q", sub)
			}
		})
	}
}

func TestOperatorValidator_IsOperator(t *testing.T) {
	priv, pubPEM := testRSAKey(t)
	v, err := NewOperatorValidator("static-secret", pubPEM, "i", "a")
	if err != nil {
		t.Fatal(err)
	}
	jwtTok := mint(t, priv, jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "i", "aud": "a", "role": OperatorRole, "exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"static token", "Bearer static-secret", true},
		{"operator jwt", "Bearer " + jwtTok, true},
		{"wrong token", "Bearer static-secretx", false},
		{"no bearer prefix", "static-secret", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/events", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := v.IsOperator(req); got != tt.want {
				t.Errorf("IsOperator() = %v, want %v", got, tt.want)
			}
		})
	}

	var disabled *OperatorValidator
	if disabled.Enabled() {
		t.Error("nil validator reports Enabled")
	}
}
