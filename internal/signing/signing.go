// Package signing holds the two authenticity primitives used by agentgate:
// Ed25519 detached signatures for agent-to-agent identity (manifest proofs,
// signed requests) and HMAC-SHA256 for webhook payload-origin proof.
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// HMACPrefix prefixes the hex digest in the webhook signature header.
const HMACPrefix = "sha256="

var (
	// ErrMalformedKey is returned when public key material is not a valid
	// hex-encoded Ed25519 public key.
	ErrMalformedKey = errors.New("malformed public key")
	// ErrMalformedSignature is returned when a signature is not valid hex
	// of the Ed25519 signature length.
	ErrMalformedSignature = errors.New("malformed signature")
)

// KeyPair holds an Ed25519 key pair with the hex public key precomputed.
type KeyPair struct {
	PrivateKey   ed25519.PrivateKey
	PublicKey    ed25519.PublicKey
	PublicKeyHex string
}

// GenerateKeyPair creates a new Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: pub, PublicKeyHex: hex.EncodeToString(pub)}, nil
}

// KeyPairFromSeedHex rebuilds a key pair from a hex-encoded 32-byte seed.
func KeyPairFromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d hex bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{PrivateKey: priv, PublicKey: pub, PublicKeyHex: hex.EncodeToString(pub)}, nil
}

// SeedHex returns the hex-encoded seed of the private key.
func (k *KeyPair) SeedHex() string {
	return hex.EncodeToString(k.PrivateKey.Seed())
}

// Sign returns the hex-encoded Ed25519 signature of message.
func (k *KeyPair) Sign(message []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.PrivateKey, message))
}

// Verify checks an Ed25519 signature over message. Malformed keys or
// signatures yield false, never a panic.
func Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// ParsePublicKeyHex validates and decodes a hex-encoded Ed25519 public key.
func ParsePublicKeyHex(publicKeyHex string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedKey, len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// VerifyHex verifies a hex signature against a hex public key. The boolean is
// the verdict; the error distinguishes malformed inputs (ErrMalformedKey,
// ErrMalformedSignature) from a well-formed signature that does not match.
func VerifyHex(message []byte, signatureHex, publicKeyHex string) (bool, error) {
	pub, err := ParsePublicKeyHex(publicKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, ErrMalformedSignature
	}
	return Verify(message, sig, pub), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// RequestMessage builds the canonical signed-request message
// METHOD:PATH:TIMESTAMP:SHA256(BODY).
func RequestMessage(method, path, timestamp string, body []byte) []byte {
	return []byte(strings.ToUpper(method) + ":" + path + ":" + timestamp + ":" + SHA256Hex(body))
}

// HMACHex computes the hex HMAC-SHA256 of body keyed by secret.
func HMACHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACHeader returns the webhook signature header value "sha256=<hex>".
func HMACHeader(secret string, body []byte) string {
	return HMACPrefix + HMACHex(secret, body)
}

// VerifyHMACHeader checks a "sha256=<hex>" header value against body in
// constant time.
func VerifyHMACHeader(secret string, body []byte, header string) bool {
	got := strings.TrimPrefix(header, HMACPrefix)
	if got == header {
		return false
	}
	want := HMACHex(secret, body)
	return hmac.Equal([]byte(got), []byte(want))
}
