// Package manifest fetches and verifies peer identity manifests. A manifest
// declares an Ed25519 public key and a list of proofs, each binding an
// external platform handle to that key. A manifest is trusted only when every
// proof verifies.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/metrics"
	"github.com/austindbirch/agentgate/internal/signing"
	"github.com/austindbirch/agentgate/internal/tracing"
)

const (
	AlgorithmEd25519 = "ed25519"
	DefaultTimeout   = 8 * time.Second
	maxManifestBytes = 1 << 20
)

// Manifest is the document an agent publishes about itself.
type Manifest struct {
	Agent    string   `json:"agent"`
	Identity Identity `json:"identity"`
}

type Identity struct {
	PublicKey string    `json:"publicKey"`
	Algorithm string    `json:"algorithm,omitempty"`
	Proofs    []Proof   `json:"proofs"`
	Rotation  *Rotation `json:"rotation,omitempty"`
}

// Rotation moves a handle from PreviousKey to the manifest's key. Signature is
// made with PreviousKey over RotationMessage.
type Rotation struct {
	PreviousKey string `json:"previousKey"`
	Signature   string `json:"signature"`
}

// Proof is one signed platform-identity claim.
type Proof struct {
	Platform  string `json:"platform"`
	Handle    string `json:"handle"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type ProofResult struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of Verify. Verified is true iff every proof is valid.
type Result struct {
	Verified  bool   `json:"verified"`
	Agent     string `json:"agent,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	// PreviousKey is set when the manifest carries a valid key rotation.
	PreviousKey string        `json:"previousKey,omitempty"`
	Proofs      []ProofResult `json:"proofs"`
	Error       string        `json:"error,omitempty"`
}

// KeyRecorder receives keys of successfully verified manifests.
type KeyRecorder interface {
	Remember(ctx context.Context, rec keystore.Record) error
}

type Verifier struct {
	client  *http.Client
	timeout time.Duration
	keys    KeyRecorder
	source  string
	logger  *logging.Logger
}

type Option func(*Verifier)

func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithKeyRecorder caches verified keys under source (keystore.SourceVerified
// or keystore.SourceHandshake).
func WithKeyRecorder(k KeyRecorder, source string) Option {
	return func(v *Verifier) {
		v.keys = k
		v.source = source
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		source:  keystore.SourceVerified,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// WithSource returns a copy of v that records keys under a different source.
func (v *Verifier) WithSource(source string) *Verifier {
	cp := *v
	cp.source = source
	return &cp
}

// Verify fetches the manifest at url and checks every proof. It never returns
// an error: fetch and decode failures come back as Verified=false with Error set.
func (v *Verifier) Verify(ctx context.Context, url string) Result {
	ctx, span := tracing.StartSpan(ctx, "manifest.verify", attribute.String("manifest.url", url))
	defer span.End()

	m, err := v.fetch(ctx, url)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		v.logger.WithContext(ctx).WithField("url", url).WithError(err).Warn("Manifest fetch failed")
		metrics.RecordManifestVerification(false)
		return Result{Proofs: []ProofResult{}, Error: err.Error()}
	}

	res := Check(m)
	entry := v.logger.WithContext(ctx).WithAgent(res.Agent).WithField("url", url)
	if res.Verified && v.keys != nil && res.Agent != "" {
		res = v.record(ctx, res, entry)
	}
	metrics.RecordManifestVerification(res.Verified)
	span.SetAttributes(attribute.Bool("manifest.verified", res.Verified), attribute.Int("manifest.proofs", len(res.Proofs)))

	if !res.Verified {
		entry.WithField("reason", res.Error).Warn("Manifest not verified")
		return res
	}
	entry.Info("Manifest verified")
	return res
}

// record caches the manifest key. A handle already bound to another key is
// only moved by the operator or by a rotation signed with that key; otherwise
// the result is downgraded to unverified.
func (v *Verifier) record(ctx context.Context, res Result, entry *logging.LogEntry) Result {
	if res.PreviousKey != "" {
		ctx = keystore.WithEndorsement(ctx, res.PreviousKey)
	}
	rec := keystore.Record{Handle: res.Agent, PublicKey: res.PublicKey, Source: v.source}
	err := v.keys.Remember(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, keystore.ErrKeyConflict):
		res.Verified = false
		res.Error = err.Error()
	default:
		entry.WithError(err).Error("Failed to cache verified key")
	}
	return res
}

func (v *Verifier) fetch(ctx context.Context, url string) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Manifest{}, fmt.Errorf("fetch manifest: timeout after %s", v.timeout)
		}
		return Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return Manifest{}, fmt.Errorf("fetch manifest: HTTP %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Check verifies an already decoded manifest.
func Check(m Manifest) Result {
	res := Result{
		Agent:     keystore.NormalizeHandle(m.Agent),
		PublicKey: strings.ToLower(strings.TrimSpace(m.Identity.PublicKey)),
		Proofs:    []ProofResult{},
	}

	if res.PublicKey == "" {
		res.Error = "manifest has no public key"
		return res
	}
	if alg := strings.ToLower(strings.TrimSpace(m.Identity.Algorithm)); alg != "" && alg != AlgorithmEd25519 {
		res.Error = fmt.Sprintf("unsupported algorithm %q", m.Identity.Algorithm)
		return res
	}
	if _, err := signing.ParsePublicKeyHex(res.PublicKey); err != nil {
		res.Error = err.Error()
		return res
	}
	if len(m.Identity.Proofs) == 0 {
		res.Error = "manifest has no proofs"
		return res
	}

	allValid := true
	for _, p := range m.Identity.Proofs {
		pr := ProofResult{Platform: p.Platform, Handle: p.Handle}
		ok, err := signing.VerifyHex([]byte(p.Message), p.Signature, res.PublicKey)
		switch {
		case err != nil:
			pr.Error = err.Error()
		case !ok:
			pr.Error = "signature does not match"
		default:
			pr.Valid = true
		}
		if !pr.Valid {
			allValid = false
		}
		res.Proofs = append(res.Proofs, pr)
	}

	res.Verified = allValid
	if !allValid {
		res.Error = "one or more proofs failed verification"
		return res
	}

	if rot := m.Identity.Rotation; rot != nil {
		prev := strings.ToLower(strings.TrimSpace(rot.PreviousKey))
		ok, err := signing.VerifyHex([]byte(RotationMessage(res.Agent, res.PublicKey)), rot.Signature, prev)
		if err != nil || !ok {
			res.Verified = false
			res.Error = "key rotation signature does not match previous key"
			return res
		}
		res.PreviousKey = prev
	}
	return res
}

// RotationMessage is the text the previous key signs to hand agent over to
// newKeyHex.
func RotationMessage(agent, newKeyHex string) string {
	return fmt.Sprintf("agentgate key rotation: %s -> %s", keystore.NormalizeHandle(agent), strings.ToLower(newKeyHex))
}

// NewRotation signs a handover of agent from previous to the key newKeyHex.
func NewRotation(previous *signing.KeyPair, agent, newKeyHex string) *Rotation {
	return &Rotation{
		PreviousKey: previous.PublicKeyHex,
		Signature:   previous.Sign([]byte(RotationMessage(agent, newKeyHex))),
	}
}

// ProofMessage is the default claim text signed for a platform binding.
func ProofMessage(agent, platform, handle, publicKeyHex string) string {
	return fmt.Sprintf("%s is %s on %s with key %s", agent, handle, platform, publicKeyHex)
}

// NewProof signs a platform binding with kp. An empty message uses ProofMessage.
func NewProof(kp *signing.KeyPair, agent, platform, handle, message string) Proof {
	if message == "" {
		message = ProofMessage(agent, platform, handle, kp.PublicKeyHex)
	}
	return Proof{
		Platform:  platform,
		Handle:    handle,
		Message:   message,
		Signature: kp.Sign([]byte(message)),
	}
}

// Build assembles a self-signed manifest for agent.
func Build(agent string, kp *signing.KeyPair, proofs ...Proof) Manifest {
	if proofs == nil {
		proofs = []Proof{}
	}
	return Manifest{
		Agent: agent,
		Identity: Identity{
			PublicKey: kp.PublicKeyHex,
			Algorithm: AlgorithmEd25519,
			Proofs:    proofs,
		},
	}
}
