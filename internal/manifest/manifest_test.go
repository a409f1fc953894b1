package manifest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/signing"
)

type recorder struct {
	mu   sync.Mutex
	recs []keystore.Record
}

func (r *recorder) Remember(ctx context.Context, rec keystore.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func mustKeyPair(t *testing.T) *signing.KeyPair {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func serveManifest(t *testing.T, v any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func tamper(sig string) string {
	b := []byte(sig)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}

func TestVerifyAllProofsValid(t *testing.T) {
	kp := mustKeyPair(t)
	m := Build("Moltbook-Agent", kp,
		NewProof(kp, "moltbook-agent", "github", "moltbook", ""),
		NewProof(kp, "moltbook-agent", "x", "@moltbook", ""),
		NewProof(kp, "moltbook-agent", "email", "bot@example.com", "custom claim"),
	)
	srv := serveManifest(t, m)
	rec := &recorder{}

	res := NewVerifier(WithKeyRecorder(rec, keystore.SourceVerified)).Verify(context.Background(), srv.URL)

	if !res.Verified {
		t.Fatalf("Verify() verified = false, error = %q", res.Error)
	}
	if res.Agent != "moltbook-agent" || res.PublicKey != kp.PublicKeyHex {
		t.Errorf("Verify() agent/key = %q/%q", res.Agent, res.PublicKey)
	}
	if len(res.Proofs) != 3 {
		t.Fatalf("Verify() proofs = %d, want 3", len(res.Proofs))
	}
	for _, p := range res.Proofs {
		if !p.Valid {
			t.Errorf("proof %s invalid: %s", p.Platform, p.Error)
		}
	}
	if len(rec.recs) != 1 || rec.recs[0].Handle != "moltbook-agent" || rec.recs[0].Source != keystore.SourceVerified {
		t.Errorf("remembered %+v", rec.recs)
	}
}

func TestVerifyOneTamperedProofPoisonsManifest(t *testing.T) {
	kp := mustKeyPair(t)
	good := NewProof(kp, "agent", "github", "agent-gh", "")
	bad := NewProof(kp, "agent", "x", "agent-x", "")
	bad.Signature = tamper(bad.Signature)

	srv := serveManifest(t, Build("agent", kp, good, bad))
	rec := &recorder{}
	res := NewVerifier(WithKeyRecorder(rec, keystore.SourceVerified)).Verify(context.Background(), srv.URL)

	if res.Verified {
		t.Fatal("Verify() verified = true with a tampered proof")
	}
	if !res.Proofs[0].Valid {
		t.Errorf("github proof should be individually valid: %s", res.Proofs[0].Error)
	}
	if res.Proofs[1].Valid || res.Proofs[1].Platform != "x" {
		t.Errorf("x proof = %+v, want invalid", res.Proofs[1])
	}
	if len(rec.recs) != 0 {
		t.Errorf("unverified manifest key was remembered: %+v", rec.recs)
	}
}

func TestCheck(t *testing.T) {
	kp := mustKeyPair(t)
	other := mustKeyPair(t)
	valid := NewProof(kp, "a", "github", "a", "")

	tests := []struct {
		name      string
		manifest  Manifest
		wantOK    bool
		wantError string
	}{
		{
			name:     "valid",
			manifest: Build("a", kp, valid),
			wantOK:   true,
		},
		{
			name:      "missing public key",
			manifest:  Manifest{Agent: "a", Identity: Identity{Proofs: []Proof{valid}}},
			wantError: "no public key",
		},
		{
			name:      "no proofs",
			manifest:  Build("a", kp),
			wantError: "no proofs",
		},
		{
			name:      "unsupported algorithm",
			manifest:  Manifest{Agent: "a", Identity: Identity{PublicKey: kp.PublicKeyHex, Algorithm: "rsa", Proofs: []Proof{valid}}},
			wantError: "unsupported algorithm",
		},
		{
			name:      "malformed public key",
			manifest:  Manifest{Agent: "a", Identity: Identity{PublicKey: "xyz", Proofs: []Proof{valid}}},
			wantError: "malformed public key",
		},
		{
			name:      "proof signed by another key",
			manifest:  Build("a", kp, NewProof(other, "a", "github", "a", "")),
			wantError: "proofs failed",
		},
		{
			name:      "malformed signature",
			manifest:  Build("a", kp, Proof{Platform: "github", Handle: "a", Message: "m", Signature: "nothex"}),
			wantError: "proofs failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Check(tt.manifest)
			if res.Verified != tt.wantOK {
				t.Errorf("Check() verified = %v, want %v (error %q)", res.Verified, tt.wantOK, res.Error)
			}
			if tt.wantError != "" && !strings.Contains(res.Error, tt.wantError) {
				t.Errorf("Check() error = %q, want containing %q", res.Error, tt.wantError)
			}
		})
	}
}

func TestVerifyFetchFailures(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer garbage.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	tests := []struct {
		name      string
		url       string
		wantError string
	}{
		{"non-2xx", notFound.URL, "HTTP 404"},
		{"malformed json", garbage.URL, "decode manifest"},
		{"timeout", slow.URL, "timeout"},
		{"bad url", "://nope", "build request"},
	}

	v := NewVerifier(WithTimeout(100 * time.Millisecond))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Verify(context.Background(), tt.url)
			if res.Verified {
				t.Fatal("Verify() verified = true")
			}
			if !strings.Contains(res.Error, tt.wantError) {
				t.Errorf("Verify() error = %q, want containing %q", res.Error, tt.wantError)
			}
		})
	}
}

func TestWithSource(t *testing.T) {
	kp := mustKeyPair(t)
	srv := serveManifest(t, Build("peer", kp, NewProof(kp, "peer", "github", "peer", "")))
	rec := &recorder{}
	base := NewVerifier(WithKeyRecorder(rec, keystore.SourceVerified))

	res := base.WithSource(keystore.SourceHandshake).Verify(context.Background(), srv.URL)
	if !res.Verified {
		t.Fatalf("Verify() error = %q", res.Error)
	}
	if len(rec.recs) != 1 || rec.recs[0].Source != keystore.SourceHandshake {
		t.Errorf("remembered %+v, want handshake source", rec.recs)
	}
}

func TestVerifyKeepsExistingBinding(t *testing.T) {
	ctx := context.Background()
	keys := keystore.New(nil, nil)
	v := NewVerifier(WithKeyRecorder(keys, keystore.SourceVerified))
	alice, mallory, next := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)

	publish := func(kp *signing.KeyPair, rot *Rotation) string {
		m := Build("alice", kp, NewProof(kp, "alice", "github", "alice-gh", ""))
		m.Identity.Rotation = rot
		return serveManifest(t, m).URL
	}

	if res := v.Verify(ctx, publish(alice, nil)); !res.Verified {
		t.Fatalf("first manifest not verified: %+v", res)
	}

	res := v.Verify(ctx, publish(mallory, nil))
	if res.Verified || !strings.Contains(res.Error, "different key") {
		t.Errorf("takeover manifest = %+v, want key conflict", res)
	}
	if got, _ := keys.Lookup(ctx, "alice"); got != alice.PublicKeyHex {
		t.Fatalf("alice rebound to %s", got)
	}

	// a rotation signed by someone other than the bound key changes nothing
	res = v.Verify(ctx, publish(mallory, NewRotation(next, "alice", mallory.PublicKeyHex)))
	if res.Verified {
		t.Errorf("rotation from unbound key verified: %+v", res)
	}

	res = v.Verify(ctx, publish(next, NewRotation(alice, "alice", next.PublicKeyHex)))
	if !res.Verified || res.PreviousKey != alice.PublicKeyHex {
		t.Fatalf("rotated manifest = %+v", res)
	}
	if got, _ := keys.Lookup(ctx, "alice"); got != next.PublicKeyHex {
		t.Errorf("Lookup(alice) after rotation = %s, want new key", got)
	}

	res = v.Verify(keystore.AllowRebind(ctx), publish(mallory, nil))
	if !res.Verified {
		t.Errorf("operator rebind not verified: %+v", res)
	}
	if got, _ := keys.Lookup(ctx, "alice"); got != mallory.PublicKeyHex {
		t.Errorf("Lookup(alice) after operator rebind = %s", got)
	}
}

func TestCheckRotation(t *testing.T) {
	prev, cur := mustKeyPair(t), mustKeyPair(t)
	base := func() Manifest {
		return Build("kim", cur, NewProof(cur, "kim", "x", "kim", ""))
	}

	good := base()
	good.Identity.Rotation = NewRotation(prev, "kim", cur.PublicKeyHex)
	if res := Check(good); !res.Verified || res.PreviousKey != prev.PublicKeyHex {
		t.Errorf("Check(valid rotation) = %+v", res)
	}

	bad := base()
	bad.Identity.Rotation = NewRotation(prev, "kim", cur.PublicKeyHex)
	bad.Identity.Rotation.Signature = tamper(bad.Identity.Rotation.Signature)
	if res := Check(bad); res.Verified || res.PreviousKey != "" {
		t.Errorf("Check(tampered rotation) = %+v", res)
	}
}
