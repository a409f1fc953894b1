package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/metrics"
	"github.com/austindbirch/agentgate/internal/signing"
)

type staticKeys map[string]string

func (s staticKeys) Lookup(ctx context.Context, handle string) (string, bool) {
	k, ok := s[handle]
	return k, ok
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Authenticator, *signing.KeyPair) {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	keys := staticKeys{"alice": kp.PublicKeyHex, "broken": "not-a-key"}
	return New(keys, WithClock(clock.NewFake(testNow))), kp
}

func signedRequest(t *testing.T, kp *signing.KeyPair, handle string, at time.Time, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", strings.NewReader(body))
	SignRequestAt(req, handle, kp, []byte(body), at, DefaultHeaders)
	return req
}

func TestAuthenticateTimestampBoundary(t *testing.T) {
	a, kp := setup(t)
	body := `{"url":"https://example.com/hook"}`

	tests := []struct {
		name       string
		at         time.Time
		wantReason string
	}{
		{"now", testNow, ""},
		{"exactly five minutes old", testNow.Add(-5 * time.Minute), ""},
		{"exactly five minutes ahead", testNow.Add(5 * time.Minute), ""},
		{"one microsecond too old", testNow.Add(-5*time.Minute - time.Microsecond), ReasonTimestampExpired},
		{"one microsecond too far ahead", testNow.Add(5*time.Minute + time.Microsecond), ReasonTimestampExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, kp, "alice", tt.at, body)
			handle, fail := a.Authenticate(req, []byte(body))
			if tt.wantReason == "" {
				if fail != nil {
					t.Fatalf("Authenticate() failure = %v, want success", fail)
				}
				if handle != "alice" {
					t.Errorf("Authenticate() handle = %q, want alice", handle)
				}
				return
			}
			if fail == nil || fail.Reason != tt.wantReason {
				t.Errorf("Authenticate() failure = %v, want %s", fail, tt.wantReason)
			}
		})
	}
}

func TestAuthenticateReasons(t *testing.T) {
	a, kp := setup(t)
	stranger, _ := signing.GenerateKeyPair()
	body := `{"x":1}`

	tests := []struct {
		name       string
		build      func() (*http.Request, []byte)
		wantReason string
	}{
		{
			name: "missing headers",
			build: func() (*http.Request, []byte) {
				return httptest.NewRequest(http.MethodPost, "/v1/webhooks", nil), nil
			},
			wantReason: ReasonMissingHeaders,
		},
		{
			name: "missing signature only",
			build: func() (*http.Request, []byte) {
				req := signedRequest(t, kp, "alice", testNow, body)
				req.Header.Del(DefaultHeaders.Signature)
				return req, []byte(body)
			},
			wantReason: ReasonMissingHeaders,
		},
		{
			name: "unparseable timestamp",
			build: func() (*http.Request, []byte) {
				req := signedRequest(t, kp, "alice", testNow, body)
				req.Header.Set(DefaultHeaders.Timestamp, "yesterday")
				return req, []byte(body)
			},
			wantReason: ReasonTimestampExpired,
		},
		{
			name: "unknown agent",
			build: func() (*http.Request, []byte) {
				return signedRequest(t, stranger, "mallory", testNow, body), []byte(body)
			},
			wantReason: ReasonUnknownAgent,
		},
		{
			name: "known agent wrong key",
			build: func() (*http.Request, []byte) {
				return signedRequest(t, stranger, "alice", testNow, body), []byte(body)
			},
			wantReason: ReasonBadSignature,
		},
		{
			name: "body tampered",
			build: func() (*http.Request, []byte) {
				return signedRequest(t, kp, "alice", testNow, body), []byte(`{"x":2}`)
			},
			wantReason: ReasonBadSignature,
		},
		{
			name: "signature not hex",
			build: func() (*http.Request, []byte) {
				req := signedRequest(t, kp, "alice", testNow, body)
				req.Header.Set(DefaultHeaders.Signature, "zzzz")
				return req, []byte(body)
			},
			wantReason: ReasonBadSignature,
		},
		{
			name: "stored key malformed",
			build: func() (*http.Request, []byte) {
				return signedRequest(t, kp, "broken", testNow, body), []byte(body)
			},
			wantReason: ReasonCryptoError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, b := tt.build()
			_, fail := a.Authenticate(req, b)
			if fail == nil {
				t.Fatal("Authenticate() succeeded, want failure")
			}
			if fail.Reason != tt.wantReason {
				t.Errorf("Authenticate() reason = %q, want %q", fail.Reason, tt.wantReason)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	a, kp := setup(t)
	op, err := NewOperatorValidator("op-token", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	a.operator = op

	var gotHandle, gotBody string
	var gotOperator bool
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHandle, _ = HandleFromContext(r.Context())
		gotOperator = IsOperator(r.Context())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("signed request reaches handler with body", func(t *testing.T) {
		body := `{"owner":"alice"}`
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, signedRequest(t, kp, "Alice", testNow, body))
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		if gotHandle != "alice" || gotBody != body || gotOperator {
			t.Errorf("handler saw handle=%q body=%q operator=%v", gotHandle, gotBody, gotOperator)
		}
	})

	t.Run("rejection is structured", func(t *testing.T) {
		metrics.AuthFailuresTotal.Reset()
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/webhooks/abc", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp["error"] != "unauthorized" || resp["reason"] != ReasonMissingHeaders {
			t.Errorf("response = %v", resp)
		}
		if got := testutil.ToFloat64(metrics.AuthFailuresTotal.WithLabelValues(ReasonMissingHeaders)); got != 1 {
			t.Errorf("auth failure counter = %f, want 1", got)
		}
	})

	t.Run("operator bypasses signature", func(t *testing.T) {
		gotHandle, gotOperator = "", false
		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("{}"))
		req.Header.Set("Authorization", "Bearer op-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent || !gotOperator || gotHandle != "" {
			t.Errorf("status=%d operator=%v handle=%q", w.Code, gotOperator, gotHandle)
		}
	})

	t.Run("wrong operator token falls back to signature check", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("{}"))
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("idempotent request passes unauthenticated", func(t *testing.T) {
		gotHandle = "stale"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil))
		if w.Code != http.StatusNoContent || gotHandle != "" {
			t.Errorf("status=%d handle=%q", w.Code, gotHandle)
		}
	})
}

func TestSignRequestUsesPathNotQuery(t *testing.T) {
	a, kp := setup(t)
	req := httptest.NewRequest(http.MethodPatch, "/v1/jobs/j1?dry=1", nil)
	SignRequestAt(req, "alice", kp, nil, testNow, DefaultHeaders)
	if _, fail := a.Authenticate(req, nil); fail != nil {
		t.Errorf("Authenticate() failure = %v", fail)
	}
}
