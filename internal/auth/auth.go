// Package auth authenticates inbound mutating requests. Agents sign
// METHOD:PATH:TIMESTAMP:SHA256(BODY) with their Ed25519 key; the handle they
// claim is only trusted once matched to a key from the key store. The
// operator's bearer credential bypasses agent checks.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/metrics"
	"github.com/austindbirch/agentgate/internal/signing"
)

// Failure reasons.
const (
	ReasonMissingHeaders   = "missing-headers"
	ReasonTimestampExpired = "timestamp-expired"
	ReasonUnknownAgent     = "unknown-agent"
	ReasonBadSignature     = "bad-signature"
	ReasonCryptoError      = "crypto-error"
)

const (
	DefaultWindow = 5 * time.Minute
	maxBodyBytes  = 1 << 20
)

// Failure is a rejected signed request.
type Failure struct {
	Reason string
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Reason
	}
	return f.Reason + ": " + f.Detail
}

// Headers names the three signed-request headers.
type Headers struct {
	Handle    string
	Timestamp string
	Signature string
}

var DefaultHeaders = Headers{
	Handle:    "X-Agent-Handle",
	Timestamp: "X-Agent-Timestamp",
	Signature: "X-Agent-Signature",
}

// KeyLookup resolves a handle to a hex public key. *keystore.Store satisfies it.
type KeyLookup interface {
	Lookup(ctx context.Context, handle string) (string, bool)
}

type ctxKey int

const (
	handleKey ctxKey = iota
	operatorKey
)

// HandleFromContext returns the verified agent handle set by Middleware.
func HandleFromContext(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(handleKey).(string)
	return h, ok && h != ""
}

// IsOperator reports whether Middleware accepted the operator credential.
func IsOperator(ctx context.Context) bool {
	v, _ := ctx.Value(operatorKey).(bool)
	return v
}

// WithHandle returns ctx carrying a verified handle.
func WithHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, handleKey, handle)
}

// WithOperator returns ctx marked as operator-authenticated.
func WithOperator(ctx context.Context) context.Context {
	return context.WithValue(ctx, operatorKey, true)
}

type Authenticator struct {
	keys     KeyLookup
	operator *OperatorValidator
	clock    clock.Clock
	window   time.Duration
	headers  Headers
	logger   *logging.Logger
}

type Option func(*Authenticator)

func WithOperatorValidator(v *OperatorValidator) Option {
	return func(a *Authenticator) { a.operator = v }
}

func WithClock(c clock.Clock) Option {
	return func(a *Authenticator) { a.clock = c }
}

func WithWindow(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.window = d
		}
	}
}

func WithHeaders(h Headers) Option {
	return func(a *Authenticator) { a.headers = h }
}

func WithLogger(l *logging.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

func New(keys KeyLookup, opts ...Option) *Authenticator {
	a := &Authenticator{
		keys:    keys,
		clock:   clock.Real{},
		window:  DefaultWindow,
		headers: DefaultHeaders,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate checks the signed-request headers of r against body and
// returns the verified, normalized handle.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (string, *Failure) {
	handle := keystore.NormalizeHandle(r.Header.Get(a.headers.Handle))
	tsRaw := strings.TrimSpace(r.Header.Get(a.headers.Timestamp))
	sigHex := strings.TrimSpace(r.Header.Get(a.headers.Signature))

	if handle == "" || tsRaw == "" || sigHex == "" {
		return "", &Failure{Reason: ReasonMissingHeaders}
	}

	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return "", &Failure{Reason: ReasonTimestampExpired, Detail: "unparseable timestamp"}
	}
	if skew := a.clock.Now().Sub(ts); skew > a.window || skew < -a.window {
		return "", &Failure{Reason: ReasonTimestampExpired, Detail: fmt.Sprintf("skew %s exceeds %s", skew, a.window)}
	}

	pubHex, ok := a.keys.Lookup(r.Context(), handle)
	if !ok {
		return "", &Failure{Reason: ReasonUnknownAgent}
	}

	msg := signing.RequestMessage(r.Method, r.URL.Path, tsRaw, body)
	valid, err := signing.VerifyHex(msg, sigHex, pubHex)
	switch {
	case errors.Is(err, signing.ErrMalformedSignature):
		return "", &Failure{Reason: ReasonBadSignature, Detail: "malformed signature"}
	case err != nil:
		return "", &Failure{Reason: ReasonCryptoError, Detail: err.Error()}
	case !valid:
		return "", &Failure{Reason: ReasonBadSignature}
	}
	return handle, nil
}

// Middleware authenticates non-idempotent requests. Idempotent requests pass
// through, marked as operator when they carry the operator credential.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if a.operator.Enabled() && a.operator.IsOperator(r) {
			next.ServeHTTP(w, r.WithContext(WithOperator(ctx)))
			return
		}
		if isIdempotent(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		handle, fail := a.Authenticate(r, body)
		if fail != nil {
			metrics.RecordAuthFailure(fail.Reason)
			a.logger.WithContext(ctx).
				WithAgent(r.Header.Get(a.headers.Handle)).
				WithFields(map[string]any{"reason": fail.Reason, "method": r.Method, "path": r.URL.Path}).
				Warn("Signed request rejected")
			writeJSONError(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "reason": fail.Reason})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithHandle(ctx, handle)))
	})
}

// Optional marks requests carrying the operator credential and passes every
// request through unauthenticated otherwise.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.operator.Enabled() && a.operator.IsOperator(r) {
			r = r.WithContext(WithOperator(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func writeJSONError(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// SignRequest sets the signed-request headers on req using the current time.
func SignRequest(req *http.Request, handle string, kp *signing.KeyPair, body []byte) {
	SignRequestAt(req, handle, kp, body, time.Now(), DefaultHeaders)
}

// SignRequestAt sets the signed-request headers on req for timestamp at.
func SignRequestAt(req *http.Request, handle string, kp *signing.KeyPair, body []byte, at time.Time, h Headers) {
	ts := at.UTC().Format(time.RFC3339Nano)
	req.Header.Set(h.Handle, handle)
	req.Header.Set(h.Timestamp, ts)
	req.Header.Set(h.Signature, kp.Sign(signing.RequestMessage(req.Method, req.URL.Path, ts, body)))
}
