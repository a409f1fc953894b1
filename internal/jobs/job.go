// Package jobs runs caller-registered HTTP callbacks on a fixed interval and
// pauses a job after too many consecutive failures.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/subscription"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrInvalidURL      = errors.New("invalid job url")
	ErrInvalidInterval = errors.New("interval out of range")
	ErrInvalidMethod   = errors.New("unsupported job method")
	ErrInvalidPayload  = errors.New("job payload must be JSON")
	ErrMissingOwner    = errors.New("owner is required")
	ErrInactive        = errors.New("job is inactive")
	ErrAlreadyRunning  = errors.New("job run already in progress")
)

const (
	DefaultTimeout          = 15 * time.Second
	DefaultFailureThreshold = 5
	DefaultHistorySize      = 20
	DefaultMinInterval      = 60 * time.Second
	DefaultMaxInterval      = 86400 * time.Second
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Run is one entry of a job's run history.
type Run struct {
	At         time.Time `json:"at"`
	Success    bool      `json:"success"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
}

type Job struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	URL                 string          `json:"url"`
	Method              string          `json:"method"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	IntervalSeconds     int             `json:"intervalSeconds"`
	Active              bool            `json:"active"`
	RunCount            int64           `json:"runCount"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastRunAt           *time.Time      `json:"lastRunAt,omitempty"`
	History             []Run           `json:"history"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func (j Job) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

func (j *Job) clone() Job {
	out := *j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	out.History = append([]Run(nil), j.History...)
	if j.LastRunAt != nil {
		at := *j.LastRunAt
		out.LastRunAt = &at
	}
	return out
}

// Spec is the input of Create.
type Spec struct {
	Owner           string          `json:"owner"`
	URL             string          `json:"url"`
	Method          string          `json:"method"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IntervalSeconds int             `json:"intervalSeconds"`
}

// Patch is the input of Update. Nil fields are left alone.
type Patch struct {
	URL             *string          `json:"url,omitempty"`
	Method          *string          `json:"method,omitempty"`
	Payload         *json.RawMessage `json:"payload,omitempty"`
	IntervalSeconds *int             `json:"intervalSeconds,omitempty"`
	Active          *bool            `json:"active,omitempty"`
}

// Limits bounds job configuration and execution.
type Limits struct {
	Timeout          time.Duration
	FailureThreshold int
	HistorySize      int
	MinInterval      time.Duration
	MaxInterval      time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		Timeout:          DefaultTimeout,
		FailureThreshold: DefaultFailureThreshold,
		HistorySize:      DefaultHistorySize,
		MinInterval:      DefaultMinInterval,
		MaxInterval:      DefaultMaxInterval,
	}
}

// checkInterval compares whole seconds so huge values cannot wrap into range
// when converted to a Duration.
func (l Limits) checkInterval(seconds int) error {
	s := int64(seconds)
	if s < int64(l.MinInterval/time.Second) || s > int64(l.MaxInterval/time.Second) {
		return fmt.Errorf("%w: %ds not in [%s, %s]", ErrInvalidInterval, seconds, l.MinInterval, l.MaxInterval)
	}
	return nil
}

func normalizeMethod(m string) (string, error) {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return http.MethodPost, nil
	}
	if !allowedMethods[m] {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, m)
	}
	return m, nil
}

func normalizeURL(raw string) (string, error) {
	u, err := subscription.ValidateURL(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return u, nil
}

func normalizePayload(p json.RawMessage) (json.RawMessage, error) {
	if len(p) == 0 || string(p) == "null" {
		return nil, nil
	}
	if !json.Valid(p) {
		return nil, ErrInvalidPayload
	}
	return append(json.RawMessage(nil), p...), nil
}

// validate normalizes s in place.
func (l Limits) validate(s *Spec) error {
	s.Owner = keystore.NormalizeHandle(s.Owner)
	if s.Owner == "" {
		return ErrMissingOwner
	}
	var err error
	if s.URL, err = normalizeURL(s.URL); err != nil {
		return err
	}
	if s.Method, err = normalizeMethod(s.Method); err != nil {
		return err
	}
	if s.Payload, err = normalizePayload(s.Payload); err != nil {
		return err
	}
	return l.checkInterval(s.IntervalSeconds)
}
