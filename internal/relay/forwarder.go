// Package relay forwards an approved webhook body to the downstream endpoint.
//
// A Forwarder makes exactly one POST per call. It never retries; the caller of
// the gateway owns retry policy and sees 502/504 when the downstream fails.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Defaults for New.
const (
	DefaultTimeout   = 8 * time.Second
	DefaultUserAgent = "hookrelay/1.0"
)

// Headers set on the outbound request.
const (
	SecretHeader    = "X-Webhook-Secret"
	RequestIDHeader = "X-Request-Id"
)

// Outcome classifies how a Forward call ended.
type Outcome string

const (
	OutcomeRelayed     Outcome = "relayed"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeUnreachable Outcome = "unreachable"
)

// Destination describes where and how one body is forwarded.
type Destination struct {
	URL string
	// Secret is sent in SecretHeader when non-empty.
	Secret string
	// RequestID is sent in RequestIDHeader when non-empty.
	RequestID string
}

// Response is what the gateway returns to its caller after a relay attempt.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Outcome     Outcome
	Duration    time.Duration
}

// ErrorBody is the JSON body of a 502 or 504 produced by the relay itself.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Forwarder relays request bodies under a hard deadline.
type Forwarder struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout sets the deadline for one relay, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent identifying the relay to the downstream.
func WithUserAgent(ua string) Option {
	return func(f *Forwarder) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Forwarder.
func New(opts ...Option) *Forwarder {
	f := &Forwarder{
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Timeout returns the configured relay deadline.
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// Forward POSTs body unchanged to dest.URL and returns the downstream's status
// and body. A deadline overrun yields 504 and any other transport failure 502.
func (f *Forwarder) Forward(ctx context.Context, body []byte, dest Destination) Response {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp := f.do(ctx, body, dest)
	resp.Duration = time.Since(start)
	return resp
}

func (f *Forwarder) do(ctx context.Context, body []byte, dest Destination) Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		f.logger.Error("failed to build downstream request", "error", err)
		return badGateway()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	if dest.Secret != "" {
		req.Header.Set(SecretHeader, dest.Secret)
	}
	if dest.RequestID != "" {
		req.Header.Set(RequestIDHeader, dest.RequestID)
	}

	upstream, err := f.client.Do(req)
	if err != nil {
		return f.transportFailure(ctx, err)
	}
	defer upstream.Body.Close()

	data, err := io.ReadAll(upstream.Body)
	if err != nil {
		return f.transportFailure(ctx, err)
	}

	contentType := upstream.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	return Response{
		Status:      upstream.StatusCode,
		ContentType: contentType,
		Body:        data,
		Outcome:     OutcomeRelayed,
	}
}

func (f *Forwarder) transportFailure(ctx context.Context, err error) Response {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		f.logger.Error("downstream timed out", "timeout_ms", f.timeout.Milliseconds())
		return gatewayTimeout()
	}
	f.logger.Error("downstream request failed", "error", err)
	return badGateway()
}

func gatewayTimeout() Response {
	return errorResponse(http.StatusGatewayTimeout, OutcomeTimeout, ErrorBody{
		Error:  "Gateway Timeout",
		Detail: "downstream did not respond in time",
	})
}

func badGateway() Response {
	return errorResponse(http.StatusBadGateway, OutcomeUnreachable, ErrorBody{
		Error:  "Bad Gateway",
		Detail: "failed to reach downstream",
	})
}

func errorResponse(status int, outcome Outcome, body ErrorBody) Response {
	data, _ := json.Marshal(body)
	return Response{
		Status:      status,
		ContentType: "application/json",
		Body:        data,
		Outcome:     outcome,
	}
}
