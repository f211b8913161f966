package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/relay"
)

//go:generate mockgen -destination=mocks/mock_relayer.go -package=mocks github.com/mattjoyce/hookrelay/internal/webhook Relayer

// Relayer forwards an approved body downstream. It must always return a
// response; transport failures are reported as 502/504 responses.
type Relayer interface {
	Forward(ctx context.Context, body []byte, dest relay.Destination) relay.Response
}

// SettingsSource produces the Settings for one request.
type SettingsSource func() (config.Settings, error)

// Config holds webhook server configuration.
type Config struct {
	Listen       string
	MaxBodySize  int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ErrorResponse is the JSON body for every error the gateway produces itself.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Default values
const (
	DefaultMaxBodySize  = config.DefaultMaxBodySize
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 15 * time.Second
)

// allowedMethods is sent in the Allow header of 405 responses.
const allowedMethods = "POST, GET"
