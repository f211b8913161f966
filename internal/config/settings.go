package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mattjoyce/hookrelay/internal/security"
)

// Environment variables read by SettingsFromEnv.
const (
	EnvAPIKey               = "RETELL_API_KEY"
	EnvDownstreamURL        = "N8N_WEBHOOK_URL"
	EnvDownstreamSecret     = "N8N_WEBHOOK_SECRET"
	EnvAllowedEvents        = "ALLOWED_EVENTS"
	EnvAllowedIPs           = "ALLOWED_IPS"
	EnvAPIToken             = "API_TOKEN"
	EnvAPITokenHeader       = "API_TOKEN_HEADER"
	EnvClientIPHeader       = "CLIENT_IP_HEADER"
	EnvAllowMissingClientIP = "IP_FILTER_ALLOW_MISSING_HEADER"
	EnvSignatureEnabled     = "HMAC_ENABLED"
	EnvIPFilterEnabled      = "IP_FILTER_ENABLED"
	EnvTokenAuthEnabled     = "TOKEN_AUTH_ENABLED"
)

// Defaults applied when the matching variable is unset or empty.
const (
	DefaultAllowedEvents = "call_analyzed"
	DefaultAllowedIPs    = "100.20.5.228"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Settings is the security and relay configuration for one inbound request.
// It is rebuilt for every request and must not be modified after construction.
type Settings struct {
	APIKey           string
	DownstreamURL    string
	DownstreamSecret string

	// AllowedEvents holds lower-cased event names.
	AllowedEvents map[string]struct{}
	// AllowedIPs holds exact client IP strings.
	AllowedIPs map[string]struct{}

	Token       string
	TokenHeader string

	// ClientIPHeader names the edge-injected header carrying the client IP.
	ClientIPHeader string
	// AllowMissingClientIP lets requests without ClientIPHeader through the IP check.
	AllowMissingClientIP bool

	SignatureEnabled bool
	IPFilterEnabled  bool
	TokenAuthEnabled bool
}

// SettingsFromEnv builds Settings from the process environment.
func SettingsFromEnv() (Settings, error) {
	return SettingsFrom(os.LookupEnv)
}

// SettingsFrom builds Settings using lookup for every variable.
// RETELL_API_KEY and N8N_WEBHOOK_URL are required.
func SettingsFrom(lookup LookupFunc) (Settings, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	s := Settings{
		APIKey:               get(EnvAPIKey),
		DownstreamURL:        get(EnvDownstreamURL),
		DownstreamSecret:     get(EnvDownstreamSecret),
		AllowedEvents:        parseSet(get(EnvAllowedEvents), DefaultAllowedEvents, true),
		AllowedIPs:           parseSet(get(EnvAllowedIPs), DefaultAllowedIPs, false),
		Token:                get(EnvAPIToken),
		TokenHeader:          valueOr(get(EnvAPITokenHeader), security.DefaultTokenHeader),
		ClientIPHeader:       valueOr(get(EnvClientIPHeader), security.DefaultClientIPHeader),
		AllowMissingClientIP: parseBool(get(EnvAllowMissingClientIP), true),
		SignatureEnabled:     parseBool(get(EnvSignatureEnabled), true),
		IPFilterEnabled:      parseBool(get(EnvIPFilterEnabled), true),
		TokenAuthEnabled:     parseBool(get(EnvTokenAuthEnabled), false),
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks required fields. Token auth without a token is not an
// error here: the token check fails closed at request time instead.
func (s Settings) Validate() error {
	var errs []error
	if s.APIKey == "" {
		if s.SignatureEnabled {
			errs = append(errs, fmt.Errorf("%s is required", EnvAPIKey))
		} else {
			errs = append(errs, fmt.Errorf("%s is required even when %s is false", EnvAPIKey, EnvSignatureEnabled))
		}
	}
	if s.DownstreamURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvDownstreamURL))
	} else if u, err := url.Parse(s.DownstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%s must be an absolute http(s) URL", EnvDownstreamURL))
	}
	return errors.Join(errs...)
}

// Warnings lists settings combinations that are valid but risky.
func (s Settings) Warnings() []string {
	var warnings []string
	if s.TokenAuthEnabled && s.Token == "" {
		warnings = append(warnings, fmt.Sprintf("%s is true but %s is not set; every request will be rejected with 500", EnvTokenAuthEnabled, EnvAPIToken))
	}
	if s.IPFilterEnabled && s.AllowMissingClientIP {
		warnings = append(warnings, fmt.Sprintf("IP filtering lets requests without %s through; set %s=false when running behind the edge", s.ClientIPHeader, EnvAllowMissingClientIP))
	}
	if !s.SignatureEnabled {
		warnings = append(warnings, fmt.Sprintf("%s is false; request signatures are not verified, but %s must still be set", EnvSignatureEnabled, EnvAPIKey))
	}
	return warnings
}

// parseSet splits a comma-separated list, dropping empty entries.
func parseSet(value, fallback string, lowercase bool) map[string]struct{} {
	raw := value
	if raw == "" {
		raw = fallback
	}
	set := make(map[string]struct{})
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if lowercase {
			item = strings.ToLower(item)
		}
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

// parseBool treats an empty value as fallback and only "true" (any case) as true.
func parseBool(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	return strings.EqualFold(value, "true")
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
