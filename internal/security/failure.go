package security

import (
	"errors"
	"net/http"
)

// Kind identifies why a security check rejected a request.
type Kind int

const (
	MissingSignature Kind = iota + 1
	MalformedSignature
	SignatureExpired
	InvalidSignature
	Forbidden
	Unauthorized
	ServerMisconfiguration
)

// Status returns the HTTP status a failure of this kind is reported with.
func (k Kind) Status() int {
	switch k {
	case Forbidden:
		return http.StatusForbidden
	case ServerMisconfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// Message returns the caller-facing error text for this kind.
func (k Kind) Message() string {
	switch k {
	case MissingSignature:
		return "Missing " + SignatureHeader + " header"
	case MalformedSignature:
		return "Malformed signature"
	case SignatureExpired:
		return "Signature expired"
	case InvalidSignature:
		return "Invalid signature"
	case Forbidden:
		return "Forbidden"
	case Unauthorized:
		return "Unauthorized"
	case ServerMisconfiguration:
		return "Server misconfiguration"
	default:
		return "Unknown security failure"
	}
}

// String returns a stable snake_case label, used for metrics and logs.
func (k Kind) String() string {
	switch k {
	case MissingSignature:
		return "missing_signature"
	case MalformedSignature:
		return "malformed_signature"
	case SignatureExpired:
		return "signature_expired"
	case InvalidSignature:
		return "invalid_signature"
	case Forbidden:
		return "forbidden"
	case Unauthorized:
		return "unauthorized"
	case ServerMisconfiguration:
		return "server_misconfiguration"
	default:
		return "unknown"
	}
}

// Failure is the error returned by every check in this package.
type Failure struct {
	Kind Kind
}

func (f *Failure) Error() string {
	return f.Kind.Message()
}

func fail(k Kind) error {
	return &Failure{Kind: k}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
