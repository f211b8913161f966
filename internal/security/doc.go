// Package security implements the request checks run before a webhook is relayed.
//
// Each check is a pure function returning nil on success or a *Failure whose
// Kind maps to the HTTP status and message sent back to the caller:
//
//   - CheckClientIP: trusted-edge client IP against an exact allowlist (403)
//   - VerifySignature: HMAC-SHA256 over body and timestamp with a freshness window (401)
//   - CheckToken: optional static token header (401, or 500 when enabled without a token)
//
// Digest and token comparisons are constant time.
package security
