package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"
)

// SignatureHeader carries the caller's signed timestamp and digest.
const SignatureHeader = "x-retell-signature"

// FreshnessWindow bounds |now - timestamp| for an accepted signature.
// The window is symmetric so callers with a fast clock are not rejected.
const FreshnessWindow = 5 * time.Minute

var signaturePattern = regexp.MustCompile(`^v=(\d+),d=([a-f0-9]+)$`)

// Signature is a parsed signature header.
type Signature struct {
	// Timestamp in Unix milliseconds.
	Timestamp int64
	Digest    string
}

// ParseSignature parses a header of the form "v=<timestamp>,d=<hex>".
// A timestamp that overflows int64 reports SignatureExpired.
func ParseSignature(header string) (Signature, error) {
	m := signaturePattern.FindStringSubmatch(header)
	if m == nil {
		return Signature{}, fail(MalformedSignature)
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// Only digits reach here, so err is ErrRange.
		return Signature{}, fail(SignatureExpired)
	}
	return Signature{Timestamp: ts, Digest: m[2]}, nil
}

// VerifySignature checks header against HMAC-SHA256(secret, body || timestamp).
//
// Checks run in order: presence, format, freshness, digest. The digest is
// compared with hmac.Equal so the comparison time does not depend on content.
// Nothing is remembered between calls; a valid signature may be replayed for
// as long as it stays inside FreshnessWindow.
func VerifySignature(body []byte, header, secret string, now time.Time) error {
	if header == "" {
		return fail(MissingSignature)
	}

	sig, err := ParseSignature(header)
	if err != nil {
		return err
	}

	skew := now.UnixMilli() - sig.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > FreshnessWindow.Milliseconds() {
		return fail(SignatureExpired)
	}

	supplied, err := hex.DecodeString(sig.Digest)
	if err != nil {
		// Odd-length digests pass the pattern but can never match.
		return fail(InvalidSignature)
	}

	if !hmac.Equal(computeMAC(body, secret, sig.Timestamp), supplied) {
		return fail(InvalidSignature)
	}
	return nil
}

// Sign returns a signature header value for body at timestamp ts (Unix ms).
func Sign(body []byte, secret string, ts int64) string {
	return "v=" + strconv.FormatInt(ts, 10) + ",d=" + hex.EncodeToString(computeMAC(body, secret, ts))
}

func computeMAC(body []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return mac.Sum(nil)
}
