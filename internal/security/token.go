package security

import "crypto/subtle"

// DefaultTokenHeader is the header checked when no other name is configured.
const DefaultTokenHeader = "x-api-token"

// CheckToken compares the provided header value against the configured token.
// An empty configured token fails closed: auth was switched on without a secret.
func CheckToken(provided, configured string) error {
	if configured == "" {
		return fail(ServerMisconfiguration)
	}
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) != 1 {
		return fail(Unauthorized)
	}
	return nil
}
