package security

// DefaultClientIPHeader is set by the Cloudflare edge and replaces any
// client-supplied value, so it can be trusted when the edge is the only way in.
const DefaultClientIPHeader = "CF-Connecting-IP"

// CheckClientIP matches clientIP exactly against allowed.
//
// An empty clientIP means the trusted edge header was absent. That happens
// when the service runs outside the edge (local development), and the
// request is let through only if allowMissing is set. Deployments that keep
// allowMissing on must disable IP filtering anywhere the edge is not in front.
func CheckClientIP(clientIP string, allowed map[string]struct{}, allowMissing bool) error {
	if clientIP == "" {
		if allowMissing {
			return nil
		}
		return fail(Forbidden)
	}
	if _, ok := allowed[clientIP]; !ok {
		return fail(Forbidden)
	}
	return nil
}
