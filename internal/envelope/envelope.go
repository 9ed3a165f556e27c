// Package envelope defines the JSON response shape shared by every handler
// in both services: {"success": true, ...} on success, {"success": false,
// "error": "<code>"} on failure. Domain errors never map to HTTP status
// codes other than 200; the one exception (missing artifact archive) is
// handled directly by the caller with a bare 404.
package envelope

// Error codes. Handlers reference these constants instead of repeating
// string literals so a typo becomes a compile error, not a wire mismatch.
const (
	ErrNoSuchPlugin            = "no-such-plugin"
	ErrNoSuchPlan              = "no-such-plan"
	ErrNoSuchSession           = "no-such-session"
	ErrNoSuchScan              = "no-such-scan"
	ErrUnknownState            = "unknown-state"
	ErrUnknownStateTransition  = "unknown-state-transition"
	ErrInvalidState            = "invalid-state"
	ErrInvalidConfiguration    = "invalid-configuration"
	ErrMalformedToken          = "malformed-token"
	ErrNoArtifacts             = "no-artifacts"
)

// Response is the envelope wrapping every JSON body. Domain payload fields
// are merged in by handlers via gin.H rather than embedding, since the
// payload shape differs per endpoint.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Ok returns the bare success envelope.
func Ok() Response {
	return Response{Success: true}
}

// Fail returns the bare failure envelope carrying the given error code.
func Fail(code string) Response {
	return Response{Success: false, Error: code}
}
