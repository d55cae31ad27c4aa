package auth

import "errors"

// Reasons surfaced in 401 bodies. They deliberately do not leak which check
// failed beyond the broad category.
const (
	ReasonMissing      = "missing_token"
	ReasonMalformed    = "malformed"
	ReasonExpired      = "expired"
	ReasonBadSignature = "bad_signature"
	ReasonBadIssuer    = "bad_issuer"
	ReasonRevoked      = "revoked"
)

var errMissingSub = errors.New("token has no sub claim")

// Error is a tagged authentication failure. Auth failures are values, not
// control flow; the chain converts them to a 401 at its edge.
type Error struct {
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return "auth: " + e.Reason + ": " + e.err.Error()
	}
	return "auth: " + e.Reason
}

func (e *Error) Unwrap() error { return e.err }

// ReasonOf extracts the tagged reason, defaulting to malformed for anything
// unclassified.
func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonMalformed
}
