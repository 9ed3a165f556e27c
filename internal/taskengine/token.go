package taskengine

import (
	"encoding/base64"
	"errors"
	"regexp"
)

// ErrMalformedToken is returned when a client-supplied token does not
// decode to the expected timestamp format.
var ErrMalformedToken = errors.New("malformed-token")

// sinceSentinel is the default "since" value when no token is supplied,
// preserved byte-for-byte from the original implementation (spec.md §9
// Design Notes: "preserve byte-for-byte format for wire compatibility").
const sinceSentinel = "1975-09-23T00:00:00.000000Z"

var timestampPattern = regexp.MustCompile(`^\d\d\d\d-\d\d-\d\dT\d\d:\d\d:\d\d\.\d\d\d\d\d\dZ$`)

// DecodeToken base64-decodes token into an ISO-8601 microsecond UTC
// timestamp string. An empty token decodes to the sentinel.
func DecodeToken(token string) (string, error) {
	if token == "" {
		return sinceSentinel, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrMalformedToken
	}
	ts := string(raw)
	if !timestampPattern.MatchString(ts) {
		return "", ErrMalformedToken
	}
	return ts, nil
}

// EncodeToken base64-encodes an ISO-8601 microsecond UTC timestamp string
// into a resumable token.
func EncodeToken(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(timestamp))
}

// maxTimestamp returns the lexically (and chronologically, for this fixed
// width format) greatest of a and b.
func maxTimestamp(a, b string) string {
	if a > b {
		return a
	}
	return b
}
