package domain

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// defaultDimension is used to compose the SDK-settings URL whenever
// the client key's embedded payload is missing or unparseable (spec
// §3 invariant: the SDK still operates using "default").
const defaultDimension = "default"

// ClientKey is the opaque bearer string every request is scoped to.
// It carries a base64url-encoded JSON payload (delimited by dots,
// JWT-shaped) whose middle segment holds at least a dimension_id.
type ClientKey struct {
	raw         string
	dimensionID string
}

// ParseClientKey parses raw once at construction time. An unparseable
// payload is not an error: dimensionID is left empty and callers fall
// back to "default" — the SDK keeps operating.
func ParseClientKey(raw string) ClientKey {
	ck := ClientKey{raw: raw}

	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return ck
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Try standard padding in case the key wasn't stripped.
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return ck
		}
	}

	var decoded struct {
		DimensionID string `json:"dimension_id"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ck
	}

	ck.dimensionID = decoded.DimensionID
	return ck
}

// String returns the raw bearer string, suitable for the cfenc query
// parameter.
func (k ClientKey) String() string { return k.raw }

// DimensionID returns the parsed dimension, or "default" if none was
// present/parseable.
func (k ClientKey) DimensionID() string {
	if k.dimensionID == "" {
		return defaultDimension
	}
	return k.dimensionID
}

// Redacted returns a value safe to log: the raw key's first and last
// four characters around a "***REDACTED***" marker, or the marker
// alone when the key is 8 characters or shorter. Grounded on the
// teacher's ConfigSanitizer redaction pattern.
func (k ClientKey) Redacted() string {
	if len(k.raw) <= 8 {
		return "***REDACTED***"
	}
	return k.raw[:4] + "***REDACTED***" + k.raw[len(k.raw)-4:]
}
