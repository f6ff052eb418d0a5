// Package secretval provides a redacting wrapper for secret material, kept
// out of any snapshot or log line by construction. The core only ever
// resolves references out of a 0600 TOML document and hands the module an
// opaque, redacting handle.
package secretval

import "fmt"

const redacted = "[REDACTED]"

// Value wraps a secret so that accidental String()/Error()/logging exposure
// prints a redacted placeholder instead of the secret material. Only Reveal
// returns the underlying value.
type Value struct {
	ref string
	raw string
}

// New wraps raw, recording ref (the dotted secrets-document path it came
// from) for diagnostics.
func New(ref, raw string) Value {
	return Value{ref: ref, raw: raw}
}

// Ref returns the dotted secrets-document path this value was resolved
// from, e.g. "telegram.bot_token". Safe to log and to embed in a config
// snapshot in place of the raw value.
func (v Value) Ref() string { return v.ref }

// Reveal returns the underlying secret. Callers should hold it for the
// shortest time necessary and never log it.
func (v Value) Reveal() string { return v.raw }

// IsZero reports whether no secret was ever resolved into this value.
func (v Value) IsZero() bool { return v.ref == "" && v.raw == "" }

// String implements fmt.Stringer with redaction.
func (v Value) String() string {
	if v.IsZero() {
		return ""
	}
	return redacted
}

// MarshalJSON implements redaction for any accidental JSON encoding path,
// emitting the reference rather than the secret.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(fmt.Sprintf(`{"ref":%q,"value":%q}`, v.ref, redacted)), nil
}
