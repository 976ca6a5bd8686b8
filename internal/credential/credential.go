// Package credential holds the opaque per-server credential (a bearer
// token, basic-auth string, or API key) and provides log-safe masking so
// it never leaks into trace output or error messages.
package credential

import "strings"

// Credential wraps a secret value. Its zero value is a valid "no
// credential configured" state.
type Credential struct {
	value string
}

// New wraps a raw secret value.
func New(value string) *Credential {
	return &Credential{value: value}
}

// Reveal returns the raw secret for use in an Authorization header. Callers
// must never pass the result to a logger.
func (c *Credential) Reveal() string {
	if c == nil {
		return ""
	}
	return c.value
}

func (c *Credential) IsSet() bool {
	return c != nil && c.value != ""
}

// String implements fmt.Stringer with the masked form, so a Credential
// accidentally passed to a logger or %v does not leak the secret.
func (c *Credential) String() string {
	if c == nil || c.value == "" {
		return ""
	}
	return MaskToken(c.value)
}

// MaskToken shows only the last 4 characters of a token, masking the rest.
// Tokens of 4 characters or fewer are fully masked.
func MaskToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// MaskHeaderValue masks a header's value the way Authorization headers are
// masked in traces: preserve the scheme ("Bearer", "Basic") but mask the
// credential that follows it.
func MaskHeaderValue(value string) string {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) == 2 {
		return parts[0] + " " + MaskToken(parts[1])
	}
	return MaskToken(value)
}
