package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString holds a credential (database URL, Redis URL, SendGrid key)
// that must never appear in logs or serialized config dumps. fmt verbs and
// JSON encoding both print a placeholder; Unmask returns the raw value.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString covers the %#v verb, which bypasses String.
func (s SecretString) GoString() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// IsEmpty reports whether no secret was configured.
func (s SecretString) IsEmpty() bool {
	return s == ""
}

// Unmask returns the plaintext value. Only call it at the point where the
// secret is handed to a driver or an HTTP header.
func (s SecretString) Unmask() string {
	return string(s)
}
