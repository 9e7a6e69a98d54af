package config

import "context"

// SecretProvider resolves secret references named by *_SECRET_REF variables.
type SecretProvider interface {
	// GetParametersBatch returns the plaintext value of every key it could
	// resolve. Unknown keys are omitted from the map rather than failing the call.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
