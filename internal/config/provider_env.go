package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves a secret reference by reading the environment
// variable it names. It backs local development and container platforms that
// mount secrets as variables under a different name.
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvVarProvider creates an EnvVarProvider over the process environment.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

// GetParametersBatch looks each key up as a variable name; missing keys are
// omitted.
func (p *EnvVarProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if val, ok := p.lookup(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
