package source

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jkaninda/sambaza/internal/redact"
)

// EnvProvider resolves references from the process environment.
// Reference format: "env://VARIABLE_NAME".
type EnvProvider struct{}

// NewEnvProvider creates an environment variable-based provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (redact.Value, error) {
	const prefix = "env://"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("%w: env provider only handles env:// references, got %q",
			ErrNotResolved, ref)
	}
	envVar := strings.TrimPrefix(ref, prefix)
	if envVar == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrNotResolved)
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty",
			ErrNotResolved, envVar)
	}
	return redact.Value(value), nil
}
