package paramstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EnvGetter resolves parameters from environment variables for local runs.
// The prefix is stripped and the remaining path is upper-cased with '/' and
// '-' turned into '_', so "/persona-agent/open-ai-token" reads OPEN_AI_TOKEN.
type EnvGetter struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvGetter creates an EnvGetter that strips prefix from parameter names.
func NewEnvGetter(prefix string) *EnvGetter {
	return &EnvGetter{
		prefix: strings.TrimRight(strings.TrimSpace(prefix), "/"),
		lookup: os.LookupEnv,
	}
}

func (g *EnvGetter) GetParameter(_ context.Context, name string) (string, error) {
	key := g.envKey(name)
	if key == "" {
		return "", errors.New("paramstore: name is required")
	}
	v, ok := g.lookup(key)
	if !ok {
		return "", fmt.Errorf("paramstore: env %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (g *EnvGetter) envKey(name string) string {
	name = strings.TrimSpace(name)
	if g.prefix != "" {
		name = strings.TrimPrefix(name, g.prefix)
	}
	name = strings.Trim(name, "/")
	return strings.ToUpper(strings.NewReplacer("/", "_", "-", "_").Replace(name))
}
