package proxy

import "strings"

// ModelResolver picks the Bedrock model ID for a request: per-key override
// first, then the configured mapping, then Bedrock-native IDs pass through,
// then the default.
type ModelResolver struct {
	mapping      map[string]string
	defaultModel string
}

// NewModelResolver creates a resolver from the configured mapping table and
// default model ID.
func NewModelResolver(mapping map[string]string, defaultModel string) *ModelResolver {
	if mapping == nil {
		mapping = map[string]string{}
	}
	return &ModelResolver{mapping: mapping, defaultModel: defaultModel}
}

// Resolve returns the Bedrock model ID to invoke.
func (r *ModelResolver) Resolve(requested, keyOverride string) string {
	if override := strings.TrimSpace(keyOverride); override != "" {
		return override
	}

	requested = strings.TrimSpace(requested)
	if mapped, ok := r.mapping[requested]; ok {
		return mapped
	}
	if strings.HasPrefix(requested, "anthropic.") || strings.HasPrefix(requested, "global.anthropic.") {
		return requested
	}
	return r.defaultModel
}
