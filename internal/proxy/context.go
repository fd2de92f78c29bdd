package proxy

// RequestContext is the authenticated identity of one inbound call. It is
// built once by AuthService and read-only afterwards.
type RequestContext struct {
	RequestID string `json:"request_id"`

	UserID        uint64 `json:"user_id"`
	AccessKeyID   uint64 `json:"access_key_id"`
	KeyPrefix     string `json:"key_prefix"`
	BedrockRegion string `json:"bedrock_region"`
	// BedrockModel is the per-key model override; empty when the key has
	// none, letting the configured mapping and default apply.
	BedrockModel  string `json:"bedrock_model"`
	HasBedrockKey bool   `json:"has_bedrock_key"`

	// RoutingStrategy is models.RoutingPlanFirst or models.RoutingBedrockOnly.
	RoutingStrategy string `json:"routing_strategy"`
}
