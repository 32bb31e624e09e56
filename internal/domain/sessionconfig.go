package domain

import "encoding/json"

// RAGConfig carries retrieval-augmented-generation parameters forwarded
// to the expert service as part of the session config snapshot.
type RAGConfig struct {
	CollectionName string `json:"collection_name"`
	TopKSingle     int    `json:"topk_single"`
	TopKMulti      int    `json:"topk_multi"`
}

// Config is a session's structured config snapshot (spec.md §3, §4.B,
// §6 "Default session config"). Extra keys round-trip via Extra.
type Config struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	SystemPrompt string   `json:"system_prompt"`
	RAG         RAGConfig `json:"rag"`
	Mode        string    `json:"mode"`

	// Extra preserves additional keys not modeled above, so that
	// round-tripping a session's config never drops client-supplied
	// fields (spec.md §6: "additional keys are permitted and preserved").
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens Extra alongside the named fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	base, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures unrecognized keys into Extra.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"model": true, "temperature": true, "max_tokens": true,
		"system_prompt": true, "rag": true, "mode": true,
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	a.Extra = extra
	*c = Config(a)
	return nil
}

// Merge deep-merges patch into c, keeping c's values for keys patch
// omits. Used by Session Store's update_config (spec.md §4.B).
func (c Config) Merge(patch Config) Config {
	out := c
	if patch.Model != "" {
		out.Model = patch.Model
	}
	if patch.Temperature != 0 {
		out.Temperature = patch.Temperature
	}
	if patch.MaxTokens != 0 {
		out.MaxTokens = patch.MaxTokens
	}
	if patch.SystemPrompt != "" {
		out.SystemPrompt = patch.SystemPrompt
	}
	if patch.RAG.CollectionName != "" {
		out.RAG.CollectionName = patch.RAG.CollectionName
	}
	if patch.RAG.TopKSingle != 0 {
		out.RAG.TopKSingle = patch.RAG.TopKSingle
	}
	if patch.RAG.TopKMulti != 0 {
		out.RAG.TopKMulti = patch.RAG.TopKMulti
	}
	if patch.Mode != "" {
		out.Mode = patch.Mode
	}
	if len(patch.Extra) > 0 {
		merged := make(map[string]json.RawMessage, len(out.Extra)+len(patch.Extra))
		for k, v := range out.Extra {
			merged[k] = v
		}
		for k, v := range patch.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// DefaultConfig returns the single source of truth for a new session's
// config (spec.md §4.B, §6).
func DefaultConfig(model string, temperature float64, maxTokens int, systemPrompt, collection string) Config {
	return Config{
		Model:        model,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		SystemPrompt: systemPrompt,
		RAG: RAGConfig{
			CollectionName: collection,
			TopKSingle:     5,
			TopKMulti:      5,
		},
		Mode: "single",
	}
}
