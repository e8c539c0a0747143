package anthropic

// BuildCachedSystemBlocks returns the system prompt as a single block with a
// cache breakpoint. Dimension prompts are identical across leads until a new
// version is activated, so every call after the first reads from cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: ttl},
	}}
}
