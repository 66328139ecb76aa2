package anthropic

// BuildCachedSystemBlocks constructs a system block with a cache breakpoint.
// The classification prompt is identical for every crop, so consecutive
// requests read it from the prompt cache. ttl may be empty for the API
// default of five minutes.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
