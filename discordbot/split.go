package discordbot

// DefaultMessageLimit is the platform's hard cap on message length.
const DefaultMessageLimit = 2000

// BatchMessageLimit leaves headroom for the batch ID prefix on delivered
// batch results.
const BatchMessageLimit = 1900

// SplitMessage cuts text into ordered chunks of at most limit bytes.
// Concatenating the chunks in order reproduces the input exactly; nothing is
// trimmed or dropped at the cut points, so a text of n bytes always yields
// ceil(n/limit) chunks.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if text == "" {
		return nil
	}
	chunks := make([]string, 0, (len(text)+limit-1)/limit)
	for len(text) > limit {
		chunks = append(chunks, text[:limit])
		text = text[limit:]
	}
	return append(chunks, text)
}
