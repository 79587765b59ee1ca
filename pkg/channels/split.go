package channels

import (
	"strings"
	"unicode/utf8"
)

const (
	// Discord rejects messages over 2000 characters. Chunks aim for
	// chunkLimit and may stretch to discordMaxLen to keep a code fence whole.
	chunkLimit    = 1500
	discordMaxLen = 2000
	fence         = "```"
)

// splitMessage breaks content into chunks of at most limit bytes, preferring
// line then word boundaries and avoiding cuts inside a fenced code block.
func splitMessage(content string, limit int) []string {
	var chunks []string
	content = strings.TrimSpace(content)
	for content != "" {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}

		cut := naturalBreak(content, limit)
		if open := strings.LastIndex(content[:cut], fence); open >= 0 && strings.Count(content[:cut], fence)%2 == 1 {
			cut = fenceSafeCut(content, cut, open)
		}

		if chunk := strings.TrimSpace(content[:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		content = strings.TrimSpace(content[cut:])
	}
	return chunks
}

// naturalBreak returns the last newline, else the last space, within limit,
// else the last rune boundary at or below limit.
func naturalBreak(s string, limit int) int {
	window := s[:limit]
	if i := strings.LastIndexByte(window, '\n'); i > limit/2 {
		return i
	}
	if i := strings.LastIndexAny(window, " \t"); i > limit/2 {
		return i
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

// fenceSafeCut extends cut past the closing fence when that still fits in a
// Discord message, otherwise pulls it back to just before the opening fence.
func fenceSafeCut(s string, cut, open int) int {
	if rel := strings.Index(s[cut:], fence); rel >= 0 {
		end := cut + rel + len(fence)
		if end <= discordMaxLen {
			return end
		}
	}
	if open > 0 {
		return open
	}
	return cut
}
