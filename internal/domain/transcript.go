package domain

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// MinChunkTranscriptChars is the shortest text accepted for a single chunk.
	MinChunkTranscriptChars   = 3
	// DefaultMinTranscriptChars is the shortest reassembled transcript accepted for analysis.
	DefaultMinTranscriptChars = 50

	minRepeatTokens    = 3
	dominantTokenFloor = 20
	dominantTokenRatio = 0.9
)

// ValidateChunkTranscript rejects provider output that is suspiciously short or
// made of one token repeated, which is what silence or noise tends to produce.
func ValidateChunkTranscript(text string) error {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < MinChunkTranscriptChars {
		return fmt.Errorf("%w: %d characters", ErrTranscriptTooShort, len([]rune(trimmed)))
	}
	if token, ok := repeatedToken(trimmed); ok {
		return fmt.Errorf("%w: repeated %q", ErrDegenerateTranscript, token)
	}
	return nil
}

// ValidateTranscript checks a fully reassembled transcript.
func ValidateTranscript(text string, minChars int) error {
	if minChars <= 0 {
		minChars = DefaultMinTranscriptChars
	}
	if n := len([]rune(strings.TrimSpace(text))); n < minChars {
		return fmt.Errorf("%w: %d characters, need %d", ErrTranscriptTooShort, n, minChars)
	}
	return nil
}

func repeatedToken(text string) (string, bool) {
	tokens := normalizedTokens(text)
	if len(tokens) < minRepeatTokens {
		return "", false
	}

	counts := make(map[string]int, len(tokens))
	top, topCount := "", 0
	for _, t := range tokens {
		counts[t]++
		if counts[t] > topCount {
			top, topCount = t, counts[t]
		}
	}
	if len(counts) == 1 {
		return top, true
	}
	if len(tokens) >= dominantTokenFloor && float64(topCount)/float64(len(tokens)) >= dominantTokenRatio {
		return top, true
	}
	return "", false
}

func normalizedTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// JoinTranscripts concatenates chunk texts in order with a single space.
func JoinTranscripts(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
