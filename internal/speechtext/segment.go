package speechtext

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxRunes caps a chunk that never reaches a sentence boundary.
const DefaultMaxRunes = 80

// Segmenter accumulates streamed tokens and releases sentence-safe chunks.
//
// Full-width terminators (。！？；) and newlines always end a chunk. ASCII
// terminators (.!?;) end one only when followed by whitespace, so decimals
// and abbreviations survive. A chunk longer than the rune limit is cut at the
// last comma-like pause, or hard at the limit when there is none.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	maxRunes int
	pending  string
}

// NewSegmenter returns a Segmenter. maxRunes <= 0 selects [DefaultMaxRunes].
func NewSegmenter(maxRunes int) *Segmenter {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return &Segmenter{maxRunes: maxRunes}
}

// Push appends token and returns the chunks it completed, in order.
func (s *Segmenter) Push(token string) []string {
	s.pending += token
	var out []string
	for {
		i := sentenceEnd(s.pending)
		if i < 0 {
			break
		}
		out = appendChunk(out, s.pending[:i])
		s.pending = s.pending[i:]
	}
	for utf8.RuneCountInString(s.pending) > s.maxRunes {
		i := softCut(s.pending, s.maxRunes)
		out = appendChunk(out, s.pending[:i])
		s.pending = s.pending[i:]
	}
	return out
}

// Flush returns whatever is buffered and resets the Segmenter.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.pending)
	s.pending = ""
	return rest
}

// Pending reports whether text is buffered.
func (s *Segmenter) Pending() bool { return strings.TrimSpace(s.pending) != "" }

func appendChunk(out []string, chunk string) []string {
	if c := strings.TrimSpace(chunk); c != "" {
		out = append(out, c)
	}
	return out
}

// sentenceEnd returns the byte offset just past the first sentence boundary
// in s, or -1.
func sentenceEnd(s string) int {
	for i, r := range s {
		switch r {
		case '。', '！', '？', '；', '\n':
			return i + utf8.RuneLen(r)
		case '.', '!', '?', ';':
			if i+1 < len(s) {
				next, _ := utf8.DecodeRuneInString(s[i+1:])
				if unicode.IsSpace(next) {
					return i + 1
				}
			}
		}
	}
	return -1
}

// softCut returns the byte offset at which to split an over-long s holding
// more than maxRunes runes.
func softCut(s string, maxRunes int) int {
	limit, n := len(s), 0
	for i := range s {
		if n == maxRunes {
			limit = i
			break
		}
		n++
	}
	prefix := s[:limit]
	best := -1
	for i, r := range prefix {
		switch r {
		case '，', '、', '：', ',', ':', ' ', '　':
			best = i + utf8.RuneLen(r)
		}
	}
	if best > 0 {
		return best
	}
	return limit
}
