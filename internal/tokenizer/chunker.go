package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxTokens is the per-chunk token budget used when none is configured.
const DefaultMaxTokens = 300

// Assembler packs sentences into chunks of at most limit tokens.
type Assembler struct {
	tok   Tokenizer
	limit int
}

// NewAssembler constructs an assembler for the provided token limit.
func NewAssembler(tok Tokenizer, limit int) (*Assembler, error) {
	if tok == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &Assembler{tok: tok, limit: limit}, nil
}

// Split breaks text into sentences and greedily packs them into chunks.
// Sentences larger than the limit are cut on token boundaries, possibly
// mid-word. Empty input yields no chunks.
func (a *Assembler) Split(text string) []string {
	return a.Pack(SplitSentences(text))
}

// Pack assembles already split sentences into trimmed, non-empty chunks.
func (a *Assembler) Pack(sentences []string) []string {
	var (
		chunks  []string
		current strings.Builder
		tokens  int
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		tokens = 0
	}

	for _, sentence := range sentences {
		count := a.tok.Count(sentence)
		if count > a.limit {
			flush()
			for _, part := range a.SplitTokens(sentence) {
				if part = strings.TrimSpace(part); part != "" {
					chunks = append(chunks, part)
				}
			}
			continue
		}
		if current.Len() > 0 {
			// The joining space is measured with the sentence it precedes.
			joined := a.tok.Count(" " + sentence)
			if tokens+joined <= a.limit {
				current.WriteByte(' ')
				current.WriteString(sentence)
				tokens += joined
				continue
			}
			flush()
		}
		current.WriteString(sentence)
		tokens = count
	}
	flush()

	return chunks
}

// SplitTokens cuts text into consecutive windows of at most limit tokens.
// Concatenating the windows reproduces text exactly.
func (a *Assembler) SplitTokens(text string) []string {
	tokens := a.tok.Encode(text)
	if len(tokens) == 0 || len(tokens) <= a.limit {
		return []string{text}
	}

	chunks := make([]string, 0, len(tokens)/a.limit+1)
	for start := 0; start < len(tokens); {
		end := a.windowEnd(tokens, start)
		chunks = append(chunks, a.tok.Decode(tokens[start:end]))
		start = end
	}
	return chunks
}

// windowEnd returns the end of the window beginning at start. The window is
// shortened until its text, as emitted after trimming, is valid UTF-8 and
// re-tokenizes within the limit. When no prefix qualifies, the shortest
// valid UTF-8 prefix is used, or the full window if there is none.
func (a *Assembler) windowEnd(tokens []int, start int) int {
	end := min(start+a.limit, len(tokens))
	fallback := end
	for cand := end; cand > start; cand-- {
		text := a.tok.Decode(tokens[start:cand])
		if !utf8.ValidString(text) {
			continue
		}
		if a.tok.Count(strings.TrimSpace(text)) <= a.limit {
			return cand
		}
		fallback = cand
	}
	return fallback
}

// Limit returns the chunk size limit in tokens.
func (a *Assembler) Limit() int {
	if a == nil {
		return 0
	}
	return a.limit
}

// Tokenizer returns the tokenizer used for measuring.
func (a *Assembler) Tokenizer() Tokenizer {
	return a.tok
}

// Stats summarises how text would be chunked.
type Stats struct {
	Sentences int
	Tokens    int
	Chunks    []ChunkStat
}

// ChunkStat describes one chunk of a dry run.
type ChunkStat struct {
	Text   string
	Tokens int
}

// Stats runs the splitter and reports sentence, token and chunk counts
// without producing any side effect.
func (a *Assembler) Stats(text string) Stats {
	sentences := SplitSentences(text)
	stats := Stats{Tokens: a.tok.Count(strings.TrimSpace(text))}
	for _, s := range sentences {
		if s != "" {
			stats.Sentences++
		}
	}
	for _, chunk := range a.Pack(sentences) {
		stats.Chunks = append(stats.Chunks, ChunkStat{Text: chunk, Tokens: a.tok.Count(chunk)})
	}
	return stats
}
