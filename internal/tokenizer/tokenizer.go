package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Tokenizer measures and cuts text in model tokens.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

var loaderOnce sync.Once

// Tiktoken adapts a tiktoken BPE encoding to Tokenizer.
type Tiktoken struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding from the embedded rank files.
func NewTiktoken(name string) (*Tiktoken, error) {
	if name == "" {
		name = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	encoding, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", name, err)
	}
	return &Tiktoken{encoding: encoding}, nil
}

// Encode returns the token ids for text. Special-token markers are encoded as
// plain text.
func (t *Tiktoken) Encode(text string) []int {
	return t.encoding.Encode(text, nil, nil)
}

// Decode joins the byte sequences of tokens back into a string.
func (t *Tiktoken) Decode(tokens []int) string {
	return t.encoding.Decode(tokens)
}

// Count returns len(Encode(text)).
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.Encode(text))
}

var _ Tokenizer = (*Tiktoken)(nil)
