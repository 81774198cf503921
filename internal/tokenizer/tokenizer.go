// Package tokenizer estimates prompt token counts for the request log.
// The cache's block hashing deliberately does not use it: block identity
// must stay a pure function of the text, not of a BPE vocabulary.
package tokenizer

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens using the cl100k_base encoding. The encoding is
// initialized once; if it cannot be loaded the estimate falls back to a
// chars/4 heuristic.
type Tokenizer struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// New creates a new Tokenizer instance.
func New() *Tokenizer {
	return &Tokenizer{}
}

func (t *Tokenizer) encoder() *tiktoken.Tiktoken {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding("cl100k_base")
	})
	if t.err != nil {
		return nil
	}
	return t.enc
}

// Count returns the number of tokens in text, or a chars/4 estimate when the
// encoding is unavailable.
func (t *Tokenizer) Count(text string) int {
	if enc := t.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
