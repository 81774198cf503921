// Package hashing canonicalizes chat prompts into block-hash sequences and
// selects the best persisted snapshot to restore for a new prompt.
//
// The raw prefix strips roles and keeps only message content, so different
// chat framings over the same content share a cache. Blocks are fixed-size
// word runs; matching is longest-common-prefix over full SHA-256 block
// digests because KV caches are position-indexed; only prefix equality lets
// a backend reuse tensors verbatim.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`\w+`)

// RawPrefix joins the trimmed, non-empty content strings of messages with a
// blank line. Roles and any other message fields are intentionally ignored.
func RawPrefix(messages []interface{}) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		obj, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		var content string
		switch c := obj["content"].(type) {
		case nil:
			continue
		case string:
			content = strings.TrimSpace(c)
		default:
			content = strings.TrimSpace(fmt.Sprint(c))
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// Words lowercases text and returns its maximal runs of word characters.
func Words(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// BlockHashes groups the words of text into blocks of wpb and hashes each
// block (tokens joined by a single space) with SHA-256. The result is a
// deterministic pure function of (text, wpb); empty text yields nil.
func BlockHashes(text string, wpb int) []string {
	words := Words(text)
	if len(words) == 0 {
		return nil
	}
	hashes := make([]string, 0, (len(words)+wpb-1)/wpb)
	for i := 0; i < len(words); i += wpb {
		end := i + wpb
		if end > len(words) {
			end = len(words)
		}
		sum := sha256.Sum256([]byte(strings.Join(words[i:end], " ")))
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	return hashes
}

// PrefixKey derives the snapshot key for a raw prefix. The model id is part
// of the key so snapshots from different models never collide.
func PrefixKey(modelID, text string) string {
	sum := sha256.Sum256([]byte(modelID + "\n" + text))
	return hex.EncodeToString(sum[:])
}

// LCP returns the length of the longest common prefix of two block-hash
// sequences.
func LCP(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
