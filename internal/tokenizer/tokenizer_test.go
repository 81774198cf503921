package tokenizer

import "testing"

func TestCount_NonEmpty(t *testing.T) {
	tok := New()
	n := tok.Count("The quick brown fox jumps over the lazy dog.")
	if n <= 0 {
		t.Errorf("Count: got %d, want > 0", n)
	}
}

func TestCount_GrowsWithText(t *testing.T) {
	tok := New()
	short := tok.Count("hello world")
	long := tok.Count("hello world hello world hello world hello world hello world hello world")
	if long <= short {
		t.Errorf("longer text should count more tokens: %d vs %d", short, long)
	}
}

func TestCount_EmptyText(t *testing.T) {
	tok := New()
	if n := tok.Count(""); n != 0 {
		t.Errorf("Count of empty text: got %d, want 0", n)
	}
}
