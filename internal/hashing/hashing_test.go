package hashing

import (
	"strings"
	"testing"

	"github.com/neshat73/proxycache/internal/meta"
)

func msg(content string) interface{} {
	return map[string]interface{}{"role": "user", "content": content}
}

func wordsText(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = prefix + strings.Repeat("x", i%7)
	}
	return strings.Join(parts, " ")
}

func TestRawPrefix_StripsRolesAndEmptyContent(t *testing.T) {
	messages := []interface{}{
		msg("  You are a helpful assistant.  "),
		msg(""),
		map[string]interface{}{"role": "system"}, // no content field
		msg("What is the capital of France?"),
	}

	got := RawPrefix(messages)
	want := "You are a helpful assistant.\n\nWhat is the capital of France?"
	if got != want {
		t.Errorf("RawPrefix: got %q, want %q", got, want)
	}
}

func TestRawPrefix_EmptyMessages(t *testing.T) {
	if got := RawPrefix(nil); got != "" {
		t.Errorf("RawPrefix(nil): got %q, want empty", got)
	}
	if got := RawPrefix([]interface{}{msg("  ")}); got != "" {
		t.Errorf("RawPrefix(blank): got %q, want empty", got)
	}
}

func TestRawPrefix_SameContentDifferentFraming(t *testing.T) {
	a := []interface{}{msg("hello"), msg("world")}
	b := []interface{}{
		map[string]interface{}{"role": "system", "content": "hello"},
		map[string]interface{}{"role": "assistant", "content": "world"},
	}
	if RawPrefix(a) != RawPrefix(b) {
		t.Error("different roles over the same content should share a raw prefix")
	}
}

func TestWords_LowercasesAndSplits(t *testing.T) {
	got := Words("Hello, WORLD! foo_bar 42")
	want := []string{"hello", "world", "foo_bar", "42"}
	if len(got) != len(want) {
		t.Fatalf("Words: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Words[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBlockHashes_Deterministic(t *testing.T) {
	text := wordsText(950, "tok")
	a := BlockHashes(text, 100)
	b := BlockHashes(text, 100)

	if len(a) != 10 {
		t.Fatalf("expected 10 blocks for 950 words at wpb=100, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("block %d differs across runs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestBlockHashes_EmptyText(t *testing.T) {
	if got := BlockHashes("", 100); len(got) != 0 {
		t.Errorf("BlockHashes of empty text: got %d blocks, want 0", len(got))
	}
}

func TestBlockHashes_BlockSizeChangesHashes(t *testing.T) {
	text := wordsText(200, "tok")
	a := BlockHashes(text, 100)
	b := BlockHashes(text, 50)
	if len(a) != 2 || len(b) != 4 {
		t.Fatalf("unexpected block counts: %d and %d", len(a), len(b))
	}
	if a[0] == b[0] {
		t.Error("different wpb should produce different first-block hashes")
	}
}

func TestPrefixKey_DistinguishesModelAndText(t *testing.T) {
	if PrefixKey("m1", "text") != PrefixKey("m1", "text") {
		t.Error("same model and text must produce the same key")
	}
	if PrefixKey("m1", "text") == PrefixKey("m2", "text") {
		t.Error("different models must produce different keys")
	}
	if PrefixKey("m1", "a") == PrefixKey("m1", "b") {
		t.Error("different texts must produce different keys")
	}
	if len(PrefixKey("m", "t")) != 64 {
		t.Error("key must be a 64-char hex digest")
	}
}

func TestLCP(t *testing.T) {
	cases := []struct {
		a, b []string
		want int
	}{
		{nil, nil, 0},
		{[]string{"a"}, nil, 0},
		{[]string{"a", "b"}, []string{"a", "b"}, 2},
		{[]string{"a", "b", "c"}, []string{"a", "b", "x"}, 2},
		{[]string{"x"}, []string{"a"}, 0},
	}
	for _, c := range cases {
		if got := LCP(c.a, c.b); got != c.want {
			t.Errorf("LCP(%v, %v): got %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

// fakeScanner serves records in the given (newest-first) order.
type fakeScanner []meta.Record

func (f fakeScanner) ScanAll() []meta.Record { return f }

func TestFindBestRestoreCandidate_NoneBelowThreshold(t *testing.T) {
	req := BlockHashes(wordsText(500, "aa"), 100)
	other := BlockHashes(wordsText(500, "bb"), 100)

	scanner := fakeScanner{{Key: "k1", ModelID: "m", WPB: 100, Blocks: other}}
	if _, ok := FindBestRestoreCandidate(scanner, req, 100, 0.6, "m"); ok {
		t.Error("expected no candidate when nothing matches")
	}
}

func TestFindBestRestoreCandidate_ExactMatch(t *testing.T) {
	req := BlockHashes(wordsText(500, "aa"), 100)

	scanner := fakeScanner{{Key: "k1", ModelID: "m", WPB: 100, Blocks: req}}
	cand, ok := FindBestRestoreCandidate(scanner, req, 100, 0.6, "m")
	if !ok {
		t.Fatal("expected a candidate for an identical prompt")
	}
	if cand.Key != "k1" || cand.Ratio != 1.0 {
		t.Errorf("got key=%s ratio=%g, want k1 / 1.0", cand.Key, cand.Ratio)
	}
}

func TestFindBestRestoreCandidate_PartialPrefix(t *testing.T) {
	// Cached record: 20 blocks. Request: shares the first 15, then diverges.
	full := wordsText(2000, "aa")
	fullWords := strings.Fields(full)
	reqText := strings.Join(fullWords[:1500], " ") + " " + wordsText(500, "zz")

	cached := BlockHashes(full, 100)
	req := BlockHashes(reqText, 100)

	scanner := fakeScanner{{Key: "hot", ModelID: "m", WPB: 100, Blocks: cached}}
	cand, ok := FindBestRestoreCandidate(scanner, req, 100, 0.6, "m")
	if !ok {
		t.Fatal("expected a candidate at ratio 0.75")
	}
	if cand.Key != "hot" {
		t.Errorf("got key %s, want hot", cand.Key)
	}
	if cand.Ratio < 0.74 || cand.Ratio > 0.76 {
		t.Errorf("ratio: got %g, want 0.75", cand.Ratio)
	}
}

func TestFindBestRestoreCandidate_ModelScoped(t *testing.T) {
	req := BlockHashes(wordsText(500, "aa"), 100)
	scanner := fakeScanner{{Key: "k1", ModelID: "other-model", WPB: 100, Blocks: req}}
	if _, ok := FindBestRestoreCandidate(scanner, req, 100, 0.6, "m"); ok {
		t.Error("a record from a different model must never be a candidate")
	}
}

func TestFindBestRestoreCandidate_WPBMismatchExcluded(t *testing.T) {
	req := BlockHashes(wordsText(500, "aa"), 100)
	scanner := fakeScanner{{Key: "k1", ModelID: "m", WPB: 50, Blocks: req}}
	if _, ok := FindBestRestoreCandidate(scanner, req, 100, 0.6, "m"); ok {
		t.Error("a record with a different wpb must never be a candidate")
	}
}

func TestFindBestRestoreCandidate_NewestWinsOnTie(t *testing.T) {
	req := BlockHashes(wordsText(500, "aa"), 100)
	// Scan order is newest-first; both records score 1.0.
	scanner := fakeScanner{
		{Key: "newer", ModelID: "m", WPB: 100, Blocks: req},
		{Key: "older", ModelID: "m", WPB: 100, Blocks: req},
	}
	cand, ok := FindBestRestoreCandidate(scanner, req, 100, 0.6, "m")
	if !ok || cand.Key != "newer" {
		t.Errorf("tie must go to the newest record, got %+v ok=%v", cand, ok)
	}
}

func TestFindBestRestoreCandidate_ShortRequestNormalization(t *testing.T) {
	// A 2-block request that fully prefixes a 20-block record scores 1.0
	// (normalized by the shorter sequence), not 0.1.
	full := wordsText(2000, "aa")
	fullWords := strings.Fields(full)
	reqText := strings.Join(fullWords[:200], " ")

	cached := BlockHashes(full, 100)
	req := BlockHashes(reqText, 100)

	scanner := fakeScanner{{Key: "long", ModelID: "m", WPB: 100, Blocks: cached}}
	cand, ok := FindBestRestoreCandidate(scanner, req, 100, 0.6, "m")
	if !ok || cand.Ratio != 1.0 {
		t.Errorf("short full-prefix request: got %+v ok=%v, want ratio 1.0", cand, ok)
	}
}
