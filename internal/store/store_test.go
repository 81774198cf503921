package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRequest(id string) *Request {
	return &Request{
		ID:         id,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Model:      "llama.cpp",
		CacheKey:   "abc123",
		NWords:     1200,
		Big:        true,
		Stream:     false,
		Restored:   true,
		RestoreKey: "def456",
		MatchRatio: 0.85,
		Saved:      true,
		BackendID:  0,
		SlotID:     1,
		Status:     200,
		LatencyMs:  4200,
		TokensEst:  1500,
	}
}

func TestInsertAndRecent(t *testing.T) {
	st := newTestStore(t)

	if err := st.InsertRequest(sampleRequest("r1")); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}

	rows, err := st.RecentRequests(10)
	if err != nil {
		t.Fatalf("RecentRequests: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(rows))
	}

	got := rows[0]
	if got.ID != "r1" || !got.Big || !got.Restored || !got.Saved {
		t.Errorf("row mismatch: %+v", got)
	}
	if got.MatchRatio != 0.85 || got.SlotID != 1 || got.LatencyMs != 4200 {
		t.Errorf("row fields: %+v", got)
	}
}

func TestInsert_ReplacesSameID(t *testing.T) {
	st := newTestStore(t)

	r := sampleRequest("r1")
	if err := st.InsertRequest(r); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	r.Status = 503
	if err := st.InsertRequest(r); err != nil {
		t.Fatalf("InsertRequest (replace): %v", err)
	}

	rows, err := st.RecentRequests(10)
	if err != nil {
		t.Fatalf("RecentRequests: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != 503 {
		t.Errorf("replace did not take: %+v", rows)
	}
}

func TestSummarize(t *testing.T) {
	st := newTestStore(t)

	big := sampleRequest("r1")
	small := sampleRequest("r2")
	small.Big = false
	small.Restored = false
	small.Saved = false
	noHit := sampleRequest("r3")
	noHit.Restored = false

	for _, r := range []*Request{big, small, noHit} {
		if err := st.InsertRequest(r); err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
	}

	sum, err := st.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Requests != 3 || sum.BigRequests != 2 || sum.Restored != 1 || sum.Saved != 2 {
		t.Errorf("summary: %+v", sum)
	}
	if sum.RestoreRate != 0.5 {
		t.Errorf("restore rate: got %g, want 0.5", sum.RestoreRate)
	}
}

func TestSummarize_EmptyLog(t *testing.T) {
	st := newTestStore(t)
	sum, err := st.Summarize()
	if err != nil {
		t.Fatalf("Summarize on empty log: %v", err)
	}
	if sum.Requests != 0 || sum.RestoreRate != 0 {
		t.Errorf("empty summary: %+v", sum)
	}
}
