package store

import (
	"fmt"
)

// Request is one row of the request log.
type Request struct {
	ID         string
	Timestamp  string // RFC3339 UTC
	Model      string
	CacheKey   string
	NWords     int
	Big        bool
	Stream     bool
	Restored   bool
	RestoreKey string
	MatchRatio float64
	Saved      bool
	BackendID  int
	SlotID     int
	Status     int
	LatencyMs  int64
	TokensEst  int
}

// InsertRequest persists one request record.
func (s *Store) InsertRequest(r *Request) error {
	_, err := s.writer.Exec(`
INSERT OR REPLACE INTO requests
    (id, timestamp, model, cache_key, n_words, big, stream, restored,
     restore_key, match_ratio, saved, backend_id, slot_id, status,
     latency_ms, tokens_est)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Model, r.CacheKey, r.NWords,
		boolToInt(r.Big), boolToInt(r.Stream), boolToInt(r.Restored),
		r.RestoreKey, r.MatchRatio, boolToInt(r.Saved),
		r.BackendID, r.SlotID, r.Status, r.LatencyMs, r.TokensEst,
	)
	if err != nil {
		return fmt.Errorf("store: insert request %s: %w", r.ID, err)
	}
	return nil
}

// Summary aggregates the request log for /stats.
type Summary struct {
	Requests     int64   `json:"requests"`
	BigRequests  int64   `json:"big_requests"`
	Restored     int64   `json:"restored"`
	Saved        int64   `json:"saved"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	RestoreRate  float64 `json:"restore_rate"`
}

// Summarize computes aggregate statistics over the whole request log.
func (s *Store) Summarize() (*Summary, error) {
	row := s.reader.QueryRow(`
SELECT COUNT(*),
       COALESCE(SUM(big), 0),
       COALESCE(SUM(restored), 0),
       COALESCE(SUM(saved), 0),
       COALESCE(AVG(latency_ms), 0)
FROM requests`)

	var sum Summary
	if err := row.Scan(&sum.Requests, &sum.BigRequests, &sum.Restored, &sum.Saved, &sum.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("store: summarize: %w", err)
	}

	if sum.BigRequests > 0 {
		sum.RestoreRate = float64(sum.Restored) / float64(sum.BigRequests)
	}
	return &sum, nil
}

// RecentRequests returns up to limit rows ordered newest-first.
func (s *Store) RecentRequests(limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader.Query(`
SELECT id, timestamp, model, cache_key, n_words, big, stream, restored,
       restore_key, match_ratio, saved, backend_id, slot_id, status,
       latency_ms, tokens_est
FROM requests ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		var big, stream, restored, saved int
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Model, &r.CacheKey, &r.NWords,
			&big, &stream, &restored, &r.RestoreKey, &r.MatchRatio, &saved,
			&r.BackendID, &r.SlotID, &r.Status, &r.LatencyMs, &r.TokensEst); err != nil {
			return nil, fmt.Errorf("store: scanning request row: %w", err)
		}
		r.Big = big != 0
		r.Stream = stream != 0
		r.Restored = restored != 0
		r.Saved = saved != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
