package hashing

import (
	"github.com/neshat73/proxycache/internal/meta"
)

// Candidate is a restore proposal: the snapshot key of the best-matching
// record and the LCP ratio that selected it.
type Candidate struct {
	Key   string
	Ratio float64
}

// RecordScanner enumerates metadata records newest-first.
type RecordScanner interface {
	ScanAll() []meta.Record
}

// FindBestRestoreCandidate scans store for the record of the same model and
// block size whose block sequence shares the longest common prefix with
// reqBlocks. The score is lcp / max(1, min(len(req), len(cand))):
// normalizing by the shorter sequence keeps a short request from scoring
// artificially high against a long cached prefix. Only scores at or above
// threshold qualify; among equal scores the newest record wins because the
// scan is newest-first and only a strictly greater score replaces the best.
func FindBestRestoreCandidate(store RecordScanner, reqBlocks []string, wpb int, threshold float64, modelID string) (Candidate, bool) {
	var best Candidate

	for _, rec := range store.ScanAll() {
		if rec.ModelID != modelID || rec.WPB != wpb {
			continue
		}

		denom := len(reqBlocks)
		if len(rec.Blocks) < denom {
			denom = len(rec.Blocks)
		}
		if denom < 1 {
			denom = 1
		}
		ratio := float64(LCP(reqBlocks, rec.Blocks)) / float64(denom)

		if ratio >= threshold && ratio > best.Ratio {
			best = Candidate{Key: rec.Key, Ratio: ratio}
		}
	}

	return best, best.Key != ""
}
