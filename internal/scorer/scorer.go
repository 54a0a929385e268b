// Package scorer ranks bucket-filtered candidates by exact Hamming similarity.
package scorer

import (
	"cmp"
	"slices"

	"horse.fit/similarity/internal/fingerprint"
)

const DefaultMinScore = 90.0

// Candidate is a stored fingerprint returned by the pre-filter.
type Candidate struct {
	FingerprintID int64
	ItemID        int64
	Rendition     string
	Hash          fingerprint.Hash
}

type Match struct {
	ItemID        int64   `json:"item_id"`
	FingerprintID int64   `json:"fingerprint_id"`
	Rendition     string  `json:"rendition,omitempty"`
	Score         float64 `json:"score"`
	Distance      int     `json:"distance"`
}

// Score keeps candidates scoring at least minScore against query, best first.
// Candidates whose hash width differs from the query are dropped.
func Score(query fingerprint.Hash, candidates []Candidate, minScore float64) []Match {
	out := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		d, ok := fingerprint.Distance(query, c.Hash)
		if !ok {
			continue
		}
		s := fingerprint.ScoreFromDistance(d, query.Len())
		if s < minScore {
			continue
		}
		out = append(out, Match{
			ItemID:        c.ItemID,
			FingerprintID: c.FingerprintID,
			Rendition:     c.Rendition,
			Score:         s,
			Distance:      d,
		})
	}
	sortMatches(out)
	return out
}

// DedupeByItem keeps the first match per item. Input must already be sorted.
func DedupeByItem(matches []Match) []Match {
	seen := make(map[int64]struct{}, len(matches))
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.ItemID]; ok {
			continue
		}
		seen[m.ItemID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Merge unions match lists from several query fingerprints and collapses
// them to the best match per item.
func Merge(lists ...[]Match) []Match {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	all := make([]Match, 0, total)
	for _, l := range lists {
		all = append(all, l...)
	}
	sortMatches(all)
	return DedupeByItem(all)
}

func Limit(matches []Match, n int) []Match {
	if n <= 0 || len(matches) <= n {
		return matches
	}
	return matches[:n]
}

func sortMatches(matches []Match) {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ItemID, b.ItemID); c != 0 {
			return c
		}
		return cmp.Compare(a.FingerprintID, b.FingerprintID)
	})
}
