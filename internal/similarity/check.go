package similarity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"horse.fit/similarity/internal/bucket"
	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/fingerprint"
	"horse.fit/similarity/internal/scorer"
)

const (
	RenditionSmall    = "small"
	RenditionOriginal = "original"

	maxCheckInputs = 100
)

// CheckRequest asks for the stored items that look like each input. An
// input is either a media URL or local path, or a stored item referenced as
// "item:<id>" or a bare numeric id.
type CheckRequest struct {
	Inputs       []string `json:"inputs"`
	MinScore     float64  `json:"min_score,omitempty"`
	Rendition    string   `json:"rendition,omitempty"`
	Pattern      string   `json:"pattern,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	IncludeItems bool     `json:"include_items,omitempty"`
}

type CheckResult struct {
	Input   string         `json:"input"`
	Matches []scorer.Match `json:"matches"`
	Items   []db.Item      `json:"items,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Check scores every input against the stored corpus without writing
// anything. A failing input is reported in its own result; the returned
// error is reserved for invalid requests and cancellation.
func (s *Service) Check(ctx context.Context, req CheckRequest) ([]CheckResult, error) {
	req, err := s.normalizeCheck(req)
	if err != nil {
		return nil, err
	}
	if err := s.check.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.check.Release(1)

	results := make([]CheckResult, len(req.Inputs))
	var g errgroup.Group
	g.SetLimit(s.opts.HashConcurrency)
	for i, input := range req.Inputs {
		i, input := i, input
		g.Go(func() error {
			results[i] = s.checkOne(ctx, req, input)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (s *Service) normalizeCheck(req CheckRequest) (CheckRequest, error) {
	inputs := make([]string, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		if trimmed := strings.TrimSpace(in); trimmed != "" {
			inputs = append(inputs, trimmed)
		}
	}
	if len(inputs) == 0 {
		return req, fmt.Errorf("%w: at least one input is required", ErrInvalidInput)
	}
	if len(inputs) > maxCheckInputs {
		return req, fmt.Errorf("%w: at most %d inputs per check", ErrInvalidInput, maxCheckInputs)
	}
	req.Inputs = inputs

	if req.MinScore == 0 {
		req.MinScore = s.opts.MinScore
	}
	if req.MinScore < 0 || req.MinScore > 100 {
		return req, fmt.Errorf("%w: min_score must be between 0 and 100", ErrInvalidInput)
	}

	req.Rendition = strings.ToLower(strings.TrimSpace(req.Rendition))
	switch req.Rendition {
	case "":
		req.Rendition = RenditionSmall
	case RenditionSmall, RenditionOriginal:
	default:
		return req, fmt.Errorf("%w: rendition must be %q or %q", ErrInvalidInput, RenditionSmall, RenditionOriginal)
	}

	req.Pattern = strings.TrimSpace(req.Pattern)
	if req.Pattern == "" {
		req.Pattern = s.opts.Pattern
	}
	if _, err := bucket.Lookup(req.Pattern); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Limit < 0 {
		return req, fmt.Errorf("%w: limit must not be negative", ErrInvalidInput)
	}
	return req, nil
}

type queryHash struct {
	hash  fingerprint.Hash
	ratio float64
}

func (s *Service) checkOne(ctx context.Context, req CheckRequest, input string) CheckResult {
	res := CheckResult{Input: input, Matches: []scorer.Match{}}

	var (
		hashes  []queryHash
		exclude int64
		err     error
	)
	if itemID, ok := parseItemRef(input); ok {
		exclude = itemID
		hashes, err = s.itemHashes(ctx, itemID, req.Rendition)
	} else {
		var fp fingerprint.Fingerprint
		fp, err = s.hashLocation(ctx, input)
		hashes = []queryHash{{hash: fp.Hash, ratio: fp.Ratio}}
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}

	lists := make([][]scorer.Match, 0, len(hashes))
	for _, q := range hashes {
		matches, err := s.matchHash(ctx, q.hash, q.ratio, exclude, req.Pattern, req.MinScore)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		lists = append(lists, matches)
	}
	res.Matches = scorer.Limit(scorer.Merge(lists...), req.Limit)

	if req.IncludeItems && len(res.Matches) > 0 {
		ids := make([]int64, 0, len(res.Matches))
		for _, m := range res.Matches {
			ids = append(ids, m.ItemID)
		}
		items, err := s.items.LookupItems(ctx, ids)
		if err != nil {
			res.Error = fmt.Sprintf("lookup matched items: %v", err)
			return res
		}
		res.Items = items
	}
	return res
}

// itemHashes prefers the item's stored fingerprints and falls back to
// hashing its media when it has none yet.
func (s *Service) itemHashes(ctx context.Context, itemID int64, rendition string) ([]queryHash, error) {
	stored, err := s.fingerprints.ListItemFingerprints(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		selected := make([]queryHash, 0, len(stored))
		for _, fp := range stored {
			if wantsRendition(rendition, fp.Rendition) {
				selected = append(selected, queryHash{hash: fp.Hash, ratio: fp.Ratio})
			}
		}
		if len(selected) == 0 {
			for _, fp := range stored {
				selected = append(selected, queryHash{hash: fp.Hash, ratio: fp.Ratio})
			}
		}
		return selected, nil
	}

	items, err := s.items.LookupItems(ctx, []int64{itemID})
	if err != nil {
		return nil, fmt.Errorf("lookup item %d: %w", itemID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	renditions := orderRenditions(items[0].Renditions)
	if len(renditions) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoRenditions, itemID)
	}

	pick := renditions[0]
	for _, r := range renditions {
		if wantsRendition(rendition, r.Name) {
			pick = r
			break
		}
	}
	fp, err := s.hashLocation(ctx, pick.Location)
	if err != nil {
		return nil, err
	}
	return []queryHash{{hash: fp.Hash, ratio: fp.Ratio}}, nil
}

func wantsRendition(requested, name string) bool {
	if requested == RenditionOriginal {
		return name == RenditionOriginal
	}
	return name != RenditionOriginal
}

func parseItemRef(input string) (int64, bool) {
	ref := strings.TrimPrefix(input, "item:")
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
