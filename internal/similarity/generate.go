package similarity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/fingerprint"
	"horse.fit/similarity/internal/scorer"
)

type Stage string

const (
	StageNoFingerprint Stage = "no_fingerprint"
	StageFingerprinted Stage = "fingerprinted"
	StageMatched       Stage = "matched"
)

type GenerateOptions struct {
	// Force regenerates items that already have fingerprints.
	Force bool
}

// ItemResult is the outcome of one item in a generation run. Err is set when
// the item stopped before reaching StageMatched.
type ItemResult struct {
	ItemID          int64             `json:"item_id"`
	Stage           Stage             `json:"stage"`
	Fingerprints    int               `json:"fingerprints"`
	Deduplicated    int               `json:"deduplicated,omitempty"`
	Candidates      int               `json:"candidates"`
	PairsCreated    int               `json:"pairs_created"`
	LinksRemoved    int               `json:"links_removed,omitempty"`
	Skipped         bool              `json:"skipped,omitempty"`
	RenditionErrors map[string]string `json:"rendition_errors,omitempty"`
	Err             error             `json:"-"`
	Error           string            `json:"error,omitempty"`
}

type DeleteResult struct {
	ItemID       int64 `json:"item_id"`
	LinksRemoved int   `json:"links_removed"`
	Fingerprints int64 `json:"fingerprints_removed"`
}

// Generate fingerprints and matches a single item. Items that already have
// fingerprints are skipped unless opts.Force is set.
func (s *Service) Generate(ctx context.Context, itemID int64, opts GenerateOptions) (ItemResult, error) {
	if itemID <= 0 {
		return ItemResult{}, fmt.Errorf("%w: item id must be positive", ErrInvalidInput)
	}
	if err := s.generate.Acquire(ctx, 1); err != nil {
		return ItemResult{}, err
	}
	defer s.generate.Release(1)

	if !opts.Force {
		known, err := s.fingerprints.FingerprintedItemIDs(ctx, []int64{itemID})
		if err != nil {
			return ItemResult{}, fmt.Errorf("check existing fingerprints: %w", err)
		}
		if known[itemID] {
			return ItemResult{ItemID: itemID, Stage: StageFingerprinted, Skipped: true}, nil
		}
	}

	res, err := s.process(ctx, itemID, opts.Force)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// Regenerate drops the item's fingerprints and links and builds them again.
func (s *Service) Regenerate(ctx context.Context, itemID int64) (ItemResult, error) {
	return s.Generate(ctx, itemID, GenerateOptions{Force: true})
}

// GenerateBatch processes ids in order. A failing item is recorded in its
// result and does not stop the batch; cancellation is only observed between
// items, in which case the results gathered so far are returned with the
// context error.
func (s *Service) GenerateBatch(ctx context.Context, ids []int64, opts GenerateOptions) ([]ItemResult, error) {
	ids = uniquePositive(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no item ids", ErrInvalidInput)
	}
	if err := s.generate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.generate.Release(1)

	var known map[int64]bool
	if !opts.Force {
		var err error
		known, err = s.fingerprints.FingerprintedItemIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("check existing fingerprints: %w", err)
		}
	}

	results := make([]ItemResult, 0, len(ids))
	failed, pairs := 0, 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			s.logger.Warn().Err(err).Int("done", len(results)).Int("total", len(ids)).Msg("generation batch interrupted")
			return results, err
		}
		if known[id] {
			results = append(results, ItemResult{ItemID: id, Stage: StageFingerprinted, Skipped: true})
			continue
		}

		res, err := s.process(ctx, id, opts.Force)
		if err != nil {
			failed++
			res.Err = err
			res.Error = err.Error()
			s.logger.Warn().Err(err).Int64("item_id", id).Str("stage", string(res.Stage)).Msg("item generation failed")
		}
		pairs += res.PairsCreated
		results = append(results, res)
	}

	s.logger.Info().
		Int("items", len(ids)).
		Int("failed", failed).
		Int("pairs_created", pairs).
		Bool("force", opts.Force).
		Msg("generation batch finished")
	return results, nil
}

// process walks one item through no_fingerprint, fingerprinted and matched.
// With regenerate set the item's links and fingerprints are removed first.
func (s *Service) process(ctx context.Context, itemID int64, regenerate bool) (ItemResult, error) {
	res := ItemResult{ItemID: itemID, Stage: StageNoFingerprint}

	items, err := s.items.LookupItems(ctx, []int64{itemID})
	if err != nil {
		return res, fmt.Errorf("lookup item %d: %w", itemID, err)
	}
	if len(items) == 0 {
		return res, fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	renditions := orderRenditions(items[0].Renditions)
	if len(renditions) == 0 {
		return res, fmt.Errorf("%w: %d", ErrNoRenditions, itemID)
	}

	if regenerate {
		removed, err := s.graph.DeleteItemLinks(ctx, itemID)
		if err != nil {
			return res, fmt.Errorf("delete links for item %d: %w", itemID, err)
		}
		res.LinksRemoved = len(removed.Deleted)
		if _, err := s.fingerprints.DeleteItemFingerprints(ctx, itemID); err != nil {
			return res, err
		}
	}

	computed, errs := s.hashRenditions(ctx, renditions)

	type kept struct {
		rendition string
		fp        fingerprint.Fingerprint
	}
	stored := make([]kept, 0, len(renditions))
	var failures []error
	for i, r := range renditions {
		if errs[i] != nil {
			if res.RenditionErrors == nil {
				res.RenditionErrors = make(map[string]string)
			}
			res.RenditionErrors[r.Name] = errs[i].Error()
			failures = append(failures, fmt.Errorf("rendition %s: %w", r.Name, errs[i]))
			s.logger.Warn().Err(errs[i]).Int64("item_id", itemID).Str("rendition", r.Name).Msg("rendition fingerprint failed")
			continue
		}

		fp := computed[i]
		duplicate := false
		for _, k := range stored {
			if score, ok := fingerprint.Score(fp.Hash, k.fp.Hash); ok && score >= s.opts.DedupScore {
				duplicate = true
				break
			}
		}
		if duplicate {
			res.Deduplicated++
			continue
		}

		chunks, err := s.opts.Layout.Encode(fp.Hash)
		if err != nil {
			return res, err
		}
		if _, err := s.fingerprints.InsertFingerprint(ctx, db.NewFingerprint{
			ItemID:    itemID,
			Rendition: r.Name,
			Canonical: len(stored) == 0,
			Ratio:     fp.Ratio,
			Chunks:    chunks,
		}); err != nil {
			return res, err
		}
		stored = append(stored, kept{rendition: r.Name, fp: fp})
	}

	if len(stored) == 0 {
		return res, fmt.Errorf("item %d: no rendition could be fingerprinted: %w", itemID, errors.Join(failures...))
	}
	res.Stage = StageFingerprinted
	res.Fingerprints = len(stored)

	lists := make([][]scorer.Match, 0, len(stored))
	for _, k := range stored {
		matches, err := s.matchHash(ctx, k.fp.Hash, k.fp.Ratio, itemID, s.opts.Pattern, s.opts.MinScore)
		if err != nil {
			return res, fmt.Errorf("match %s of item %d: %w", k.rendition, itemID, err)
		}
		lists = append(lists, matches)
	}
	merged := scorer.Merge(lists...)
	res.Candidates = len(merged)

	for _, m := range merged {
		pair, err := s.graph.CreatePair(ctx, itemID, m.ItemID, m.Score)
		if err != nil {
			return res, fmt.Errorf("pair item %d with %d: %w", itemID, m.ItemID, err)
		}
		if pair.Created {
			res.PairsCreated++
		}
	}
	res.Stage = StageMatched

	s.logger.Debug().
		Int64("item_id", itemID).
		Int("fingerprints", res.Fingerprints).
		Int("candidates", res.Candidates).
		Int("pairs_created", res.PairsCreated).
		Msg("item matched")
	return res, nil
}

// hashRenditions decodes and fingerprints every rendition concurrently. The
// returned slices are indexed like renditions.
func (s *Service) hashRenditions(ctx context.Context, renditions []db.Rendition) ([]fingerprint.Fingerprint, []error) {
	out := make([]fingerprint.Fingerprint, len(renditions))
	errs := make([]error, len(renditions))

	var g errgroup.Group
	g.SetLimit(s.opts.HashConcurrency)
	for i, r := range renditions {
		i, r := i, r
		g.Go(func() error {
			fp, err := s.hashLocation(ctx, r.Location)
			if err != nil {
				errs[i] = err
				return nil
			}
			out[i] = fp
			return nil
		})
	}
	_ = g.Wait()
	return out, errs
}

// DeleteItem removes an item from the graph and drops its fingerprints.
func (s *Service) DeleteItem(ctx context.Context, itemID int64) (DeleteResult, error) {
	if itemID <= 0 {
		return DeleteResult{}, fmt.Errorf("%w: item id must be positive", ErrInvalidInput)
	}
	if err := s.generate.Acquire(ctx, 1); err != nil {
		return DeleteResult{}, err
	}
	defer s.generate.Release(1)

	removed, err := s.graph.RemoveItem(ctx, itemID)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("remove item %d from graph: %w", itemID, err)
	}
	count, err := s.fingerprints.DeleteItemFingerprints(ctx, itemID)
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{ItemID: itemID, LinksRemoved: len(removed.Deleted), Fingerprints: count}, nil
}

// Prune deletes every pair scoring below belowScore.
func (s *Service) Prune(ctx context.Context, belowScore float64) (int, error) {
	if belowScore <= 0 || belowScore > 100 {
		return 0, fmt.Errorf("%w: score threshold must be in (0, 100], got %v", ErrInvalidInput, belowScore)
	}
	if err := s.generate.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.generate.Release(1)

	deleted, err := s.graph.PruneBelow(ctx, belowScore)
	if err != nil {
		return deleted, err
	}
	s.logger.Info().Float64("below", belowScore).Int("links_deleted", deleted).Msg("weak pairs pruned")
	return deleted, nil
}
