// Package similarity generates fingerprints for items, matches them against
// the stored corpus and records the matches as symmetric pairs.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"horse.fit/similarity/internal/bucket"
	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/fingerprint"
	"horse.fit/similarity/internal/media"
	"horse.fit/similarity/internal/scorer"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrItemNotFound = errors.New("item not found")
	ErrNoRenditions = errors.New("item has no renditions")
)

// FingerprintStore is the fingerprint half of *db.Pool.
type FingerprintStore interface {
	InsertFingerprint(ctx context.Context, fp db.NewFingerprint) (int64, error)
	ListItemFingerprints(ctx context.Context, itemID int64) ([]db.StoredFingerprint, error)
	DeleteItemFingerprints(ctx context.Context, itemID int64) (int64, error)
	FingerprintedItemIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
	CandidateFingerprints(ctx context.Context, cq db.CandidateQuery) ([]db.StoredFingerprint, error)
}

// Graph is the paired-link API of *graph.Store.
type Graph interface {
	CreatePair(ctx context.Context, a, b int64, score float64) (db.PairResult, error)
	DeleteItemLinks(ctx context.Context, itemID int64) (db.BatchDeleteResult, error)
	RemoveItem(ctx context.Context, itemID int64) (db.BatchDeleteResult, error)
	PruneBelow(ctx context.Context, minScore float64) (int, error)
}

type ItemSource interface {
	LookupItems(ctx context.Context, ids []int64) ([]db.Item, error)
}

type MediaSource interface {
	FetchOrCache(ctx context.Context, rawURL string) (string, error)
}

type Deps struct {
	Fingerprints FingerprintStore
	Graph        Graph
	Items        ItemSource
	Media        MediaSource
	Logger       zerolog.Logger

	// Decode defaults to media.DecodeFile.
	Decode func(path string) (image.Image, string, error)
}

type Options struct {
	Layout                fingerprint.Layout
	Algorithm             fingerprint.Algorithm
	MinScore              float64
	DedupScore            float64
	RatioTolerance        float64
	Pattern               string
	GenerationConcurrency int
	CheckConcurrency      int
	// HashConcurrency bounds how many renditions of one item are decoded
	// and hashed at once.
	HashConcurrency int
}

const (
	defaultRatioTolerance  = 0.01
	defaultHashConcurrency = 4
)

// Service runs generation and checks. Generation and checks are each gated
// by their own semaphore so overlapping batches queue instead of racing on
// pool creation.
type Service struct {
	fingerprints FingerprintStore
	graph        Graph
	items        ItemSource
	media        MediaSource
	decode       func(path string) (image.Image, string, error)
	logger       zerolog.Logger

	opts     Options
	generate *semaphore.Weighted
	check    *semaphore.Weighted
}

func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Fingerprints == nil || deps.Graph == nil || deps.Items == nil || deps.Media == nil {
		return nil, fmt.Errorf("similarity service requires fingerprint store, graph, item source and media source")
	}

	if opts.Layout == (fingerprint.Layout{}) {
		opts.Layout = fingerprint.DefaultLayout
	}
	if opts.Algorithm == "" {
		opts.Algorithm = fingerprint.AlgorithmWavelet
	}
	if err := opts.Layout.ValidateFor(opts.Algorithm); err != nil {
		return nil, err
	}
	if opts.MinScore <= 0 {
		opts.MinScore = scorer.DefaultMinScore
	}
	if opts.DedupScore <= 0 {
		opts.DedupScore = scorer.DefaultMinScore
	}
	if opts.RatioTolerance <= 0 {
		opts.RatioTolerance = defaultRatioTolerance
	}
	if strings.TrimSpace(opts.Pattern) == "" {
		opts.Pattern = bucket.DefaultPattern
	}
	if _, err := bucket.Lookup(opts.Pattern); err != nil {
		return nil, err
	}
	if opts.GenerationConcurrency <= 0 {
		opts.GenerationConcurrency = 1
	}
	if opts.CheckConcurrency <= 0 {
		opts.CheckConcurrency = 1
	}
	if opts.HashConcurrency <= 0 {
		opts.HashConcurrency = defaultHashConcurrency
	}

	decode := deps.Decode
	if decode == nil {
		decode = media.DecodeFile
	}

	return &Service{
		fingerprints: deps.Fingerprints,
		graph:        deps.Graph,
		items:        deps.Items,
		media:        deps.Media,
		decode:       decode,
		logger:       deps.Logger.With().Str("component", "similarity").Logger(),
		opts:         opts,
		generate:     semaphore.NewWeighted(int64(opts.GenerationConcurrency)),
		check:        semaphore.NewWeighted(int64(opts.CheckConcurrency)),
	}, nil
}

func (s *Service) Options() Options {
	return s.opts
}

// hashLocation resolves a media location and fingerprints it.
func (s *Service) hashLocation(ctx context.Context, location string) (fingerprint.Fingerprint, error) {
	path, err := s.media.FetchOrCache(ctx, location)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	img, _, err := s.decode(path)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	fp, err := s.opts.Layout.Compute(img, s.opts.Algorithm)
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("fingerprint %s: %w", location, err)
	}
	return fp, nil
}

// matchHash runs the pre-filter for one hash and scores the survivors.
func (s *Service) matchHash(ctx context.Context, hash fingerprint.Hash, ratio float64, excludeItemID int64, pattern string, minScore float64) ([]scorer.Match, error) {
	chunks, err := s.opts.Layout.Encode(hash)
	if err != nil {
		return nil, err
	}
	rows, err := s.fingerprints.CandidateFingerprints(ctx, db.CandidateQuery{
		Chunks:        chunks,
		Ratio:         ratio,
		Tolerance:     s.opts.RatioTolerance,
		ExcludeItemID: excludeItemID,
		Pattern:       pattern,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]scorer.Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, scorer.Candidate{
			FingerprintID: row.FingerprintID,
			ItemID:        row.ItemID,
			Rendition:     row.Rendition,
			Hash:          row.Hash,
		})
	}
	return scorer.DedupeByItem(scorer.Score(hash, candidates, minScore)), nil
}

var renditionRank = map[string]int{
	"preview":  0,
	"sample":   1,
	"original": 2,
}

// orderRenditions sorts preview, sample and original first, then any other
// rendition name alphabetically.
func orderRenditions(renditions []db.Rendition) []db.Rendition {
	out := slices.Clone(renditions)
	slices.SortStableFunc(out, func(a, b db.Rendition) int {
		ra, oka := renditionRank[a.Name]
		rb, okb := renditionRank[b.Name]
		switch {
		case oka && okb:
			return ra - rb
		case oka:
			return -1
		case okb:
			return 1
		default:
			return strings.Compare(a.Name, b.Name)
		}
	})
	return out
}

func uniquePositive(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
