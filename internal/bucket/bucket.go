// Package bucket builds the chunk-equality pre-filter used for candidate
// retrieval. A pattern selects groups of chunk positions; a stored
// fingerprint is a candidate when, for at least one group, every chunk in the
// group equals the query's chunk at the same position.
package bucket

import (
	"fmt"
	"slices"
	"strings"
)

const DefaultPattern = "cross2"

// Pattern generates position groups for a given chunk count.
type Pattern struct {
	Name    string
	Version int
	groups  func(numChunks int) [][]int
}

var patterns = map[string]Pattern{
	"cross2": {Name: "cross2", Version: 1, groups: cross2Groups},
	"pairs":  {Name: "pairs", Version: 1, groups: pairGroups},
	"exact":  {Name: "exact", Version: 1, groups: exactGroups},
}

// Names lists the registered patterns in a stable order.
func Names() []string {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func Lookup(name string) (Pattern, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultPattern
	}
	p, ok := patterns[key]
	if !ok {
		return Pattern{}, fmt.Errorf("unknown bucket pattern %q", name)
	}
	return p, nil
}

// Build precomputes the table for numChunks positions.
func (p Pattern) Build(numChunks int) (*Table, error) {
	if p.groups == nil {
		return nil, fmt.Errorf("bucket pattern is not initialized")
	}
	if numChunks < 1 {
		return nil, fmt.Errorf("bucket pattern %s needs at least one chunk, got %d", p.Name, numChunks)
	}

	raw := p.groups(numChunks)
	seen := make(map[string]struct{}, len(raw))
	groups := make([][]int, 0, len(raw))
	for _, group := range raw {
		normalized := slices.Clone(group)
		slices.Sort(normalized)
		normalized = slices.Compact(normalized)
		key := fmt.Sprint(normalized)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		groups = append(groups, normalized)
	}

	return &Table{
		Pattern:   p.Name,
		Version:   p.Version,
		NumChunks: numChunks,
		Groups:    groups,
	}, nil
}

// cross2Groups yields one triplet per position i:
// even i -> (i, i+3, i+4), odd i -> (i, i+1, i+4), all mod n.
func cross2Groups(n int) [][]int {
	out := make([][]int, 0, n)
	for i := 0; i < n; i++ {
		q, r := (i+3)%n, (i+4)%n
		if i%2 == 1 {
			q = (i + 1) % n
		}
		out = append(out, []int{i, q, r})
	}
	return out
}

func pairGroups(n int) [][]int {
	out := make([][]int, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, []int{i, (i + 1) % n})
	}
	return out
}

func exactGroups(n int) [][]int {
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return [][]int{all}
}
