package bucket

import (
	"fmt"
	"strings"
)

// Table is a built pattern: a fixed list of position groups.
type Table struct {
	Pattern   string
	Version   int
	NumChunks int
	Groups    [][]int
}

// Key identifies the table for caching compiled clauses.
func (t *Table) Key() string {
	return fmt.Sprintf("%s@%d/%d", t.Pattern, t.Version, t.NumChunks)
}

// Clause renders the OR-of-ANDs filter with one "?" placeholder per chunk
// position, in group order. column maps a chunk index to its column name.
func (t *Table) Clause(column func(int) string) string {
	var b strings.Builder
	b.WriteString("(")
	for gi, group := range t.Groups {
		if gi > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for pi, pos := range group {
			if pi > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(column(pos))
			b.WriteString(" = ?")
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}

// Args lists the query chunks in the order Clause consumes them.
func (t *Table) Args(chunks []string) ([]any, error) {
	if len(chunks) != t.NumChunks {
		return nil, fmt.Errorf("bucket table %s expects %d chunks, got %d", t.Key(), t.NumChunks, len(chunks))
	}
	args := make([]any, 0, t.ArgCount())
	for _, group := range t.Groups {
		for _, pos := range group {
			args = append(args, chunks[pos])
		}
	}
	return args, nil
}

func (t *Table) ArgCount() int {
	n := 0
	for _, group := range t.Groups {
		n += len(group)
	}
	return n
}

// Matches evaluates the filter in memory. It mirrors Clause exactly.
func (t *Table) Matches(query, stored []string) bool {
	if len(query) != t.NumChunks || len(stored) != t.NumChunks {
		return false
	}
	for _, group := range t.Groups {
		ok := true
		for _, pos := range group {
			if query[pos] != stored[pos] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
