package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"horse.fit/similarity/internal/globaltime"
)

type Rendition struct {
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Width     *int      `json:"width,omitempty"`
	Height    *int      `json:"height,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Item struct {
	ItemID     int64       `json:"item_id"`
	Renditions []Rendition `json:"renditions"`
}

type RenditionInput struct {
	ItemID   int64
	Name     string
	Location string
	Width    *int
	Height   *int
}

// RegisterRendition upserts the location of one rendition of an item.
func (p *Pool) RegisterRendition(ctx context.Context, in RenditionInput) error {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	location := strings.TrimSpace(in.Location)
	if in.ItemID <= 0 {
		return fmt.Errorf("item id must be positive, got %d", in.ItemID)
	}
	if name == "" || location == "" {
		return fmt.Errorf("rendition name and location are required")
	}

	now := globaltime.UTC()
	_, err := p.Exec(ctx, `
INSERT INTO media_renditions (item_id, rendition, location, width, height, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (item_id, rendition) DO UPDATE
SET location = excluded.location,
    width = excluded.width,
    height = excluded.height,
    updated_at = excluded.updated_at
`, in.ItemID, name, location, in.Width, in.Height, now, now)
	if err != nil {
		return fmt.Errorf("register rendition %s for item %d: %w", name, in.ItemID, err)
	}
	return nil
}

// LookupItems returns the known items among ids, in ascending id order.
// Unknown ids are omitted.
func (p *Pool) LookupItems(ctx context.Context, ids []int64) ([]Item, error) {
	byID := make(map[int64]*Item)
	order := make([]int64, 0, len(ids))
	for _, batch := range batchIDs(uniqueIDs(ids), maxIDsPerStatement) {
		rows, err := p.Query(ctx, `
SELECT item_id, rendition, location, width, height, updated_at
FROM media_renditions
WHERE item_id IN ?
ORDER BY item_id, rendition
`, batch)
		if err != nil {
			return nil, fmt.Errorf("lookup items: %w", err)
		}
		for rows.Next() {
			var itemID int64
			var r Rendition
			if err := rows.Scan(&itemID, &r.Name, &r.Location, &r.Width, &r.Height, &r.UpdatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan rendition: %w", err)
			}
			item, ok := byID[itemID]
			if !ok {
				item = &Item{ItemID: itemID}
				byID[itemID] = item
				order = append(order, itemID)
			}
			item.Renditions = append(item.Renditions, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate renditions: %w", err)
		}
	}

	out := make([]Item, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (p *Pool) DeleteItemRenditions(ctx context.Context, itemID int64) (int64, error) {
	tag, err := p.Exec(ctx, `DELETE FROM media_renditions WHERE item_id = ?`, itemID)
	if err != nil {
		return 0, fmt.Errorf("delete renditions for item %d: %w", itemID, err)
	}
	return tag.RowsAffected(), nil
}
