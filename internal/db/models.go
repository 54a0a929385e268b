package db

import "time"

// Setting maps similarity_settings.
type Setting struct {
	SettingKey   string    `gorm:"column:setting_key;type:varchar(64);primaryKey"`
	SettingValue string    `gorm:"column:setting_value;type:text;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (Setting) TableName() string { return "similarity_settings" }

// MediaRendition maps media_renditions, the local registry of item media.
type MediaRendition struct {
	RenditionID int64     `gorm:"column:rendition_id;primaryKey;autoIncrement"`
	ItemID      int64     `gorm:"column:item_id;not null;uniqueIndex:ux_media_renditions_item_rendition,priority:1"`
	Rendition   string    `gorm:"column:rendition;type:varchar(32);not null;uniqueIndex:ux_media_renditions_item_rendition,priority:2"`
	Location    string    `gorm:"column:location;type:text;not null"`
	Width       *int      `gorm:"column:width"`
	Height      *int      `gorm:"column:height"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (MediaRendition) TableName() string { return "media_renditions" }

// Fingerprint maps the fixed columns of similarity_fingerprints. The
// per-chunk columns depend on the configured layout and are added by
// ensureChunkColumns.
type Fingerprint struct {
	FingerprintID int64     `gorm:"column:fingerprint_id;primaryKey;autoIncrement"`
	ItemID        int64     `gorm:"column:item_id;not null;index:idx_similarity_fingerprints_item_id"`
	Rendition     string    `gorm:"column:rendition;type:varchar(32);not null"`
	Canonical     bool      `gorm:"column:canonical;not null;default:false"`
	Ratio         float64   `gorm:"column:ratio;type:double precision;not null;index:idx_similarity_fingerprints_ratio"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

func (Fingerprint) TableName() string { return "similarity_fingerprints" }

// SimilarityPool maps similarity_pools. ElementCount is a cache of the
// number of links owned by the pool.
type SimilarityPool struct {
	PoolID       int64      `gorm:"column:pool_id;primaryKey;autoIncrement"`
	ItemID       int64      `gorm:"column:item_id;not null;uniqueIndex:ux_similarity_pools_item_id"`
	ElementCount int        `gorm:"column:element_count;not null;default:0"`
	CountedAt    *time.Time `gorm:"column:counted_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
}

func (SimilarityPool) TableName() string { return "similarity_pools" }

// SimilarityLink maps similarity_links. SiblingID points at the mirror link
// in the linked item's pool.
type SimilarityLink struct {
	LinkID       int64     `gorm:"column:link_id;primaryKey;autoIncrement"`
	PoolID       int64     `gorm:"column:pool_id;not null;index:idx_similarity_links_pool_id"`
	LinkedItemID int64     `gorm:"column:linked_item_id;not null;index:idx_similarity_links_linked_item_id"`
	Score        float64   `gorm:"column:score;type:double precision;not null"`
	SiblingID    *int64    `gorm:"column:sibling_id;index:idx_similarity_links_sibling_id"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (SimilarityLink) TableName() string { return "similarity_links" }

func autoMigrateModels() []any {
	return []any{
		&Setting{},
		&MediaRendition{},
		&Fingerprint{},
		&SimilarityPool{},
		&SimilarityLink{},
	}
}
