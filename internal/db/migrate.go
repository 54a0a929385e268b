package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"horse.fit/similarity/internal/fingerprint"
	"horse.fit/similarity/internal/globaltime"
)

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

const layoutSettingKey = "fingerprint_layout"

var ErrLayoutMismatch = errors.New("stored fingerprints use a different layout")

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	if err := p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}

	if err := p.checkLayout(ctx); err != nil {
		return err
	}

	if err := p.ensureChunkColumns(ctx); err != nil {
		return err
	}

	if err := executeMigrationSQL(ctx, p, "post-auto-migrate", postAutoMigrateSQL); err != nil {
		return err
	}

	return nil
}

func layoutSignature(layout fingerprint.Layout, algo fingerprint.Algorithm) string {
	return fmt.Sprintf("%s:%s", layout, algo)
}

// checkLayout records the layout on first start. A different layout is
// accepted only while the fingerprint table is empty, in which case the table
// is rebuilt with the new chunk columns.
func (p *Pool) checkLayout(ctx context.Context) error {
	want := layoutSignature(p.layout, p.algorithm)

	stored, err := p.GetSetting(ctx, layoutSettingKey)
	if err != nil && !IsNoRows(err) {
		return fmt.Errorf("read layout setting: %w", err)
	}
	if err == nil && stored == want {
		return nil
	}

	if err == nil {
		var count int64
		if scanErr := p.QueryRow(ctx, `SELECT COUNT(*) FROM similarity_fingerprints`).Scan(&count); scanErr != nil {
			return fmt.Errorf("count fingerprints: %w", scanErr)
		}
		if count > 0 {
			return fmt.Errorf("%w: stored %s, configured %s; rebuild fingerprints before changing the layout", ErrLayoutMismatch, stored, want)
		}

		migrator := p.gdb.WithContext(ctx).Migrator()
		if dropErr := migrator.DropTable(&Fingerprint{}); dropErr != nil {
			return fmt.Errorf("drop fingerprint table: %w", dropErr)
		}
		if migrateErr := migrator.AutoMigrate(&Fingerprint{}); migrateErr != nil {
			return fmt.Errorf("recreate fingerprint table: %w", migrateErr)
		}
	}

	return p.PutSetting(ctx, layoutSettingKey, want)
}

func (p *Pool) ensureChunkColumns(ctx context.Context) error {
	migrator := p.gdb.WithContext(ctx).Migrator()
	for i := 0; i < p.layout.NumChunks(); i++ {
		column := ChunkColumn(i)
		if !migrator.HasColumn(&Fingerprint{}, column) {
			stmt := fmt.Sprintf(
				"ALTER TABLE similarity_fingerprints ADD COLUMN %s CHAR(%d) NOT NULL DEFAULT ''",
				column, p.layout.CharsPerChunk,
			)
			if err := executeMigrationSQL(ctx, p, "add "+column, stmt); err != nil {
				return err
			}
		}
		index := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_similarity_fingerprints_%s ON similarity_fingerprints (%s)",
			column, column,
		)
		if err := executeMigrationSQL(ctx, p, "index "+column, index); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := p.QueryRow(ctx, `SELECT setting_value FROM similarity_settings WHERE setting_key = ?`, key).Scan(&value)
	return value, err
}

func (p *Pool) PutSetting(ctx context.Context, key, value string) error {
	_, err := p.Exec(ctx, `
INSERT INTO similarity_settings (setting_key, setting_value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (setting_key) DO UPDATE
SET setting_value = excluded.setting_value,
    updated_at = excluded.updated_at
`, key, value, globaltime.UTC())
	if err != nil {
		return fmt.Errorf("store setting %s: %w", key, err)
	}
	return nil
}

func executeMigrationSQL(ctx context.Context, p *Pool, label, sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return nil
	}
	if err := p.gdb.WithContext(ctx).Exec(trimmed).Error; err != nil {
		return fmt.Errorf("execute %s SQL: %w", label, err)
	}
	return nil
}
