package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/hdaklue/marg-flows-sub003/internal/models"
)

// AssetRepository persists MediaAsset records in postgres. The pipeline
// writes each asset exactly once on success; readers are the status and
// serve/delete endpoints.
type AssetRepository struct {
	db *sql.DB
}

// NewAssetRepository opens the connection pool and verifies it.
func NewAssetRepository(databaseURL string) (*AssetRepository, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &AssetRepository{db: db}, nil
}

// Close closes the connection pool.
func (r *AssetRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Create inserts a new asset record.
func (r *AssetRepository) Create(ctx context.Context, asset *models.MediaAsset) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO media_assets (id, document_id, path, disk, size, mime_type, duration, width, height, aspect_ratio, thumbnail_path, last_modified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		asset.ID, asset.DocumentID, asset.Path, asset.Disk, asset.Size,
		asset.MimeType, asset.Duration, asset.Width, asset.Height,
		asset.AspectRatio, asset.ThumbnailPath, asset.LastModified, asset.CreatedAt,
	)
	return err
}

// GetByPath retrieves the asset stored at a durable path. Returns nil, nil
// when no record exists.
func (r *AssetRepository) GetByPath(ctx context.Context, path string) (*models.MediaAsset, error) {
	var asset models.MediaAsset
	err := r.db.QueryRowContext(ctx,
		`SELECT id, document_id, path, disk, size, mime_type, duration, width, height, aspect_ratio, thumbnail_path, last_modified, created_at
		 FROM media_assets WHERE path = $1`,
		path,
	).Scan(&asset.ID, &asset.DocumentID, &asset.Path, &asset.Disk, &asset.Size,
		&asset.MimeType, &asset.Duration, &asset.Width, &asset.Height,
		&asset.AspectRatio, &asset.ThumbnailPath, &asset.LastModified, &asset.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// ListByDocument returns every asset recorded for a document.
func (r *AssetRepository) ListByDocument(ctx context.Context, documentID string) ([]models.MediaAsset, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, document_id, path, disk, size, mime_type, duration, width, height, aspect_ratio, thumbnail_path, last_modified, created_at
		 FROM media_assets WHERE document_id = $1 ORDER BY created_at`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []models.MediaAsset
	for rows.Next() {
		var asset models.MediaAsset
		if err := rows.Scan(&asset.ID, &asset.DocumentID, &asset.Path, &asset.Disk,
			&asset.Size, &asset.MimeType, &asset.Duration, &asset.Width, &asset.Height,
			&asset.AspectRatio, &asset.ThumbnailPath, &asset.LastModified, &asset.CreatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// DeleteByPath removes the record for a durable path. Deleting an absent
// record is not an error.
func (r *AssetRepository) DeleteByPath(ctx context.Context, path string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM media_assets WHERE path = $1`, path)
	return err
}
