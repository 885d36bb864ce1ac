// Package postgis mirrors a boundary set into a PostGIS table so that point
// lookups can be compared against the in-memory index.
package postgis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/1F47E/pbf-geo-index/pkg/models"
)

const table = "geo_boundaries"

type PostGISIndex struct {
	db *sql.DB
}

// Open connects to dsn, a lib/pq connection string or URL.
func Open(ctx context.Context, dsn string) (*PostGISIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostGISIndex{db: db}, nil
}

func (p *PostGISIndex) Close() error {
	return p.db.Close()
}

// InitSchema recreates the boundary table.
func (p *PostGISIndex) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		`DROP TABLE IF EXISTS ` + table + `;`,
		`CREATE TABLE ` + table + ` (
			seq INTEGER PRIMARY KEY,
			ref TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id BIGINT NOT NULL,
			area DOUBLE PRECISION NOT NULL,
			geom GEOMETRY(POLYGON, 4326) NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

// CreateSpatialIndex adds a GIST index on the geometry column.
func (p *PostGISIndex) CreateSpatialIndex(ctx context.Context) error {
	query := `CREATE INDEX idx_` + table + `_geom ON ` + table + ` USING GIST(geom);`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create spatial index: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `ANALYZE `+table+`;`); err != nil {
		return fmt.Errorf("failed to analyze table: %w", err)
	}
	return nil
}

// polygonWKT renders the outer ring and holes of b.
func polygonWKT(b *models.Boundary) string {
	return wkt.MarshalString(b.Polygon())
}

// BulkInsert copies boundaries in batches, one transaction per batch.
func (p *PostGISIndex) BulkInsert(ctx context.Context, boundaries []*models.Boundary) error {
	const batchSize = 1000

	for start := 0; start < len(boundaries); start += batchSize {
		end := min(start+batchSize, len(boundaries))
		if err := p.insertBatch(ctx, boundaries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostGISIndex) insertBatch(ctx context.Context, batch []*models.Boundary) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+table+` (seq, ref, source_type, source_id, area, geom)
		VALUES ($1, $2, $3, $4, $5, ST_GeomFromText($6, 4326))
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, b := range batch {
		_, err := stmt.ExecContext(ctx, b.Seq, b.Ref, string(b.Source.Type), b.Source.ID, math.Abs(b.Area), polygonWKT(b))
		if err != nil {
			return fmt.Errorf("failed to insert boundary %s %d: %w", b.Source.Type, b.Source.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Lookup returns the reference of the smallest boundary covering the point,
// ties going to the lowest seq.
func (p *PostGISIndex) Lookup(ctx context.Context, lat, lon float64) (string, bool, error) {
	query := `
		SELECT ref FROM ` + table + `
		WHERE ST_Covers(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		ORDER BY area ASC, seq ASC
		LIMIT 1
	`

	var ref string
	err := p.db.QueryRowContext(ctx, query, lon, lat).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to execute query: %w", err)
	}
	return ref, true, nil
}

// Count returns the number of stored boundaries.
func (p *PostGISIndex) Count(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count boundaries: %w", err)
	}
	return count, nil
}

// TableSize returns the pretty-printed size of the boundary table and its indexes.
func (p *PostGISIndex) TableSize(ctx context.Context) (string, error) {
	var size string
	err := p.db.QueryRowContext(ctx, `SELECT pg_size_pretty(pg_total_relation_size($1))`, table).Scan(&size)
	if err != nil {
		return "", fmt.Errorf("failed to get table size: %w", err)
	}
	return size, nil
}
