// Package pgindex persists mount descriptors — which cell path is mounted to
// which file, last known checksum, last write time — so a restarted process
// can tell which on-disk files are stale. It never stores cell values: durable
// value persistence beyond optional file mirroring is a declared non-goal.
//
// It follows the same bun.DB + BaseModel record shape and
// NewInsert/NewSelect/NewCreateTable call style as an event-store table,
// narrowed from an event log to a single upsert-by-path table.
package pgindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Open dials a postgres database for the mount index using dsn.
func Open(dsn string) (*bun.DB, error) {
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(30*time.Second),
	)
	sqldb := sql.OpenDB(connector)
	db := bun.NewDB(sqldb, pgdialect.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pgindex: connect: %w", err)
	}
	return db, nil
}

// DescriptorRecord is one mounted cell's bookkeeping row.
type DescriptorRecord struct {
	bun.BaseModel `bun:"table:mount_descriptors,alias:md"`

	Path      string    `bun:"path,pk"`
	FilePath  string    `bun:"file_path,notnull"`
	Mode      string    `bun:"mode,notnull"` // "rw", "r", "w"
	Checksum  string    `bun:"checksum"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Index is the mount-descriptor bookkeeping table.
type Index struct {
	db *bun.DB
}

// New wraps an already-opened bun.DB.
func New(db *bun.DB) *Index {
	return &Index{db: db}
}

// InitSchema creates the mount_descriptors table if absent.
func (i *Index) InitSchema(ctx context.Context) error {
	_, err := i.db.NewCreateTable().
		Model((*DescriptorRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pgindex: create table: %w", err)
	}
	return nil
}

// Upsert records the current checksum for a mounted path.
func (i *Index) Upsert(ctx context.Context, rec DescriptorRecord) error {
	rec.UpdatedAt = time.Now()
	_, err := i.db.NewInsert().
		Model(&rec).
		On("CONFLICT (path) DO UPDATE").
		Set("file_path = EXCLUDED.file_path").
		Set("mode = EXCLUDED.mode").
		Set("checksum = EXCLUDED.checksum").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pgindex: upsert %s: %w", rec.Path, err)
	}
	return nil
}

// Lookup returns the recorded descriptor for path, if any.
func (i *Index) Lookup(ctx context.Context, path string) (*DescriptorRecord, error) {
	rec := new(DescriptorRecord)
	err := i.db.NewSelect().Model(rec).Where("path = ?", path).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgindex: lookup %s: %w", path, err)
	}
	return rec, nil
}
