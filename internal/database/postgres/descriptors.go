package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/kozaktomas/imgmatch/internal/features"
)

// DescriptorRepository stores cached fingerprints. A record is a header
// row in descriptor_cache plus one descriptor_rows row per keypoint.
type DescriptorRepository struct {
	pool *Pool
}

// NewDescriptorRepository creates a new PostgreSQL descriptor cache
func NewDescriptorRepository(pool *Pool) *DescriptorRepository {
	return &DescriptorRepository{pool: pool}
}

// Get loads the record for an entry, returns nil if none is cached.
// Header and rows are read in one repeatable-read snapshot.
func (r *DescriptorRepository) Get(ctx context.Context, entryID string) (*database.CachedDescriptors, error) {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	rec := database.CachedDescriptors{EntryID: entryID}
	var kindName string
	var width, count int
	err = tx.QueryRowContext(ctx, `
		SELECT schema_version, extractor, source_url, image_width, image_height,
		       descriptor_kind, descriptor_width, keypoint_count, created_at
		FROM descriptor_cache
		WHERE entry_id = $1
	`, entryID).Scan(
		&rec.SchemaVersion, &rec.Extractor, &rec.SourceAddress, &rec.ImageWidth, &rec.ImageHeight,
		&kindName, &width, &count, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query descriptor header: %w", err)
	}

	kind, err := features.ParseDescriptorKind(kindName)
	if err != nil {
		return nil, &database.CacheInconsistencyError{EntryID: entryID, Reason: err.Error()}
	}

	column := "vec"
	if kind == features.KindBinary {
		column = "bits"
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT x, y, size, angle, response, octave, class_id, `+column+`
		FROM descriptor_rows
		WHERE entry_id = $1
		ORDER BY idx
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query descriptor rows: %w", err)
	}
	defer rows.Close()

	table := &features.DescriptorTable{Kind: kind, Width: width}
	rec.Keypoints = make([]features.Keypoint, 0, count)
	for rows.Next() {
		var kp features.Keypoint
		dest := []any{&kp.X, &kp.Y, &kp.Size, &kp.Angle, &kp.Response, &kp.Octave, &kp.ClassID}
		var vec pgvector.Vector
		var bits []byte
		if kind == features.KindBinary {
			dest = append(dest, &bits)
		} else {
			dest = append(dest, &vec)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, &database.CacheInconsistencyError{EntryID: entryID, Reason: fmt.Sprintf("unreadable row: %v", err)}
		}

		rec.Keypoints = append(rec.Keypoints, kp)
		if kind == features.KindBinary {
			table.Binary = append(table.Binary, bits)
		} else {
			table.Float = append(table.Float, vec.Slice())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate descriptor rows: %w", err)
	}

	if len(rec.Keypoints) != count {
		return nil, &database.CacheInconsistencyError{
			EntryID: entryID,
			Reason:  fmt.Sprintf("header declares %d rows, found %d", count, len(rec.Keypoints)),
		}
	}
	rec.Descriptors = table
	return &rec, nil
}

// Put replaces the record for rec.EntryID inside one transaction
func (r *DescriptorRepository) Put(ctx context.Context, rec *database.CachedDescriptors) error {
	if rec.Descriptors == nil {
		return fmt.Errorf("record for entry %s has no descriptor table", rec.EntryID)
	}
	if len(rec.Keypoints) != rec.Descriptors.Len() {
		return fmt.Errorf("record for entry %s has %d keypoints for %d descriptors",
			rec.EntryID, len(rec.Keypoints), rec.Descriptors.Len())
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM descriptor_cache WHERE entry_id = $1", rec.EntryID); err != nil {
		return fmt.Errorf("delete previous descriptors: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO descriptor_cache (entry_id, schema_version, extractor, source_url, image_width, image_height,
		                              descriptor_kind, descriptor_width, keypoint_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.EntryID, rec.SchemaVersion, rec.Extractor, rec.SourceAddress, rec.ImageWidth, rec.ImageHeight,
		rec.Descriptors.Kind.String(), rec.Descriptors.Width, len(rec.Keypoints), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert descriptor header: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO descriptor_rows (entry_id, idx, x, y, size, angle, response, octave, class_id, vec, bits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return fmt.Errorf("prepare descriptor insert: %w", err)
	}
	defer stmt.Close()

	for i, kp := range rec.Keypoints {
		var vec, bits any
		if rec.Descriptors.Kind == features.KindBinary {
			bits = rec.Descriptors.Binary[i]
		} else {
			vec = pgvector.NewVector(rec.Descriptors.Float[i])
		}
		if _, err := stmt.ExecContext(ctx, rec.EntryID, i, kp.X, kp.Y, kp.Size, kp.Angle, kp.Response,
			kp.Octave, kp.ClassID, vec, bits); err != nil {
			return fmt.Errorf("insert descriptor %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit descriptors: %w", err)
	}
	return nil
}

// Delete removes the record for an entry
func (r *DescriptorRepository) Delete(ctx context.Context, entryID string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM descriptor_cache WHERE entry_id = $1", entryID); err != nil {
		return fmt.Errorf("delete descriptors: %w", err)
	}
	return nil
}

// Count returns the number of cached records
func (r *DescriptorRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM descriptor_cache").Scan(&count); err != nil {
		return 0, fmt.Errorf("count descriptors: %w", err)
	}
	return count, nil
}

// Clear removes every record
func (r *DescriptorRepository) Clear(ctx context.Context) (int, error) {
	res, err := r.pool.Exec(ctx, "DELETE FROM descriptor_cache")
	if err != nil {
		return 0, fmt.Errorf("clear descriptors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear descriptors: %w", err)
	}
	return int(n), nil
}

// Prune removes records whose entry is not in keep
func (r *DescriptorRepository) Prune(ctx context.Context, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	res, err := r.pool.Exec(ctx, "DELETE FROM descriptor_cache WHERE NOT (entry_id = ANY($1))", pq.Array(keep))
	if err != nil {
		return 0, fmt.Errorf("prune descriptors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune descriptors: %w", err)
	}
	return int(n), nil
}
