package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const selectColumns = `id, owner_id, url, filename, size_bytes, width, height, duration_seconds, content_type, public, domain, archive, checksum, storage_path, created_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, m *MediaRecord) error {
	var archive sql.NullString
	if m.Archive != nil {
		raw, err := json.Marshal(m.Archive)
		if err != nil {
			return fmt.Errorf("failed to marshal archive metadata: %w", err)
		}
		archive = sql.NullString{String: string(raw), Valid: true}
	}

	query := `INSERT INTO media (` + selectColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.OwnerID,
		m.URL,
		m.Filename,
		m.Size,
		m.Width,
		m.Height,
		m.Duration,
		m.Type,
		m.Public,
		m.Domain,
		archive,
		m.Checksum,
		m.StoragePath,
		m.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, m.ID)
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*MediaRecord, error) {
	m := &MediaRecord{}
	var width, height sql.NullInt64
	var duration sql.NullFloat64
	var domain sql.NullString
	var archive []byte

	err := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM media WHERE id = $1`, id).Scan(
		&m.ID,
		&m.OwnerID,
		&m.URL,
		&m.Filename,
		&m.Size,
		&width,
		&height,
		&duration,
		&m.Type,
		&m.Public,
		&domain,
		&archive,
		&m.Checksum,
		&m.StoragePath,
		&m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if width.Valid {
		w := int(width.Int64)
		m.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		m.Height = &h
	}
	if duration.Valid {
		d := duration.Float64
		m.Duration = &d
	}
	m.Domain = domain.String
	if len(archive) > 0 {
		m.Archive = &ArchiveInfo{}
		if err := json.Unmarshal(archive, m.Archive); err != nil {
			return nil, fmt.Errorf("failed to unmarshal archive metadata: %w", err)
		}
	}
	return m, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM media WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *PostgresRepository) AggregateUsage(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM media WHERE owner_id = $1`, ownerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return total, nil
}
