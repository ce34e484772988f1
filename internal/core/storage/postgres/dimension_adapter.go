package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

const (
	queryGetDateDimension = `
		SELECT id, dd_date, quarter, COALESCE(term, ''), COALESCE(academic_year, '')
		FROM date_dimension
		WHERE dd_date = $1
	`

	queryCreateDateDimension = `
		INSERT INTO date_dimension (dd_date, quarter, term, academic_year)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		RETURNING id
	`

	queryUpdateDateDimension = `
		UPDATE date_dimension
		SET quarter = $2, term = NULLIF($3, ''), academic_year = NULLIF($4, '')
		WHERE dd_date = $1
	`

	queryListDateDimensions = `
		SELECT id, dd_date, quarter, COALESCE(term, ''), COALESCE(academic_year, '')
		FROM date_dimension
		ORDER BY dd_date ASC
	`

	queryGetTimeDimension = `
		SELECT id, minute_of_day FROM time_dimension WHERE minute_of_day = $1
	`

	queryCreateTimeDimension = `
		INSERT INTO time_dimension (minute_of_day) VALUES ($1) RETURNING id
	`

	queryListTimeDimensions = `
		SELECT id, minute_of_day FROM time_dimension ORDER BY minute_of_day ASC
	`
)

// DimensionAdapter implements storage.DimensionStore on PostgreSQL. Unique
// indexes on dd_date and minute_of_day turn concurrent populate races into
// ErrDuplicate, which callers recover from by re-lookup.
type DimensionAdapter struct {
	db *sql.DB
}

// NewDimensionAdapter creates a dimension adapter over the shared pool.
func NewDimensionAdapter(a *Adapter) *DimensionAdapter {
	return &DimensionAdapter{db: a.db}
}

func (d *DimensionAdapter) GetDateDimension(ctx context.Context, date time.Time) (*storage.DateDimension, error) {
	row := d.db.QueryRowContext(ctx, queryGetDateDimension, date.UTC().Format("2006-01-02"))
	dim, err := scanDateDimension(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get date dimension: %w", err)
	}
	return dim, nil
}

func (d *DimensionAdapter) CreateDateDimension(ctx context.Context, dim *storage.DateDimension) error {
	err := d.db.QueryRowContext(ctx, queryCreateDateDimension,
		dim.Date.UTC().Format("2006-01-02"),
		dim.Quarter,
		dim.Term,
		dim.AcademicYear,
	).Scan(&dim.ID)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create date dimension: %w", err)
	}
	return nil
}

func (d *DimensionAdapter) UpdateDateDimension(ctx context.Context, dim *storage.DateDimension) error {
	result, err := d.db.ExecContext(ctx, queryUpdateDateDimension,
		dim.Date.UTC().Format("2006-01-02"),
		dim.Quarter,
		dim.Term,
		dim.AcademicYear,
	)
	if err != nil {
		return fmt.Errorf("update date dimension: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update date dimension: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (d *DimensionAdapter) ListDateDimensions(ctx context.Context) ([]*storage.DateDimension, error) {
	rows, err := d.db.QueryContext(ctx, queryListDateDimensions)
	if err != nil {
		return nil, fmt.Errorf("list date dimensions: %w", err)
	}
	defer rows.Close()

	var out []*storage.DateDimension
	for rows.Next() {
		dim, err := scanDateDimension(rows)
		if err != nil {
			return nil, fmt.Errorf("list date dimensions: %w", err)
		}
		out = append(out, dim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list date dimensions: %w", err)
	}
	return out, nil
}

func (d *DimensionAdapter) GetTimeDimension(ctx context.Context, minuteOfDay int) (*storage.TimeDimension, error) {
	var dim storage.TimeDimension
	err := d.db.QueryRowContext(ctx, queryGetTimeDimension, minuteOfDay).Scan(&dim.ID, &dim.MinuteOfDay)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get time dimension: %w", err)
	}
	return &dim, nil
}

func (d *DimensionAdapter) CreateTimeDimension(ctx context.Context, dim *storage.TimeDimension) error {
	err := d.db.QueryRowContext(ctx, queryCreateTimeDimension, dim.MinuteOfDay).Scan(&dim.ID)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create time dimension: %w", err)
	}
	return nil
}

func (d *DimensionAdapter) ListTimeDimensions(ctx context.Context) ([]*storage.TimeDimension, error) {
	rows, err := d.db.QueryContext(ctx, queryListTimeDimensions)
	if err != nil {
		return nil, fmt.Errorf("list time dimensions: %w", err)
	}
	defer rows.Close()

	var out []*storage.TimeDimension
	for rows.Next() {
		var dim storage.TimeDimension
		if err := rows.Scan(&dim.ID, &dim.MinuteOfDay); err != nil {
			return nil, fmt.Errorf("list time dimensions: %w", err)
		}
		out = append(out, &dim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list time dimensions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDateDimension(row scanner) (*storage.DateDimension, error) {
	var dim storage.DateDimension
	if err := row.Scan(&dim.ID, &dim.Date, &dim.Quarter, &dim.Term, &dim.AcademicYear); err != nil {
		return nil, err
	}
	dim.Date = dim.Date.UTC()
	return &dim, nil
}
