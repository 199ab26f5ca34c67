package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smart-pokhara/backend/internal/models"
)

const staffColumns = `id, name, ward_id, role, specializations, current_workload, max_capacity,
	performance_score, lat, lon, last_seen_at, active, updated_at`

func scanStaff(row scanner) (models.Staff, error) {
	var m models.Staff
	err := row.Scan(&m.ID, &m.Name, &m.WardID, &m.Role, &m.Specializations, &m.CurrentWorkload, &m.MaxCapacity,
		&m.PerformanceScore, &m.Lat, &m.Lon, &m.LastSeenAt, &m.Active, &m.UpdatedAt)
	return m, err
}

type StaffFilter struct {
	WardID         string
	Specialization string
	ActiveOnly     bool
}

// UpsertStaff loads a roster through a temporary table. Workload counters are
// left alone for existing rows since transitions own them.
func (s *Store) UpsertStaff(ctx context.Context, staff []models.Staff) (int64, error) {
	rows := make([][]any, 0, len(staff))
	for _, m := range staff {
		rows = append(rows, []any{m.ID, m.Name, m.WardID, string(m.Role), m.Specializations, m.MaxCapacity,
			m.PerformanceScore, m.Lat, m.Lon, m.Active, m.UpdatedAt})
	}

	var affected int64
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE TEMP TABLE staff_import (
			id TEXT, name TEXT, ward_id TEXT, role TEXT, specializations TEXT[], max_capacity INTEGER,
			performance_score DOUBLE PRECISION, lat DOUBLE PRECISION, lon DOUBLE PRECISION,
			active BOOLEAN, updated_at TIMESTAMPTZ
		) ON COMMIT DROP`); err != nil {
			return err
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staff_import"},
			[]string{"id", "name", "ward_id", "role", "specializations", "max_capacity", "performance_score", "lat", "lon", "active", "updated_at"},
			pgx.CopyFromRows(rows)); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO staff (id, name, ward_id, role, specializations, max_capacity, performance_score, lat, lon, active, updated_at)
			SELECT id, name, ward_id, role, specializations, max_capacity, performance_score, lat, lon, active, updated_at
			FROM staff_import
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				ward_id = EXCLUDED.ward_id,
				role = EXCLUDED.role,
				specializations = EXCLUDED.specializations,
				max_capacity = EXCLUDED.max_capacity,
				performance_score = EXCLUDED.performance_score,
				lat = EXCLUDED.lat,
				lon = EXCLUDED.lon,
				active = EXCLUDED.active,
				updated_at = EXCLUDED.updated_at
		`)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

func (s *Store) ListStaff(ctx context.Context, f StaffFilter) ([]models.Staff, error) {
	query := `SELECT ` + staffColumns + ` FROM staff`
	var args []any
	var wheres []string
	if f.WardID != "" {
		args = append(args, f.WardID)
		wheres = append(wheres, fmt.Sprintf("ward_id = $%d", len(args)))
	}
	if f.Specialization != "" {
		args = append(args, strings.ToLower(f.Specialization))
		wheres = append(wheres, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(specializations) sp WHERE lower(sp) = $%d)", len(args)))
	}
	if f.ActiveOnly {
		wheres = append(wheres, "active")
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY current_workload ASC, id ASC"

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Staff
	for rows.Next() {
		m, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetStaff(ctx context.Context, id string) (models.Staff, error) {
	m, err := scanStaff(s.Pool.QueryRow(ctx, `SELECT `+staffColumns+` FROM staff WHERE id = $1`, id))
	if err != nil {
		return models.Staff{}, notFound(err)
	}
	return m, nil
}

// TouchStaff records a heartbeat, optionally with a fresh position.
func (s *Store) TouchStaff(ctx context.Context, id string, at time.Time, lat, lon *float64) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE staff SET last_seen_at = $2, lat = COALESCE($3, lat), lon = COALESCE($4, lon), updated_at = NOW()
		WHERE id = $1
	`, id, at, lat, lon)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func updateStaffWorkload(ctx context.Context, tx pgx.Tx, staffID string, delta int) error {
	_, err := tx.Exec(ctx, `
		UPDATE staff SET current_workload = GREATEST(current_workload + $1, 0), updated_at = NOW()
		WHERE id = $2
	`, delta, staffID)
	return err
}
