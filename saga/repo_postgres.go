package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRepository persists instances as a JSONB blob plus a version
// column, using "WHERE version = $n" on update to enforce optimistic
// concurrency.
type PostgresRepository struct {
	db    *sql.DB
	table string
}

// NewPostgresRepository opens a connection pool against connectionString
// and targets table (default "saga_instances" if empty).
func NewPostgresRepository(connectionString, table string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("saga: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("saga: ping postgres: %w", err)
	}
	if table == "" {
		table = "saga_instances"
	}
	return &PostgresRepository{db: db, table: table}, nil
}

func (r *PostgresRepository) Close() error { return r.db.Close() }

func (r *PostgresRepository) FindByCorrelationID(ctx context.Context, id string) (*Instance, error) {
	query := fmt.Sprintf(`
		SELECT correlation_id, current_state, version, data, compensations, compensating, created_at, updated_at
		FROM %s WHERE correlation_id = $1 AND archived_at IS NULL`, r.table)

	var inst Instance
	var compensations []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&inst.CorrelationID, &inst.CurrentState, &inst.Version, &inst.Data,
		&compensations, &inst.Compensating, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("saga: find %s: %w", id, err)
	}
	if len(compensations) > 0 {
		if err := json.Unmarshal(compensations, &inst.Compensations); err != nil {
			return nil, fmt.Errorf("saga: decode compensations: %w", err)
		}
	}
	return &inst, nil
}

func (r *PostgresRepository) Save(ctx context.Context, instance *Instance) error {
	compensations, err := json.Marshal(instance.Compensations)
	if err != nil {
		return err
	}

	if instance.Version == 0 {
		insert := fmt.Sprintf(`
			INSERT INTO %s (correlation_id, current_state, version, data, compensations, compensating, created_at, updated_at)
			VALUES ($1, $2, 1, $3, $4, $5, $6, $7)
			ON CONFLICT (correlation_id) DO NOTHING`, r.table)
		res, err := r.db.ExecContext(ctx, insert,
			instance.CorrelationID, instance.CurrentState, instance.Data, compensations,
			instance.Compensating, instance.CreatedAt, instance.UpdatedAt)
		if err != nil {
			return fmt.Errorf("saga: insert %s: %w", instance.CorrelationID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &VersionConflict{CorrelationID: instance.CorrelationID, Expected: 0}
		}
		instance.Version = 1
		return nil
	}

	update := fmt.Sprintf(`
		UPDATE %s SET current_state = $1, data = $2, compensations = $3, compensating = $4,
			updated_at = $5, version = version + 1
		WHERE correlation_id = $6 AND version = $7
		RETURNING version`, r.table)
	var newVersion int64
	err = r.db.QueryRowContext(ctx, update,
		instance.CurrentState, instance.Data, compensations, instance.Compensating,
		time.Now().UTC(), instance.CorrelationID, instance.Version,
	).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return &VersionConflict{CorrelationID: instance.CorrelationID, Expected: instance.Version}
	}
	if err != nil {
		return fmt.Errorf("saga: update %s: %w", instance.CorrelationID, err)
	}
	instance.Version = newVersion
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE correlation_id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepository) Archive(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET archived_at = $1 WHERE correlation_id = $2`, r.table)
	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) FindByState(ctx context.Context, stateName string) ([]*Instance, error) {
	query := fmt.Sprintf(`
		SELECT correlation_id, current_state, version, data, compensations, compensating, created_at, updated_at
		FROM %s WHERE current_state = $1 AND archived_at IS NULL`, r.table)
	rows, err := r.db.QueryContext(ctx, query, stateName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var inst Instance
		var compensations []byte
		if err := rows.Scan(&inst.CorrelationID, &inst.CurrentState, &inst.Version, &inst.Data,
			&compensations, &inst.Compensating, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		if len(compensations) > 0 {
			if err := json.Unmarshal(compensations, &inst.Compensations); err != nil {
				return nil, err
			}
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE archived_at IS NULL`, r.table)
	var n int64
	err := r.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

var _ Repository = (*PostgresRepository)(nil)
