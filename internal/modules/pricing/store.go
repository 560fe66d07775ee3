// README: Vehicle rate overrides backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Multiplier(ctx context.Context, category string) (float64, bool, error) {
	var m float64
	err := s.db.QueryRow(ctx, `SELECT multiplier FROM vehicle_rates WHERE vehicle_category = $1`, category).Scan(&m)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return m, true, nil
}
