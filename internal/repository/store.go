package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/model"
)

type StoreRepository struct {
	pool *pgxpool.Pool
}

func NewStoreRepository(pool *pgxpool.Pool) *StoreRepository {
	return &StoreRepository{pool: pool}
}

func (r *StoreRepository) Create(ctx context.Context, s *model.Store) error {
	defer logger.DeferLogDuration("store.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stores (id, owner_id, name, avatar_url, address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.OwnerID, s.Name, s.AvatarURL, s.Address, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storeRepo.Create: %w", err)
	}
	return nil
}

func (r *StoreRepository) GetByID(ctx context.Context, id string) (*model.Store, error) {
	defer logger.DeferLogDuration("store.GetByID", time.Now())()
	s := &model.Store{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, avatar_url, address, created_at FROM stores WHERE id = $1`, id,
	).Scan(&s.ID, &s.OwnerID, &s.Name, &s.AvatarURL, &s.Address, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storeRepo.GetByID: %w", err)
	}
	return s, nil
}
