package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/model"
)

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

// routeToJSON encodes the polyline for the JSONB column. Point order is the
// simulation order and must survive the round trip exactly.
func routeToJSON(route []model.LatLng) ([]byte, error) {
	if route == nil {
		route = []model.LatLng{}
	}
	return json.Marshal(route)
}

func routeFromJSON(data []byte) ([]model.LatLng, error) {
	var route []model.LatLng
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, err
	}
	return route, nil
}

func (r *DeliveryRepository) Create(ctx context.Context, d *model.Delivery) error {
	defer logger.DeferLogDuration("delivery.Create", time.Now())()
	routeJSON, err := routeToJSON(d.Route)
	if err != nil {
		return fmt.Errorf("deliveryRepo.Create encode route: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO deliveries (id, order_id, origin_lat, origin_lng, dest_lat, dest_lng,
		    route, current_index, status, started_at, eta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.OrderID, d.Origin.Lat, d.Origin.Lng, d.Destination.Lat, d.Destination.Lng,
		routeJSON, d.CurrentIndex, d.Status, d.StartedAt, d.ETA, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("deliveryRepo.Create: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) scanDelivery(row pgx.Row) (*model.Delivery, error) {
	d := &model.Delivery{}
	var routeJSON []byte
	err := row.Scan(
		&d.ID, &d.OrderID, &d.Origin.Lat, &d.Origin.Lng, &d.Destination.Lat, &d.Destination.Lng,
		&routeJSON, &d.CurrentIndex, &d.Status, &d.StartedAt, &d.ETA, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Route, err = routeFromJSON(routeJSON); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	return d, nil
}

const deliveryColumns = `id, order_id, origin_lat, origin_lng, dest_lat, dest_lng,
	route, current_index, status, started_at, eta, created_at, updated_at`

func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*model.Delivery, error) {
	defer logger.DeferLogDuration("delivery.GetByID", time.Now())()
	d, err := r.scanDelivery(r.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("deliveryRepo.GetByID: %w", err)
	}
	return d, err
}

func (r *DeliveryRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Delivery, error) {
	defer logger.DeferLogDuration("delivery.GetByOrderID", time.Now())()
	d, err := r.scanDelivery(r.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE order_id = $1`, orderID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("deliveryRepo.GetByOrderID: %w", err)
	}
	return d, err
}

// UpdateProgress persists the simulation cursor, status and timing fields.
// The cursor is guarded in SQL so a stale writer can never move it backwards.
func (r *DeliveryRepository) UpdateProgress(ctx context.Context, d *model.Delivery) error {
	defer logger.DeferLogDuration("delivery.UpdateProgress", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE deliveries SET
		    current_index = GREATEST(current_index, $1),
		    status = $2, started_at = $3, eta = $4, updated_at = $5
		 WHERE id = $6`,
		d.CurrentIndex, d.Status, d.StartedAt, d.ETA, time.Now().UTC(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("deliveryRepo.UpdateProgress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
