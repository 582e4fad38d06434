// Package delivery runs the shipment simulation: one timer per active
// delivery walks the cursor along the precomputed route, persisting and
// broadcasting each step. Simulations nobody is watching pause themselves
// after a few idle ticks and resume when a viewer triggers shipping again.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marketlive/internal/config"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/model"
	"github.com/marketlive/internal/repository"
	"github.com/marketlive/internal/ws"
)

// ErrNotAllowed is returned when the requesting user may not start shipping
// for the order.
var ErrNotAllowed = errors.New("not allowed")

// DeliveryStore is the persistence surface the scheduler needs.
// *repository.DeliveryRepository implements it; tests use an in-memory fake.
type DeliveryStore interface {
	GetByID(ctx context.Context, id string) (*model.Delivery, error)
	GetByOrderID(ctx context.Context, orderID string) (*model.Delivery, error)
	UpdateProgress(ctx context.Context, d *model.Delivery) error
}

// OrderStore loads orders and flips their status.
type OrderStore interface {
	GetByID(ctx context.Context, id string) (*model.Order, error)
	UpdateStatus(ctx context.Context, id string, status model.OrderStatus) error
}

// StoreStore resolves a store to its owner for the shipping authorization
// check.
type StoreStore interface {
	GetByID(ctx context.Context, id string) (*model.Store, error)
}

// Broadcaster fans events out to WebSocket rooms and reports whether anyone
// is listening. *ws.Hub implements it.
type Broadcaster interface {
	RoomOccupied(room string) bool
	Broadcast(room string, event string, payload any)
}

// DeliveryUpdatePayload is broadcast to the delivery room on every simulated
// step.
type DeliveryUpdatePayload struct {
	DeliveryID      string               `json:"delivery_id"`
	OrderID         string               `json:"order_id"`
	Status          model.DeliveryStatus `json:"status"`
	CurrentIndex    int                  `json:"current_index"`
	CurrentLocation model.LatLng         `json:"current_location"`
	Route           []model.LatLng       `json:"route"`
	ETA             *time.Time           `json:"eta,omitempty"`
}

// OrderUpdatePayload is broadcast to the order room on status transitions.
type OrderUpdatePayload struct {
	OrderID string            `json:"order_id"`
	Status  model.OrderStatus `json:"status"`
}

// Scheduler owns one goroutine per in-flight delivery. All state transitions
// go through the store, so a paused or restarted simulation resumes from the
// persisted cursor, never from scratch.
type Scheduler struct {
	deliveries DeliveryStore
	orders     OrderStore
	stores     StoreStore
	caster     Broadcaster

	tick      time.Duration
	idleLimit int

	mu     sync.Mutex
	timers map[string]chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewScheduler(deliveries DeliveryStore, orders OrderStore, stores StoreStore, caster Broadcaster, cfg config.DeliveryConfig) *Scheduler {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 2 * time.Second
	}
	idleLimit := cfg.IdleTickLimit
	if idleLimit <= 0 {
		idleLimit = 5
	}
	return &Scheduler{
		deliveries: deliveries,
		orders:     orders,
		stores:     stores,
		caster:     caster,
		tick:       tick,
		idleLimit:  idleLimit,
		timers:     make(map[string]chan struct{}),
	}
}

// StartForOrder transitions the order to shipped (if still pending) and
// starts the delivery simulation. requestedBy must be the store owner; an
// empty requestedBy skips the check for callers that already authorized.
func (s *Scheduler) StartForOrder(ctx context.Context, orderID, requestedBy string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if requestedBy != "" {
		store, err := s.stores.GetByID(ctx, order.StoreID)
		if err != nil {
			return err
		}
		if store.OwnerID != requestedBy {
			return ErrNotAllowed
		}
	}
	d, err := s.deliveries.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status == model.OrderStatusPending {
		if err := s.orders.UpdateStatus(ctx, orderID, model.OrderStatusShipped); err != nil {
			return err
		}
		orderRoom := ws.OrderRoom(orderID)
		if s.caster.RoomOccupied(orderRoom) {
			s.caster.Broadcast(orderRoom, string(ws.EventOrderUpdate),
				OrderUpdatePayload{OrderID: orderID, Status: model.OrderStatusShipped})
		}
	}
	return s.Start(ctx, d)
}

// Start registers a timer for the delivery. Calling it for an already-running
// or delivered delivery is a no-op, so "start shipping" clicks and page
// reloads are harmless. A paused delivery resumes from its persisted cursor.
func (s *Scheduler) Start(ctx context.Context, d *model.Delivery) error {
	if d.Status == model.DeliveryStatusDelivered {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if _, running := s.timers[d.ID]; running {
		s.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	s.timers[d.ID] = stop
	s.mu.Unlock()

	now := time.Now().UTC()
	if d.StartedAt == nil {
		d.StartedAt = &now
	}
	if d.Status == model.DeliveryStatusPending {
		d.Status = model.DeliveryStatusOnRoute
	}
	if d.ETA == nil {
		remaining := len(d.Route) - 1 - d.CurrentIndex
		if remaining < 0 {
			remaining = 0
		}
		eta := now.Add(time.Duration(remaining) * s.tick)
		d.ETA = &eta
	}
	if err := s.deliveries.UpdateProgress(ctx, d); err != nil {
		s.remove(d.ID)
		return err
	}

	room := ws.DeliveryRoom(d.ID)
	if s.caster.RoomOccupied(room) {
		s.caster.Broadcast(room, string(ws.EventDeliveryUpdate), snapshot(d))
	}

	logger.Infof("delivery %s: simulation started (cursor %d/%d)", d.ID, d.CurrentIndex, len(d.Route)-1)
	s.wg.Add(1)
	go s.run(d.ID, stop)
	return nil
}

// Running reports whether the delivery currently has an active timer.
func (s *Scheduler) Running(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[deliveryID]
	return ok
}

// Stop cancels the delivery's timer if one is running. Idempotent.
func (s *Scheduler) Stop(deliveryID string) {
	s.mu.Lock()
	stop, ok := s.timers[deliveryID]
	if ok {
		delete(s.timers, deliveryID)
	}
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Close cancels every timer and waits for the simulation goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, stop := range s.timers {
		close(stop)
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) remove(deliveryID string) {
	s.mu.Lock()
	delete(s.timers, deliveryID)
	s.mu.Unlock()
}

func (s *Scheduler) run(deliveryID string, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.tickOnce(deliveryID, &idle) {
				s.remove(deliveryID)
				return
			}
		}
	}
}

// tickOnce advances the delivery one route step. Returns false when the timer
// should be dropped (delivered, gone, or idle for too long).
func (s *Scheduler) tickOnce(deliveryID string, idle *int) bool {
	room := ws.DeliveryRoom(deliveryID)
	if !s.caster.RoomOccupied(room) {
		*idle++
		if *idle >= s.idleLimit {
			logger.Infof("delivery %s: no listeners for %d ticks, pausing simulation", deliveryID, *idle)
			return false
		}
		return true
	}
	*idle = 0

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := s.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Errorf("delivery %s: row gone, dropping timer", deliveryID)
			return false
		}
		// Transient load error: skip this tick.
		logger.Errorf("delivery %s: load: %v", deliveryID, err)
		return true
	}
	if d.Status == model.DeliveryStatusDelivered {
		return false
	}

	if d.CurrentIndex < len(d.Route)-1 {
		d.CurrentIndex++
	}
	if len(d.Route) == 0 || d.Arrived() {
		d.Status = model.DeliveryStatusDelivered
	} else {
		d.Status = model.DeliveryStatusOnRoute
	}

	if err := s.deliveries.UpdateProgress(ctx, d); err != nil {
		// Skip the tick; the cursor stays where the store last saw it.
		logger.Errorf("delivery %s: persist progress: %v", deliveryID, err)
		return true
	}

	s.caster.Broadcast(room, string(ws.EventDeliveryUpdate), snapshot(d))

	if d.Status != model.DeliveryStatusDelivered {
		return true
	}

	if err := s.orders.UpdateStatus(ctx, d.OrderID, model.OrderStatusDelivered); err != nil {
		logger.Errorf("delivery %s: mark order %s delivered: %v", deliveryID, d.OrderID, err)
	}
	orderRoom := ws.OrderRoom(d.OrderID)
	if s.caster.RoomOccupied(orderRoom) {
		s.caster.Broadcast(orderRoom, string(ws.EventOrderUpdate),
			OrderUpdatePayload{OrderID: d.OrderID, Status: model.OrderStatusDelivered})
	}
	logger.Infof("delivery %s: arrived, order %s delivered", deliveryID, d.OrderID)
	return false
}

func snapshot(d *model.Delivery) DeliveryUpdatePayload {
	return DeliveryUpdatePayload{
		DeliveryID:      d.ID,
		OrderID:         d.OrderID,
		Status:          d.Status,
		CurrentIndex:    d.CurrentIndex,
		CurrentLocation: d.CurrentLocation(),
		Route:           d.Route,
		ETA:             d.ETA,
	}
}
