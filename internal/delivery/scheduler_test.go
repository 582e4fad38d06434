package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketlive/internal/config"
	"github.com/marketlive/internal/model"
	"github.com/marketlive/internal/repository"
	"github.com/marketlive/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]*model.Delivery
	// cursors records every persisted cursor value, in order.
	cursors []int
}

func newFakeDeliveryStore(ds ...*model.Delivery) *fakeDeliveryStore {
	f := &fakeDeliveryStore{deliveries: make(map[string]*model.Delivery)}
	for _, d := range ds {
		cp := *d
		f.deliveries[d.ID] = &cp
	}
	return f
}

func (f *fakeDeliveryStore) GetByID(_ context.Context, id string) (*model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeliveryStore) GetByOrderID(_ context.Context, orderID string) (*model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deliveries {
		if d.OrderID == orderID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeliveryStore) UpdateProgress(_ context.Context, d *model.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.deliveries[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	// Same monotonic guard the SQL statement applies.
	if d.CurrentIndex > cur.CurrentIndex {
		cur.CurrentIndex = d.CurrentIndex
	}
	cur.Status = d.Status
	cur.StartedAt = d.StartedAt
	cur.ETA = d.ETA
	cur.UpdatedAt = time.Now().UTC()
	f.cursors = append(f.cursors, cur.CurrentIndex)
	return nil
}

func (f *fakeDeliveryStore) cursor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[id].CurrentIndex
}

func (f *fakeDeliveryStore) status(id string) model.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[id].Status
}

func (f *fakeDeliveryStore) cursorHistory() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.cursors))
	copy(out, f.cursors)
	return out
}

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*model.Order
}

func newFakeOrderStore(orders ...*model.Order) *fakeOrderStore {
	f := &fakeOrderStore{orders: make(map[string]*model.Order)}
	for _, o := range orders {
		f.orders[o.ID] = o
	}
	return f
}

func (f *fakeOrderStore) GetByID(_ context.Context, id string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) UpdateStatus(_ context.Context, id string, status model.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	o.Status = status
	return nil
}

func (f *fakeOrderStore) status(id string) model.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].Status
}

type fakeStoreStore struct {
	stores map[string]*model.Store
}

func (f *fakeStoreStore) GetByID(_ context.Context, id string) (*model.Store, error) {
	s, ok := f.stores[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

type broadcastEvent struct {
	room    string
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	occupied map[string]bool
	events   []broadcastEvent
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{occupied: make(map[string]bool)}
}

func (f *fakeBroadcaster) RoomOccupied(room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupied[room]
}

func (f *fakeBroadcaster) Broadcast(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, broadcastEvent{room: room, event: event, payload: payload})
}

func (f *fakeBroadcaster) setOccupied(room string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occupied[room] = v
}

func (f *fakeBroadcaster) eventsNamed(event string) []broadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastEvent
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// --- helpers ---

func testRoute(n int) []model.LatLng {
	route := make([]model.LatLng, n)
	for i := range route {
		route[i] = model.LatLng{Lat: float64(i), Lng: float64(i)}
	}
	return route
}

func testDelivery(points int) *model.Delivery {
	now := time.Now().UTC()
	return &model.Delivery{
		ID:        "d-1",
		OrderID:   "o-1",
		Route:     testRoute(points),
		Status:    model.DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{TickInterval: 5 * time.Millisecond, IdleTickLimit: 3}
}

func newTestScheduler(ds *fakeDeliveryStore, os *fakeOrderStore, b *fakeBroadcaster) *Scheduler {
	return NewScheduler(ds, os, &fakeStoreStore{stores: map[string]*model.Store{
		"s-1": {ID: "s-1", OwnerID: "owner"},
	}}, b, testConfig())
}

// --- tests ---

func TestSimulationRunsToDelivered(t *testing.T) {
	d := testDelivery(4)
	deliveries := newFakeDeliveryStore(d)
	orders := newFakeOrderStore(&model.Order{ID: "o-1", StoreID: "s-1", Status: model.OrderStatusShipped})
	caster := newFakeBroadcaster()
	caster.setOccupied(ws.DeliveryRoom("d-1"), true)
	caster.setOccupied(ws.OrderRoom("o-1"), true)

	s := newTestScheduler(deliveries, orders, caster)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), d))
	assert.True(t, s.Running("d-1"))

	require.Eventually(t, func() bool {
		return deliveries.status("d-1") == model.DeliveryStatusDelivered
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 3, deliveries.cursor("d-1"))
	require.Eventually(t, func() bool { return !s.Running("d-1") }, time.Second, 2*time.Millisecond)
	assert.Equal(t, model.OrderStatusDelivered, orders.status("o-1"))

	// The cursor only ever moved forward.
	history := deliveries.cursorHistory()
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1])
	}

	orderUpdates := caster.eventsNamed(string(ws.EventOrderUpdate))
	require.NotEmpty(t, orderUpdates)
	last, ok := orderUpdates[len(orderUpdates)-1].payload.(OrderUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusDelivered, last.Status)

	ticks := caster.eventsNamed(string(ws.EventDeliveryUpdate))
	assert.NotEmpty(t, ticks)
}

func TestSimulationPausesWhenNobodyWatches(t *testing.T) {
	d := testDelivery(50)
	deliveries := newFakeDeliveryStore(d)
	orders := newFakeOrderStore(&model.Order{ID: "o-1", StoreID: "s-1", Status: model.OrderStatusShipped})
	caster := newFakeBroadcaster() // nobody in any room

	s := newTestScheduler(deliveries, orders, caster)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), d))
	assert.True(t, s.Running("d-1"))

	// After the idle threshold the timer cancels itself without moving the
	// cursor.
	require.Eventually(t, func() bool { return !s.Running("d-1") }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, deliveries.cursor("d-1"))
	assert.Equal(t, model.DeliveryStatusOnRoute, deliveries.status("d-1"))
	assert.Empty(t, caster.eventsNamed(string(ws.EventDeliveryUpdate)))
}

func TestRestartResumesFromPersistedCursor(t *testing.T) {
	d := testDelivery(60)
	deliveries := newFakeDeliveryStore(d)
	orders := newFakeOrderStore(&model.Order{ID: "o-1", StoreID: "s-1", Status: model.OrderStatusShipped})
	caster := newFakeBroadcaster()
	room := ws.DeliveryRoom("d-1")
	caster.setOccupied(room, true)

	s := newTestScheduler(deliveries, orders, caster)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), d))
	require.Eventually(t, func() bool { return deliveries.cursor("d-1") >= 3 }, 2*time.Second, 2*time.Millisecond)

	// Viewer leaves; the simulation pauses at its current cursor.
	caster.setOccupied(room, false)
	require.Eventually(t, func() bool { return !s.Running("d-1") }, 2*time.Second, 2*time.Millisecond)
	paused := deliveries.cursor("d-1")
	assert.GreaterOrEqual(t, paused, 3)

	// Restart: the cursor continues from where it stopped.
	caster.setOccupied(room, true)
	resumed, err := deliveries.GetByID(context.Background(), "d-1")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), resumed))
	require.Eventually(t, func() bool { return deliveries.cursor("d-1") > paused }, 2*time.Second, 2*time.Millisecond)

	history := deliveries.cursorHistory()
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1])
	}
}

func TestStartIsIdempotent(t *testing.T) {
	d := testDelivery(50)
	deliveries := newFakeDeliveryStore(d)
	orders := newFakeOrderStore(&model.Order{ID: "o-1", StoreID: "s-1", Status: model.OrderStatusShipped})
	caster := newFakeBroadcaster()
	caster.setOccupied(ws.DeliveryRoom("d-1"), true)

	s := newTestScheduler(deliveries, orders, caster)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), d))
	first, err := deliveries.GetByID(context.Background(), "d-1")
	require.NoError(t, err)
	require.NotNil(t, first.ETA)

	// Second Start while running: no-op, the ETA does not move.
	again, err := deliveries.GetByID(context.Background(), "d-1")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), again))
	after, err := deliveries.GetByID(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, first.ETA, after.ETA)
	assert.True(t, s.Running("d-1"))
}

func TestDeliveredDeliveryDoesNotStart(t *testing.T) {
	d := testDelivery(4)
	d.Status = model.DeliveryStatusDelivered
	deliveries := newFakeDeliveryStore(d)
	orders := newFakeOrderStore(&model.Order{ID: "o-1", StoreID: "s-1", Status: model.OrderStatusDelivered})
	s := newTestScheduler(deliveries, orders, newFakeBroadcaster())
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), d))
	assert.False(t, s.Running("d-1"))
}

func TestStartForOrderAuthorization(t *testing.T) {
	d := testDelivery(5)
	deliveries := newFakeDeliveryStore(d)
	orders := newFakeOrderStore(&model.Order{ID: "o-1", StoreID: "s-1", CustomerID: "alice", Status: model.OrderStatusPending})
	caster := newFakeBroadcaster()

	s := newTestScheduler(deliveries, orders, caster)
	defer s.Close()

	err := s.StartForOrder(context.Background(), "o-1", "alice")
	require.ErrorIs(t, err, ErrNotAllowed)
	assert.False(t, s.Running("d-1"))
	assert.Equal(t, model.OrderStatusPending, orders.status("o-1"))

	require.NoError(t, s.StartForOrder(context.Background(), "o-1", "owner"))
	assert.True(t, s.Running("d-1"))
	assert.Equal(t, model.OrderStatusShipped, orders.status("o-1"))
}

func TestStartForOrderUnknownOrder(t *testing.T) {
	s := newTestScheduler(newFakeDeliveryStore(), newFakeOrderStore(), newFakeBroadcaster())
	defer s.Close()
	err := s.StartForOrder(context.Background(), "missing", "owner")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
