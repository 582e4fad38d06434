package ws

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketlive/internal/model"
	"github.com/marketlive/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeChatStore struct {
	mu    sync.Mutex
	chats map[string]*model.Chat
}

func newFakeChatStore(chats ...*model.Chat) *fakeChatStore {
	f := &fakeChatStore{chats: make(map[string]*model.Chat)}
	for _, c := range chats {
		f.chats[c.ID] = c
	}
	return f
}

func (f *fakeChatStore) GetByID(_ context.Context, id string) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeChatStore) ChatIDsForUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, c := range f.chats {
		if c.CustomerID == userID || c.OwnerID == userID {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (f *fakeChatStore) RecordMessage(_ context.Context, chatID, senderID, text string, at time.Time, recipient model.Role) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if recipient == model.RoleCustomer {
		c.CustomerUnread++
	} else {
		c.OwnerUnread++
	}
	c.LastMessageText = text
	c.LastMessageSender = senderID
	c.LastMessageAt = &at
	cp := *c
	return &cp, nil
}

func (f *fakeChatStore) MarkRead(_ context.Context, chatID string, reader model.Role, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return repository.ErrNotFound
	}
	if reader == model.RoleCustomer {
		c.CustomerUnread = 0
		c.CustomerLastReadAt = &at
	} else {
		c.OwnerUnread = 0
		c.OwnerLastReadAt = &at
	}
	return nil
}

func (f *fakeChatStore) TotalUnread(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, c := range f.chats {
		if c.CustomerID == userID {
			total += c.CustomerUnread
		}
		if c.OwnerID == userID {
			total += c.OwnerUnread
		}
	}
	return total, nil
}

func (f *fakeChatStore) unread(chatID string, role model.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[chatID].UnreadFor(role)
}

type fakeMessageStore struct {
	mu       sync.Mutex
	messages []model.Message
}

func (f *fakeMessageStore) Create(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeMessageStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeUserStore struct {
	mu     sync.Mutex
	online map[string]bool
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{online: make(map[string]bool)}
}

func (f *fakeUserStore) SetOnline(_ context.Context, id string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[id] = online
	return nil
}

type fakeStarter struct {
	mu     sync.Mutex
	orders []string
	err    error
}

func (f *fakeStarter) StartForOrder(_ context.Context, orderID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.orders = append(f.orders, orderID)
	return nil
}

type panicStarter struct{}

func (panicStarter) StartForOrder(_ context.Context, _, _ string) error {
	panic("boom")
}

// --- helpers ---

func testChat() *model.Chat {
	return &model.Chat{
		ID:           "chat-1",
		StoreID:      "store-1",
		CustomerID:   "alice",
		OwnerID:      "bob",
		StoreName:    "Bob's Plants",
		CustomerName: "Alice",
		CreatedAt:    time.Now().UTC(),
	}
}

func newTestHub(chats ChatStore, messages MessageStore) *Hub {
	return NewHub(chats, messages, newFakeUserStore(), 100, 64, nil)
}

// connect registers a connection directly (the Run loop is not needed when
// the test drives addClient/removeClient itself).
func connect(h *Hub, userID string) *Client {
	c := NewClient(h, nil, userID)
	h.addClient(c)
	return c
}

// drain empties the client's send buffer and returns everything it held.
func drain(c *Client) []OutgoingMessage {
	var out []OutgoingMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func eventsOfType(msgs []OutgoingMessage, et EventType) []OutgoingMessage {
	var out []OutgoingMessage
	for _, m := range msgs {
		if m.Type == et {
			out = append(out, m)
		}
	}
	return out
}

// --- tests ---

func TestConnectDeliversUnreadCountAndJoinsRooms(t *testing.T) {
	chat := testChat()
	chat.CustomerUnread = 2
	store := newFakeChatStore(chat)
	h := newTestHub(store, &fakeMessageStore{})

	alice := connect(h, "alice")

	msgs := drain(alice)
	counts := eventsOfType(msgs, EventUnreadCount)
	require.Len(t, counts, 1)
	assert.Equal(t, UnreadCountPayload{Count: 2}, counts[0].Payload)
	assert.True(t, h.RoomOccupied(ChatRoom("chat-1")))
}

func TestSendMessageIncrementsRecipientOnly(t *testing.T) {
	store := newFakeChatStore(testChat())
	messages := &fakeMessageStore{}
	h := newTestHub(store, messages)

	alice := connect(h, "alice")
	bob := connect(h, "bob")
	drain(alice)
	drain(bob)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventSendMessage, ChatID: "chat-1", Text: "hola",
	})

	assert.Equal(t, 1, messages.count())
	assert.Equal(t, 1, store.unread("chat-1", model.RoleOwner))
	assert.Equal(t, 0, store.unread("chat-1", model.RoleCustomer))

	bobMsgs := drain(bob)
	require.Len(t, eventsOfType(bobMsgs, EventNewMessage), 1)
	counts := eventsOfType(bobMsgs, EventUnreadCount)
	require.Len(t, counts, 1)
	assert.Equal(t, UnreadCountPayload{Count: 1}, counts[0].Payload)

	// Sender sees the message in the room but gets no unread bump.
	aliceMsgs := drain(alice)
	require.Len(t, eventsOfType(aliceMsgs, EventNewMessage), 1)
	assert.Empty(t, eventsOfType(aliceMsgs, EventUnreadCount))
}

func TestSendMessageWhitespaceRejected(t *testing.T) {
	store := newFakeChatStore(testChat())
	messages := &fakeMessageStore{}
	h := newTestHub(store, messages)

	alice := connect(h, "alice")
	drain(alice)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventSendMessage, ChatID: "chat-1", Text: "   \n\t ",
	})

	assert.Equal(t, 0, messages.count())
	assert.Equal(t, 0, store.unread("chat-1", model.RoleOwner))
	errs := eventsOfType(drain(alice), EventError)
	require.Len(t, errs, 1)
}

func TestSendMessageNonParticipantRejected(t *testing.T) {
	store := newFakeChatStore(testChat())
	messages := &fakeMessageStore{}
	h := newTestHub(store, messages)

	mallory := connect(h, "mallory")
	drain(mallory)

	h.HandleMessage(context.Background(), mallory, IncomingMessage{
		Type: EventSendMessage, ChatID: "chat-1", Text: "hi",
	})

	assert.Equal(t, 0, messages.count())
	errs := eventsOfType(drain(mallory), EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorPayload{Message: "not a participant"}, errs[0].Payload)
}

func TestSendMessageAnonymousRejected(t *testing.T) {
	store := newFakeChatStore(testChat())
	messages := &fakeMessageStore{}
	h := newTestHub(store, messages)

	anon := connect(h, "")
	drain(anon)

	h.HandleMessage(context.Background(), anon, IncomingMessage{
		Type: EventSendMessage, ChatID: "chat-1", Text: "hi",
	})

	assert.Equal(t, 0, messages.count())
	errs := eventsOfType(drain(anon), EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorPayload{Message: "authentication required"}, errs[0].Payload)
}

func TestMarkAsReadResetsCounterAndBroadcastsReceipt(t *testing.T) {
	chat := testChat()
	chat.OwnerUnread = 3
	store := newFakeChatStore(chat)
	h := newTestHub(store, &fakeMessageStore{})

	alice := connect(h, "alice")
	bob := connect(h, "bob")
	drain(alice)
	drain(bob)

	h.HandleMessage(context.Background(), bob, IncomingMessage{
		Type: EventMarkAsRead, ChatID: "chat-1",
	})

	assert.Equal(t, 0, store.unread("chat-1", model.RoleOwner))

	receipts := eventsOfType(drain(alice), EventMessagesRead)
	require.Len(t, receipts, 1)
	payload, ok := receipts[0].Payload.(MessagesReadPayload)
	require.True(t, ok)
	assert.Equal(t, "chat-1", payload.ChatID)
	assert.Equal(t, "bob", payload.UserID)

	counts := eventsOfType(drain(bob), EventUnreadCount)
	require.NotEmpty(t, counts)
	assert.Equal(t, UnreadCountPayload{Count: 0}, counts[len(counts)-1].Payload)
}

func TestAlternatingMessagesKeepCountersPerRole(t *testing.T) {
	store := newFakeChatStore(testChat())
	h := newTestHub(store, &fakeMessageStore{})

	alice := connect(h, "alice")
	bob := connect(h, "bob")

	send := func(c *Client, text string) {
		h.HandleMessage(context.Background(), c, IncomingMessage{
			Type: EventSendMessage, ChatID: "chat-1", Text: text,
		})
	}
	send(alice, "first")
	send(bob, "second")
	send(alice, "third")

	assert.Equal(t, 2, store.unread("chat-1", model.RoleOwner))
	assert.Equal(t, 1, store.unread("chat-1", model.RoleCustomer))
}

func TestTypingRelayedToCounterpartOnly(t *testing.T) {
	store := newFakeChatStore(testChat())
	h := newTestHub(store, &fakeMessageStore{})

	alice := connect(h, "alice")
	bob := connect(h, "bob")
	drain(alice)
	drain(bob)

	h.HandleMessage(context.Background(), alice, IncomingMessage{Type: EventTyping, ChatID: "chat-1"})

	typing := eventsOfType(drain(bob), EventUserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, TypingPayload{ChatID: "chat-1", UserID: "alice"}, typing[0].Payload)
	assert.Empty(t, eventsOfType(drain(alice), EventUserTyping))
}

func TestProductViewersCountWithOwnerExcluded(t *testing.T) {
	h := newTestHub(newFakeChatStore(), &fakeMessageStore{})

	tab1 := connect(h, "viewer")
	tab2 := connect(h, "viewer")
	anon := connect(h, "")
	owner := connect(h, "owner")

	join := func(c *Client) {
		h.HandleMessage(context.Background(), c, IncomingMessage{
			Type: EventJoinProduct, ProductID: "prod-1", StoreOwnerID: "owner",
		})
	}
	join(tab1)
	join(tab2)
	join(anon)
	drain(tab1)
	drain(tab2)
	drain(anon)

	// Two tabs of one user plus one anonymous viewer: count 2.
	join(owner)
	ownerMsgs := eventsOfType(drain(owner), EventProductViewers)
	require.Len(t, ownerMsgs, 1)
	assert.Equal(t, ProductViewersPayload{ProductID: "prod-1", Count: 2}, ownerMsgs[0].Payload)

	// Dropping one of the viewer's tabs does not change the count.
	h.removeClient(tab1)
	assert.Empty(t, eventsOfType(drain(owner), EventProductViewers))

	// Dropping the last one does.
	h.removeClient(tab2)
	updates := eventsOfType(drain(owner), EventProductViewers)
	require.Len(t, updates, 1)
	assert.Equal(t, ProductViewersPayload{ProductID: "prod-1", Count: 1}, updates[0].Payload)
}

func TestDisconnectLeavesNoState(t *testing.T) {
	store := newFakeChatStore(testChat())
	h := newTestHub(store, &fakeMessageStore{})

	alice := connect(h, "alice")
	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventJoinProduct, ProductID: "prod-1",
	})
	h.removeClient(alice)

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Empty(t, h.clients)
	assert.Empty(t, h.anonymous)
	assert.Empty(t, h.rooms)
	assert.Empty(t, h.clientRooms)
	assert.Equal(t, 0, h.total)
	assert.Equal(t, 0, h.presence.Count("prod-1"))
}

func TestPresenceCheckReportsOnlineUsers(t *testing.T) {
	h := newTestHub(newFakeChatStore(), &fakeMessageStore{})

	alice := connect(h, "alice")
	drain(alice)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type: EventPresenceCheck, UserIDs: []string{"alice", "ghost"},
	})

	statuses := eventsOfType(drain(alice), EventPresenceStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, map[string]bool{"alice": true, "ghost": false}, statuses[0].Payload)
}

func TestStartShippingDelegatesAndRequiresAuth(t *testing.T) {
	h := newTestHub(newFakeChatStore(), &fakeMessageStore{})
	starter := &fakeStarter{}
	h.SetShippingStarter(starter)

	anon := connect(h, "")
	drain(anon)
	h.HandleMessage(context.Background(), anon, IncomingMessage{
		Type: EventStartShipping, OrderID: "order-1",
	})
	errs := eventsOfType(drain(anon), EventError)
	require.Len(t, errs, 1)
	assert.Empty(t, starter.orders)

	owner := connect(h, "owner")
	drain(owner)
	h.HandleMessage(context.Background(), owner, IncomingMessage{
		Type: EventStartShipping, OrderID: "order-1",
	})
	assert.Empty(t, eventsOfType(drain(owner), EventError))
	require.Len(t, starter.orders, 1)
	assert.Equal(t, "order-1", starter.orders[0])
}

func TestHandlerPanicIsRecoveredAndReported(t *testing.T) {
	h := newTestHub(newFakeChatStore(), &fakeMessageStore{})
	h.SetShippingStarter(panicStarter{})

	owner := connect(h, "owner")
	drain(owner)

	require.NotPanics(t, func() {
		owner.handleMessage(context.Background(), IncomingMessage{
			Type: EventStartShipping, OrderID: "order-1",
		})
	})

	errs := eventsOfType(drain(owner), EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorPayload{Message: "internal error"}, errs[0].Payload)
}

func TestUnknownEventTypeReturnsError(t *testing.T) {
	h := newTestHub(newFakeChatStore(), &fakeMessageStore{})
	c := connect(h, "alice")
	drain(c)

	h.HandleMessage(context.Background(), c, IncomingMessage{Type: "dance"})

	errs := eventsOfType(drain(c), EventError)
	require.Len(t, errs, 1)
	payload, ok := errs[0].Payload.(ErrorPayload)
	require.True(t, ok)
	assert.True(t, strings.Contains(payload.Message, "unknown"))
}
