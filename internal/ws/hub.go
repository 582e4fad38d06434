package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/model"
	"github.com/marketlive/internal/repository"
)

// Room name builders. Everything broadcast-shaped goes through a room:
// chats, product pages, order status feeds and live delivery maps.
func ChatRoom(chatID string) string         { return "chat:" + chatID }
func ProductRoom(productID string) string   { return "product:" + productID }
func OrderRoom(orderID string) string       { return "order:" + orderID }
func DeliveryRoom(deliveryID string) string { return "delivery:" + deliveryID }

// ChatStore is the chat persistence the hub needs. *repository.ChatRepository
// implements it; tests substitute an in-memory fake.
type ChatStore interface {
	GetByID(ctx context.Context, id string) (*model.Chat, error)
	ChatIDsForUser(ctx context.Context, userID string) ([]string, error)
	RecordMessage(ctx context.Context, chatID, senderID, text string, at time.Time, recipient model.Role) (*model.Chat, error)
	MarkRead(ctx context.Context, chatID string, reader model.Role, at time.Time) error
	TotalUnread(ctx context.Context, userID string) (int, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
}

// UserStore flips the persisted online flag.
type UserStore interface {
	SetOnline(ctx context.Context, id string, online bool) error
}

// PushNotifier sends push notifications. With nil, no pushes are sent.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// ShippingStarter begins the delivery simulation for an order.
// *delivery.Scheduler implements it.
type ShippingStarter interface {
	StartForOrder(ctx context.Context, orderID, requestedBy string) error
}

type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{}
	anonymous map[*Client]struct{}
	// rooms maps room name -> subscribed connections; clientRooms is the
	// reverse index used for disconnect cleanup.
	rooms       map[string]map[*Client]struct{}
	clientRooms map[*Client]map[string]struct{}
	total       int
	maxConns    int
	sendBuf     int

	presence *PresenceTracker

	chats    ChatStore
	messages MessageStore
	users    UserStore
	push     PushNotifier
	shipping ShippingStarter

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(chats ChatStore, messages MessageStore, users UserStore, maxConns, sendBufSize int, push PushNotifier) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if sendBufSize <= 0 {
		sendBufSize = sendBufDefault
	}
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		anonymous:   make(map[*Client]struct{}),
		rooms:       make(map[string]map[*Client]struct{}),
		clientRooms: make(map[*Client]map[string]struct{}),
		maxConns:    maxConns,
		sendBuf:     sendBufSize,
		presence:    NewPresenceTracker(),
		chats:       chats,
		messages:    messages,
		users:       users,
		push:        push,
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		done:        make(chan struct{}),
	}
}

// SetShippingStarter wires the delivery scheduler in after construction (the
// scheduler broadcasts through the hub, so it is built second).
func (h *Hub) SetShippingStarter(s ShippingStarter) {
	h.shipping = s
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	for c := range h.anonymous {
		allClients = append(allClients, c)
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.anonymous = make(map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.clientRooms = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.tag())
		c.Close()
		return
	}
	firstConn := false
	if c.Anonymous() {
		h.anonymous[c] = struct{}{}
	} else {
		if _, ok := h.clients[c.userID]; !ok {
			h.clients[c.userID] = make(map[*Client]struct{})
			firstConn = true
		}
		h.clients[c.userID][c] = struct{}{}
	}
	h.total++
	h.mu.Unlock()

	if c.Anonymous() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if firstConn {
		if err := h.users.SetOnline(ctx, c.userID, true); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.userID, err)
		}
	}
	// Every authenticated connection lands in all of the user's chat rooms
	// and gets the total unread counter right away.
	h.joinChatRooms(ctx, c)
	h.sendTotalUnread(ctx, c.userID)
	if firstConn {
		h.broadcastUserStatus(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	found := false
	if c.Anonymous() {
		if _, ok := h.anonymous[c]; ok {
			delete(h.anonymous, c)
			found = true
		}
	} else if clients, ok := h.clients[c.userID]; ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			found = true
			if len(clients) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	if !found {
		h.mu.Unlock()
		return
	}
	h.total--
	lastConn := !c.Anonymous() && h.clients[c.userID] == nil
	// Unsubscribe from every room.
	for room := range h.clientRooms[c] {
		h.dropFromRoomLocked(c, room)
	}
	delete(h.clientRooms, c)
	h.mu.Unlock()

	// Pull the connection out of every product viewer set it was in and
	// tell the rooms about the new counts.
	for _, pc := range h.presence.Drop(c) {
		h.broadcastRoom(ProductRoom(pc.ProductID), OutgoingMessage{
			Type:    EventProductViewers,
			Payload: ProductViewersPayload{ProductID: pc.ProductID, Count: pc.Count},
		})
	}

	// Network I/O outside the lock.
	c.Close()

	if lastConn {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.users.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		h.broadcastUserStatus(c.userID, false)
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoinChats:
		h.handleJoinChats(ctx, c)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventTyping:
		h.handleTyping(ctx, c, msg, EventUserTyping)
	case EventStopTyping:
		h.handleTyping(ctx, c, msg, EventUserStopTyping)
	case EventMarkAsRead:
		h.handleMarkAsRead(ctx, c, msg)
	case EventJoinProduct:
		h.handleJoinProduct(c, msg)
	case EventLeaveProduct:
		h.handleLeaveProduct(c, msg)
	case EventJoinOrder:
		h.handleJoinRoom(c, OrderRoom(msg.OrderID), msg.OrderID)
	case EventJoinDelivery:
		h.handleJoinRoom(c, DeliveryRoom(msg.DeliveryID), msg.DeliveryID)
	case EventStartShipping:
		h.handleStartShipping(ctx, c, msg)
	case EventPresenceCheck:
		h.handlePresenceCheck(c, msg)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleJoinChats(ctx context.Context, c *Client) {
	if c.Anonymous() {
		h.sendError(c, "authentication required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.joinChatRooms(ctx, c)
	h.sendTotalUnread(ctx, c.userID)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if c.Anonymous() {
		h.sendError(c, "authentication required")
		return
	}
	text := strings.TrimSpace(msg.Text)
	if msg.ChatID == "" || text == "" {
		h.sendError(c, "chat_id and text required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	chat, err := h.chats.GetByID(ctx, msg.ChatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, "chat not found")
		} else {
			logger.Errorf("ws get chat %s: %v", msg.ChatID, err)
			h.sendError(c, "internal error")
		}
		return
	}
	role, ok := chat.RoleOf(c.userID)
	if !ok {
		h.sendError(c, "not a participant")
		return
	}
	recipient := role.Other()

	now := time.Now().UTC()
	m := &model.Message{
		ID:        uuid.New().String(),
		ChatID:    chat.ID,
		SenderID:  c.userID,
		Body:      text,
		CreatedAt: now,
	}
	if err := h.messages.Create(ctx, m); err != nil {
		logger.Errorf("ws save message chat=%s user=%s: %v", chat.ID, c.userID, err)
		h.sendError(c, "failed to save message")
		return
	}
	// One atomic statement bumps the recipient's counter and refreshes the
	// last-message projection, so counters survive concurrent senders.
	updated, err := h.chats.RecordMessage(ctx, chat.ID, c.userID, text, now, recipient)
	if err != nil {
		logger.Errorf("ws record message chat=%s: %v", chat.ID, err)
		h.sendError(c, "internal error")
		return
	}

	h.broadcastRoom(ChatRoom(chat.ID), OutgoingMessage{
		Type:    EventNewMessage,
		Payload: NewMessagePayload{ChatID: chat.ID, Message: m},
	})

	recipientID := updated.ParticipantID(recipient)
	h.sendTotalUnread(ctx, recipientID)

	if h.push != nil && !h.IsOnline(recipientID) {
		title := updated.StoreName
		if role == model.RoleCustomer {
			title = updated.CustomerName
		}
		if title == "" {
			title = "New message"
		}
		body := text
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		go h.push.Notify(context.Background(), recipientID, title, body,
			map[string]string{"chat_id": chat.ID, "message_id": m.ID})
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, msg IncomingMessage, out EventType) {
	if c.Anonymous() || msg.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	chat, err := h.chats.GetByID(ctx, msg.ChatID)
	if err != nil {
		return
	}
	if _, ok := chat.RoleOf(c.userID); !ok {
		return
	}
	h.broadcastRoomExcept(ChatRoom(chat.ID), c, OutgoingMessage{
		Type:    out,
		Payload: TypingPayload{ChatID: chat.ID, UserID: c.userID},
	})
}

func (h *Hub) handleMarkAsRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if c.Anonymous() {
		h.sendError(c, "authentication required")
		return
	}
	if msg.ChatID == "" {
		h.sendError(c, "chat_id required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	chat, err := h.chats.GetByID(ctx, msg.ChatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, "chat not found")
		} else {
			logger.Errorf("ws get chat %s: %v", msg.ChatID, err)
			h.sendError(c, "internal error")
		}
		return
	}
	role, ok := chat.RoleOf(c.userID)
	if !ok {
		h.sendError(c, "not a participant")
		return
	}

	now := time.Now().UTC()
	if err := h.chats.MarkRead(ctx, chat.ID, role, now); err != nil {
		logger.Errorf("ws mark read chat=%s user=%s: %v", chat.ID, c.userID, err)
		return
	}
	h.broadcastRoom(ChatRoom(chat.ID), OutgoingMessage{
		Type:    EventMessagesRead,
		Payload: MessagesReadPayload{ChatID: chat.ID, UserID: c.userID, At: now},
	})
	h.sendTotalUnread(ctx, c.userID)
}

func (h *Hub) handleJoinProduct(c *Client, msg IncomingMessage) {
	if msg.ProductID == "" {
		h.sendError(c, "product_id required")
		return
	}
	room := ProductRoom(msg.ProductID)
	h.joinRoom(c, room)

	// The product's owner watches their own page without inflating the
	// viewer count.
	if !c.Anonymous() && c.userID == msg.StoreOwnerID {
		h.sendToClient(c, OutgoingMessage{
			Type:    EventProductViewers,
			Payload: ProductViewersPayload{ProductID: msg.ProductID, Count: h.presence.Count(msg.ProductID)},
		})
		return
	}

	count, changed := h.presence.Join(msg.ProductID, c)
	update := OutgoingMessage{
		Type:    EventProductViewers,
		Payload: ProductViewersPayload{ProductID: msg.ProductID, Count: count},
	}
	if changed {
		h.broadcastRoom(room, update)
	} else {
		h.sendToClient(c, update)
	}
}

func (h *Hub) handleLeaveProduct(c *Client, msg IncomingMessage) {
	if msg.ProductID == "" {
		return
	}
	count, changed := h.presence.Leave(msg.ProductID, c)
	h.leaveRoom(c, ProductRoom(msg.ProductID))
	if changed {
		h.broadcastRoom(ProductRoom(msg.ProductID), OutgoingMessage{
			Type:    EventProductViewers,
			Payload: ProductViewersPayload{ProductID: msg.ProductID, Count: count},
		})
	}
}

func (h *Hub) handleJoinRoom(c *Client, room, id string) {
	if c.Anonymous() {
		h.sendError(c, "authentication required")
		return
	}
	if id == "" {
		h.sendError(c, "id required")
		return
	}
	h.joinRoom(c, room)
}

func (h *Hub) handleStartShipping(ctx context.Context, c *Client, msg IncomingMessage) {
	if c.Anonymous() {
		h.sendError(c, "authentication required")
		return
	}
	if msg.OrderID == "" {
		h.sendError(c, "order_id required")
		return
	}
	if h.shipping == nil {
		h.sendError(c, "shipping unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.shipping.StartForOrder(ctx, msg.OrderID, c.userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, "order not found")
			return
		}
		logger.Errorf("ws start shipping order=%s user=%s: %v", msg.OrderID, c.userID, err)
		h.sendError(c, "could not start shipping")
	}
}

func (h *Hub) handlePresenceCheck(c *Client, msg IncomingMessage) {
	if len(msg.UserIDs) == 0 {
		return
	}
	ids := msg.UserIDs
	if len(ids) > 100 {
		ids = ids[:100]
	}
	status := make(map[string]bool, len(ids))
	h.mu.RLock()
	for _, id := range ids {
		_, online := h.clients[id]
		status[id] = online
	}
	h.mu.RUnlock()
	h.sendToClient(c, OutgoingMessage{Type: EventPresenceStatus, Payload: status})
}

// joinChatRooms subscribes the connection to every chat the user belongs to.
func (h *Hub) joinChatRooms(ctx context.Context, c *Client) {
	ids, err := h.chats.ChatIDsForUser(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws list chats user=%s: %v", c.userID, err)
		return
	}
	for _, id := range ids {
		h.joinRoom(c, ChatRoom(id))
	}
}

func (h *Hub) sendTotalUnread(ctx context.Context, userID string) {
	if !h.IsOnline(userID) {
		return
	}
	total, err := h.chats.TotalUnread(ctx, userID)
	if err != nil {
		logger.Errorf("ws total unread user=%s: %v", userID, err)
		return
	}
	h.sendToUser(userID, OutgoingMessage{Type: EventUnreadCount, Payload: UnreadCountPayload{Count: total}})
}

func (h *Hub) broadcastUserStatus(userID string, online bool) {
	evType := EventUserOffline
	if online {
		evType = EventUserOnline
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := h.chats.ChatIDsForUser(ctx, userID)
	if err != nil {
		logger.Errorf("ws get chats for status broadcast user=%s: %v", userID, err)
		return
	}
	out := OutgoingMessage{Type: evType, Payload: UserStatusPayload{UserID: userID}}
	for _, id := range ids {
		h.broadcastRoomExceptUser(ChatRoom(id), userID, out)
	}
}

// --- Rooms ---

func (h *Hub) joinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	joined, ok := h.clientRooms[c]
	if !ok {
		joined = make(map[string]struct{})
		h.clientRooms[c] = joined
	}
	joined[room] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropFromRoomLocked(c, room)
	if joined, ok := h.clientRooms[c]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.clientRooms, c)
		}
	}
}

func (h *Hub) dropFromRoomLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// SubscribeUser puts every live connection of the user into the room. Used
// when a chat is created while the user is already connected.
func (h *Hub) SubscribeUser(userID, room string) {
	h.mu.RLock()
	conns := make([]*Client, 0, 2)
	for c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.joinRoom(c, room)
	}
}

// RoomOccupied reports whether anyone is subscribed to the room. The delivery
// scheduler uses it to pause simulations nobody is watching.
func (h *Hub) RoomOccupied(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room]) > 0
}

// Broadcast wraps the payload in an OutgoingMessage and fans it out to the
// room. Exported for the delivery scheduler and HTTP handlers.
func (h *Hub) Broadcast(room string, event string, payload any) {
	h.broadcastRoom(room, OutgoingMessage{Type: EventType(event), Payload: payload})
}

func (h *Hub) broadcastRoom(room string, msg OutgoingMessage) {
	h.broadcastRoomExcept(room, nil, msg)
}

func (h *Hub) broadcastRoomExcept(room string, skip *Client, msg OutgoingMessage) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) broadcastRoomExceptUser(room, userID string, msg OutgoingMessage) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c.userID != userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// --- Direct sends ---

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	if userID == "" {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// NotifyUser sends an event to every connection of the user.
func (h *Hub) NotifyUser(userID string, event EventType, payload any) {
	h.sendToUser(userID, OutgoingMessage{Type: event, Payload: payload})
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.tag())
		c.Close()
	}
}

func (h *Hub) sendError(c *Client, message string) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: message}})
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
