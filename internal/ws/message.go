package ws

import (
	"time"

	"github.com/marketlive/internal/model"
)

type EventType string

// Client→server events.
const (
	EventJoinChats     EventType = "join_chats"
	EventSendMessage   EventType = "send_message"
	EventTyping        EventType = "typing"
	EventStopTyping    EventType = "stop_typing"
	EventMarkAsRead    EventType = "mark_as_read"
	EventJoinProduct   EventType = "join_product"
	EventLeaveProduct  EventType = "leave_product"
	EventJoinOrder     EventType = "join_order"
	EventJoinDelivery  EventType = "join_delivery"
	EventStartShipping EventType = "start_order_shipping"
	EventPresenceCheck EventType = "presence_check"
)

// Server→client events.
const (
	EventUserOnline     EventType = "user_online"
	EventUserOffline    EventType = "user_offline"
	EventUnreadCount    EventType = "unread_messages_count"
	EventNewMessage     EventType = "new_message"
	EventMessagesRead   EventType = "messages_read"
	EventUserTyping     EventType = "user_typing"
	EventUserStopTyping EventType = "user_stop_typing"
	EventProductViewers EventType = "product_viewers_update"
	EventOrderUpdate    EventType = "order_update"
	EventDeliveryUpdate EventType = "delivery_update"
	EventPresenceStatus EventType = "presence_status"
	EventJoinNewChat    EventType = "join_new_chat"
	EventError          EventType = "error"
)

// IncomingMessage is what the client sends to the server. Fields are
// validated per event type at the handler boundary.
type IncomingMessage struct {
	Type EventType `json:"type"`

	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text,omitempty"`

	ProductID    string `json:"product_id,omitempty"`
	StoreOwnerID string `json:"store_owner_id,omitempty"`

	OrderID    string `json:"order_id,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`

	UserIDs []string `json:"user_ids,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Typed payloads ---

// NewMessagePayload is broadcast to a chat room on send.
type NewMessagePayload struct {
	ChatID  string         `json:"chat_id"`
	Message *model.Message `json:"message"`
}

// MessagesReadPayload is the read receipt broadcast to a chat room.
type MessagesReadPayload struct {
	ChatID string    `json:"chat_id"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// TypingPayload is relayed for typing/stop-typing signals.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// UserStatusPayload accompanies user_online/user_offline.
type UserStatusPayload struct {
	UserID string `json:"user_id"`
}

// ProductViewersPayload carries the aggregate viewer count for a product.
type ProductViewersPayload struct {
	ProductID string `json:"product_id"`
	Count     int    `json:"count"`
}

// UnreadCountPayload carries the user's total unread count across all chats.
type UnreadCountPayload struct {
	Count int `json:"count"`
}

// JoinNewChatPayload tells a participant a chat was created for them.
type JoinNewChatPayload struct {
	ChatID string `json:"chat_id"`
}

// ErrorPayload is sent for rejected operations.
type ErrorPayload struct {
	Message string `json:"message"`
}
