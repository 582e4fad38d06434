package model

import "time"

// Role identifies which side of a chat a participant is on. Every chat has
// exactly two participants: the customer and the store owner.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOwner    Role = "owner"
)

// Other returns the opposite side of the chat.
func (r Role) Other() Role {
	if r == RoleCustomer {
		return RoleOwner
	}
	return RoleCustomer
}

// Chat is a customer↔store conversation. Participant ids and display
// snapshots are denormalized onto the row so list and broadcast paths never
// join; snapshots are reconciled from the canonical store/user rows when a
// legacy row is missing them (see repository.HealSnapshots).
type Chat struct {
	ID         string `json:"id"`
	StoreID    string `json:"store_id"`
	CustomerID string `json:"customer_id"`
	OwnerID    string `json:"owner_id"`

	// Display snapshots.
	StoreName      string `json:"store_name"`
	StoreAvatar    string `json:"store_avatar"`
	CustomerName   string `json:"customer_name"`
	CustomerAvatar string `json:"customer_avatar"`

	// Last-message projection.
	LastMessageText   string     `json:"last_message_text"`
	LastMessageSender string     `json:"last_message_sender"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`

	// Per-role unread counters. Only the sender's action (+1 to the other
	// side) and the reader's action (reset to 0) ever move these.
	CustomerUnread int `json:"customer_unread"`
	OwnerUnread    int `json:"owner_unread"`

	CustomerLastReadAt *time.Time `json:"customer_last_read_at,omitempty"`
	OwnerLastReadAt    *time.Time `json:"owner_last_read_at,omitempty"`

	// Soft-delete markers, one per side. A chat is never hard-removed.
	CustomerDeleted bool `json:"-"`
	OwnerDeleted    bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// RoleOf returns the role userID plays in the chat, or false if the user is
// not a participant.
func (c *Chat) RoleOf(userID string) (Role, bool) {
	switch userID {
	case c.CustomerID:
		return RoleCustomer, true
	case c.OwnerID:
		return RoleOwner, true
	}
	return "", false
}

// ParticipantID returns the user id holding the given role.
func (c *Chat) ParticipantID(r Role) string {
	if r == RoleCustomer {
		return c.CustomerID
	}
	return c.OwnerID
}

// UnreadFor returns the unread counter for the given role.
func (c *Chat) UnreadFor(r Role) int {
	if r == RoleCustomer {
		return c.CustomerUnread
	}
	return c.OwnerUnread
}
