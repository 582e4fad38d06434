package model

import "time"

// Store is a seller's storefront. OwnerID is the user who answers chats and
// whose address is the delivery origin.
type Store struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}
