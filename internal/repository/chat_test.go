package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/marketlive/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "chats_store_id_customer_id_key"}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("chatRepo.Create: %w", dup)))

	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
	assert.False(t, isUniqueViolation(nil))
}

func TestFillChatSnapshotsFromCanonicalRows(t *testing.T) {
	c := &model.Chat{ID: "chat-1", StoreID: "store-1", CustomerID: "alice"}
	store := &model.Store{ID: "store-1", Name: "Bob's Plants", AvatarURL: "https://cdn/store.png"}
	customer := &model.User{ID: "alice", Name: "Alice", AvatarURL: "https://cdn/alice.png"}

	fillChatSnapshots(c, store, customer)

	assert.Equal(t, "Bob's Plants", c.StoreName)
	assert.Equal(t, "https://cdn/store.png", c.StoreAvatar)
	assert.Equal(t, "Alice", c.CustomerName)
	assert.Equal(t, "https://cdn/alice.png", c.CustomerAvatar)
}

func TestFillChatSnapshotsKeepsExistingValues(t *testing.T) {
	c := &model.Chat{
		StoreName:      "Original Store",
		StoreAvatar:    "https://cdn/original.png",
		CustomerName:   "Original Customer",
		CustomerAvatar: "https://cdn/customer.png",
	}

	fillChatSnapshots(c,
		&model.Store{Name: "Renamed Store", AvatarURL: "https://cdn/new.png"},
		&model.User{Name: "Renamed Customer"},
	)

	assert.Equal(t, "Original Store", c.StoreName)
	assert.Equal(t, "https://cdn/original.png", c.StoreAvatar)
	assert.Equal(t, "Original Customer", c.CustomerName)
	assert.Equal(t, "https://cdn/customer.png", c.CustomerAvatar)
}

func TestFillChatSnapshotsNilCanonicalRows(t *testing.T) {
	c := &model.Chat{ID: "chat-1"}
	require.NotPanics(t, func() { fillChatSnapshots(c, nil, nil) })
	assert.Empty(t, c.StoreName)
	assert.Empty(t, c.CustomerName)
}
