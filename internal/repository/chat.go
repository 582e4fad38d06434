package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/model"
)

const chatColumns = `id, store_id, customer_id, owner_id,
	store_name, store_avatar, customer_name, customer_avatar,
	last_message_text, last_message_sender, last_message_at,
	customer_unread, owner_unread, customer_last_read_at, owner_last_read_at,
	customer_deleted, owner_deleted, created_at`

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func scanChat(row pgx.Row) (*model.Chat, error) {
	c := &model.Chat{}
	err := row.Scan(
		&c.ID, &c.StoreID, &c.CustomerID, &c.OwnerID,
		&c.StoreName, &c.StoreAvatar, &c.CustomerName, &c.CustomerAvatar,
		&c.LastMessageText, &c.LastMessageSender, &c.LastMessageAt,
		&c.CustomerUnread, &c.OwnerUnread, &c.CustomerLastReadAt, &c.OwnerLastReadAt,
		&c.CustomerDeleted, &c.OwnerDeleted, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ChatRepository) Create(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chats (id, store_id, customer_id, owner_id,
		    store_name, store_avatar, customer_name, customer_avatar, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.StoreID, c.CustomerID, c.OwnerID,
		c.StoreName, c.StoreAvatar, c.CustomerName, c.CustomerAvatar, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c, err := scanChat(r.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1`, id,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, err
}

// FindByStoreCustomer returns the chat between a customer and a store,
// whether or not either side has soft-deleted it.
func (r *ChatRepository) FindByStoreCustomer(ctx context.Context, storeID, customerID string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindByStoreCustomer", time.Now())()
	c, err := scanChat(r.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE store_id = $1 AND customer_id = $2`,
		storeID, customerID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("chatRepo.FindByStoreCustomer: %w", err)
	}
	return c, err
}

// isUniqueViolation reports whether err wraps a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetOrCreate returns the chat between customer and store, creating it lazily
// on first contact with display snapshots taken from the canonical rows.
// Two concurrent first contacts both miss the lookup and both insert; the
// loser hits UNIQUE (store_id, customer_id) and re-fetches the winner's row.
func (r *ChatRepository) GetOrCreate(ctx context.Context, store *model.Store, customer *model.User) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.GetOrCreate", time.Now())()
	c, err := r.FindByStoreCustomer(ctx, store.ID, customer.ID)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	c = &model.Chat{
		ID:             uuid.New().String(),
		StoreID:        store.ID,
		CustomerID:     customer.ID,
		OwnerID:        store.OwnerID,
		StoreName:      store.Name,
		StoreAvatar:    store.AvatarURL,
		CustomerName:   customer.Name,
		CustomerAvatar: customer.AvatarURL,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.Create(ctx, c); err != nil {
		if isUniqueViolation(err) {
			existing, ferr := r.FindByStoreCustomer(ctx, store.ID, customer.ID)
			if ferr != nil {
				return nil, false, fmt.Errorf("chatRepo.GetOrCreate refetch: %w", ferr)
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

// ListForUser returns the user's chats (either side), newest activity first,
// excluding chats the user has soft-deleted.
func (r *ChatRepository) ListForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+chatColumns+` FROM chats
		 WHERE (customer_id = $1 AND NOT customer_deleted)
		    OR (owner_id = $1 AND NOT owner_deleted)
		 ORDER BY COALESCE(last_message_at, created_at) DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("chatRepo.ListForUser scan: %w", err)
		}
		chats = append(chats, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser rows: %w", err)
	}
	return chats, nil
}

// ChatIDsForUser returns ids of every chat the user participates in,
// regardless of soft-delete state (used for room auto-subscription).
func (r *ChatRepository) ChatIDsForUser(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.ChatIDsForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM chats WHERE customer_id = $1 OR owner_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ChatIDsForUser query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.ChatIDsForUser scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ChatIDsForUser rows: %w", err)
	}
	return ids, nil
}

// RecordMessage updates the last-message projection and bumps the recipient
// role's unread counter in one statement, so a concurrent send can never lose
// an increment. Returns the updated chat row.
func (r *ChatRepository) RecordMessage(ctx context.Context, chatID, senderID, text string, at time.Time, recipient model.Role) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.RecordMessage", time.Now())()
	col := "owner_unread"
	if recipient == model.RoleCustomer {
		col = "customer_unread"
	}
	c, err := scanChat(r.pool.QueryRow(ctx,
		`UPDATE chats SET
		    last_message_text = $1, last_message_sender = $2, last_message_at = $3,
		    `+col+` = `+col+` + 1
		 WHERE id = $4
		 RETURNING `+chatColumns, text, senderID, at, chatID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("chatRepo.RecordMessage: %w", err)
	}
	return c, err
}

// MarkRead zeroes the reader role's unread counter and stamps their last-read
// time. Idempotent: marking an already-read chat is a no-op beyond the stamp.
func (r *ChatRepository) MarkRead(ctx context.Context, chatID string, reader model.Role, at time.Time) error {
	defer logger.DeferLogDuration("chat.MarkRead", time.Now())()
	var stmt string
	if reader == model.RoleCustomer {
		stmt = `UPDATE chats SET customer_unread = 0, customer_last_read_at = $1 WHERE id = $2`
	} else {
		stmt = `UPDATE chats SET owner_unread = 0, owner_last_read_at = $1 WHERE id = $2`
	}
	tag, err := r.pool.Exec(ctx, stmt, at, chatID)
	if err != nil {
		return fmt.Errorf("chatRepo.MarkRead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TotalUnread aggregates the user's unread counters across every chat where
// they participate (counting each chat once under the role they hold in it).
func (r *ChatRepository) TotalUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.TotalUnread", time.Now())()
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE
		    WHEN customer_id = $1 THEN customer_unread
		    ELSE owner_unread
		 END), 0)
		 FROM chats
		 WHERE (customer_id = $1 AND NOT customer_deleted)
		    OR (owner_id = $1 AND NOT owner_deleted)`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("chatRepo.TotalUnread: %w", err)
	}
	return total, nil
}

// SetDeleted soft-deletes the chat for one side. The row is never removed.
func (r *ChatRepository) SetDeleted(ctx context.Context, chatID string, role model.Role) error {
	defer logger.DeferLogDuration("chat.SetDeleted", time.Now())()
	var stmt string
	if role == model.RoleCustomer {
		stmt = `UPDATE chats SET customer_deleted = TRUE WHERE id = $1`
	} else {
		stmt = `UPDATE chats SET owner_deleted = TRUE WHERE id = $1`
	}
	tag, err := r.pool.Exec(ctx, stmt, chatID)
	if err != nil {
		return fmt.Errorf("chatRepo.SetDeleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// fillChatSnapshots copies missing display snapshots onto the chat from the
// canonical rows. A nil canonical row leaves the snapshot empty. Nothing is
// persisted: the reconciled view exists only for the read that asked for it.
func fillChatSnapshots(c *model.Chat, store *model.Store, customer *model.User) {
	if c.StoreName == "" && store != nil {
		c.StoreName, c.StoreAvatar = store.Name, store.AvatarURL
	}
	if c.CustomerName == "" && customer != nil {
		c.CustomerName, c.CustomerAvatar = customer.Name, customer.AvatarURL
	}
}

// HealSnapshots reconciles missing display snapshots on a legacy chat row from
// the canonical store and user rows. The reconciled view is returned without
// being written back; the read path stays pure.
func (r *ChatRepository) HealSnapshots(ctx context.Context, c *model.Chat) error {
	if c.StoreName != "" && c.CustomerName != "" {
		return nil
	}
	defer logger.DeferLogDuration("chat.HealSnapshots", time.Now())()
	var store *model.Store
	if c.StoreName == "" {
		s := &model.Store{}
		err := r.pool.QueryRow(ctx,
			`SELECT name, avatar_url FROM stores WHERE id = $1`, c.StoreID,
		).Scan(&s.Name, &s.AvatarURL)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("chatRepo.HealSnapshots store: %w", err)
		}
		if err == nil {
			store = s
		}
	}
	var customer *model.User
	if c.CustomerName == "" {
		u := &model.User{}
		err := r.pool.QueryRow(ctx,
			`SELECT name, avatar_url FROM users WHERE id = $1`, c.CustomerID,
		).Scan(&u.Name, &u.AvatarURL)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("chatRepo.HealSnapshots customer: %w", err)
		}
		if err == nil {
			customer = u
		}
	}
	fillChatSnapshots(c, store, customer)
	return nil
}
