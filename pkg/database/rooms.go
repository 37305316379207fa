package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// Room is a shared chat room. Description and SystemPrompt are opaque
// encrypted payloads.
type Room struct {
	ID           int64
	Slug         string
	Name         string
	Description  string
	SystemPrompt string
	CreatedBy    int64
	CreatedAt    int64
}

// Conversation is a private assistant conversation owned by one user
type Conversation struct {
	ID           int64
	Slug         string
	UserID       int64
	Name         string
	SystemPrompt string
	CreatedAt    int64
}

// Message is an encrypted message in a room or a conversation
type Message struct {
	ID             string
	RoomID         *int64
	ConversationID *int64
	AuthorID       int64
	AuthorName     string
	Role           string
	ThreadID       int
	Model          string
	Completion     bool
	Ciphertext     string
	IV             string
	Tag            string
	CreatedAt      int64
	UpdatedAt      int64
}

// CreateRoom creates a room and makes creatorID its admin
func (db *DB) CreateRoom(slug, name string, creatorID int64) (*Room, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	result, err := tx.Exec(`
		INSERT INTO Room (slug, name, created_by, created_at) VALUES (?, ?, ?, ?)
	`, slug, name, creatorID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	roomID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get room ID: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO RoomMember (room_id, user_id, role, joined_at) VALUES (?, ?, 'admin', ?)
	`, roomID, creatorID, now); err != nil {
		return nil, fmt.Errorf("failed to add creator to room: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &Room{ID: roomID, Slug: slug, Name: name, CreatedBy: creatorID, CreatedAt: now}, nil
}

// GetRoomBySlug retrieves a room by slug
func (db *DB) GetRoomBySlug(slug string) (*Room, error) {
	var r Room
	err := db.conn.QueryRow(`
		SELECT id, slug, name, description, system_prompt, created_by, created_at
		FROM Room
		WHERE slug = ?
	`, slug).Scan(&r.ID, &r.Slug, &r.Name, &r.Description, &r.SystemPrompt, &r.CreatedBy, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// UpdateRoomInfo replaces the encrypted description and system prompt.
// Empty values leave the stored value unchanged.
func (db *DB) UpdateRoomInfo(roomID int64, description, systemPrompt string) error {
	_, err := db.writeConn.Exec(`
		UPDATE Room SET
			description = CASE WHEN ? = '' THEN description ELSE ? END,
			system_prompt = CASE WHEN ? = '' THEN system_prompt ELSE ? END
		WHERE id = ?
	`, description, description, systemPrompt, systemPrompt, roomID)
	return err
}

// GetMemberRole returns the user's role in the room or ErrNotMember
func (db *DB) GetMemberRole(roomID, userID int64) (string, error) {
	var role string
	err := db.conn.QueryRow(`
		SELECT role FROM RoomMember WHERE room_id = ? AND user_id = ?
	`, roomID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotMember
	}
	return role, err
}

// AddMember adds (or re-roles) a room member
func (db *DB) AddMember(roomID, userID int64, role string) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO RoomMember (room_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = excluded.role
	`, roomID, userID, role, nowMillis())
	return err
}

// RemoveMember removes the user from the room
func (db *DB) RemoveMember(roomID, userID int64) error {
	result, err := db.writeConn.Exec(`
		DELETE FROM RoomMember WHERE room_id = ? AND user_id = ?
	`, roomID, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

// CreateConversation creates a private conversation
func (db *DB) CreateConversation(slug string, userID int64, name, systemPrompt string) (*Conversation, error) {
	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO Conversation (slug, user_id, name, system_prompt, created_at) VALUES (?, ?, ?, ?, ?)
	`, slug, userID, name, systemPrompt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Conversation{ID: id, Slug: slug, UserID: userID, Name: name, SystemPrompt: systemPrompt, CreatedAt: now}, nil
}

// GetConversationBySlug retrieves a conversation by slug
func (db *DB) GetConversationBySlug(slug string) (*Conversation, error) {
	var c Conversation
	err := db.conn.QueryRow(`
		SELECT id, slug, user_id, name, system_prompt, created_at
		FROM Conversation
		WHERE slug = ?
	`, slug).Scan(&c.ID, &c.Slug, &c.UserID, &c.Name, &c.SystemPrompt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// PostMessage stores a new message. Exactly one of m.RoomID and
// m.ConversationID must be set.
func (db *DB) PostMessage(m *Message) error {
	if (m.RoomID == nil) == (m.ConversationID == nil) {
		return errors.New("message must belong to exactly one room or conversation")
	}
	now := nowMillis()
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := db.writeConn.Exec(`
		INSERT INTO Message (id, room_id, conversation_id, author_id, role, thread_id, model,
		                     completion, ciphertext, iv, tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.ConversationID, m.AuthorID, m.Role, m.ThreadID, m.Model,
		m.Completion, m.Ciphertext, m.IV, m.Tag, m.CreatedAt, m.UpdatedAt)
	return err
}

// UpdateMessage replaces the encrypted content of an existing message.
// Only the author may update human messages; assistant messages may be
// regenerated by any member who can post.
func (db *DB) UpdateMessage(m *Message) (*Message, error) {
	existing, err := db.GetMessage(m.ID)
	if err != nil {
		return nil, err
	}
	if !sameParent(existing, m) {
		return nil, ErrNotFound
	}
	if existing.Role != "assistant" && existing.AuthorID != m.AuthorID {
		return nil, ErrForbidden
	}

	now := nowMillis()
	if _, err := db.writeConn.Exec(`
		UPDATE Message SET ciphertext = ?, iv = ?, tag = ?, model = ?, thread_id = ?, completion = ?, updated_at = ?
		WHERE id = ?
	`, m.Ciphertext, m.IV, m.Tag, m.Model, m.ThreadID, m.Completion, now, m.ID); err != nil {
		return nil, err
	}

	existing.Ciphertext, existing.IV, existing.Tag = m.Ciphertext, m.IV, m.Tag
	existing.Completion = m.Completion
	existing.Model, existing.ThreadID, existing.UpdatedAt = m.Model, m.ThreadID, now
	return existing, nil
}

func sameParent(a, b *Message) bool {
	eq := func(x, y *int64) bool {
		if x == nil || y == nil {
			return x == y
		}
		return *x == *y
	}
	return eq(a.RoomID, b.RoomID) && eq(a.ConversationID, b.ConversationID)
}

const messageColumns = `m.id, m.room_id, m.conversation_id, m.author_id, u.username, m.role, m.thread_id,
	m.model, m.completion, m.ciphertext, m.iv, m.tag, m.created_at, m.updated_at`

// GetMessage retrieves one message
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.conn.QueryRow(`
		SELECT `+messageColumns+`
		FROM Message m
		JOIN User u ON u.id = m.author_id
		WHERE m.id = ?
	`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// ListRoomMessages returns a room's messages, oldest first
func (db *DB) ListRoomMessages(roomID int64) ([]*Message, error) {
	return db.listMessages(`m.room_id = ?`, roomID)
}

// ListConversationMessages returns a conversation's messages, oldest first
func (db *DB) ListConversationMessages(conversationID int64) ([]*Message, error) {
	return db.listMessages(`m.conversation_id = ?`, conversationID)
}

func (db *DB) listMessages(where string, arg int64) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT `+messageColumns+`
		FROM Message m
		JOIN User u ON u.id = m.author_id
		WHERE `+where+`
		ORDER BY m.created_at ASC, m.rowid ASC
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var (
		m              Message
		roomID, convID sql.NullInt64
	)
	if err := row.Scan(&m.ID, &roomID, &convID, &m.AuthorID, &m.AuthorName, &m.Role, &m.ThreadID,
		&m.Model, &m.Completion, &m.Ciphertext, &m.IV, &m.Tag, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if roomID.Valid {
		m.RoomID = &roomID.Int64
	}
	if convID.Valid {
		m.ConversationID = &convID.Int64
	}
	return &m, nil
}
