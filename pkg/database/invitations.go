package database

import (
	"fmt"
	"strings"
)

// Invitation carries a room key wrapped for one invitee. IV and Tag are
// "0" when EncryptedRoomKey is an RSA-OAEP ciphertext.
type Invitation struct {
	ID               int64
	RoomID           int64
	RoomSlug         string
	Username         string
	EncryptedRoomKey string
	IV               string
	Tag              string
	Role             string
	InvitedBy        int64
	CreatedAt        int64
}

// StoreInvitations upserts invitations for a room on (room, username) in a
// single transaction.
func (db *DB) StoreInvitations(roomID, invitedBy int64, invitations []Invitation) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	for _, inv := range invitations {
		if _, err := tx.Exec(`
			INSERT INTO Invitation (room_id, username, encrypted_room_key, iv, tag, role, invited_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (room_id, username) DO UPDATE SET
				encrypted_room_key = excluded.encrypted_room_key,
				iv = excluded.iv,
				tag = excluded.tag,
				role = excluded.role,
				invited_by = excluded.invited_by,
				created_at = excluded.created_at
		`, roomID, strings.TrimSpace(inv.Username), inv.EncryptedRoomKey, inv.IV, inv.Tag, inv.Role, invitedBy, now); err != nil {
			return fmt.Errorf("failed to store invitation for %s: %w", inv.Username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const invitationColumns = `i.id, i.room_id, r.slug, i.username, i.encrypted_room_key, i.iv, i.tag,
	i.role, i.invited_by, i.created_at`

func scanInvitation(row interface{ Scan(...any) error }) (*Invitation, error) {
	var inv Invitation
	if err := row.Scan(&inv.ID, &inv.RoomID, &inv.RoomSlug, &inv.Username, &inv.EncryptedRoomKey,
		&inv.IV, &inv.Tag, &inv.Role, &inv.InvitedBy, &inv.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

// ListInvitationsForUser returns the pending invitations addressed to username
func (db *DB) ListInvitationsForUser(username string) ([]*Invitation, error) {
	rows, err := db.conn.Query(`
		SELECT `+invitationColumns+`
		FROM Invitation i
		JOIN Room r ON r.id = i.room_id
		WHERE i.username = ?
		ORDER BY i.created_at ASC, i.id ASC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// GetInvitation returns one invitation by ID
func (db *DB) GetInvitation(id int64) (*Invitation, error) {
	return scanInvitation(db.conn.QueryRow(`
		SELECT `+invitationColumns+`
		FROM Invitation i
		JOIN Room r ON r.id = i.room_id
		WHERE i.id = ?
	`, id))
}

// GetInvitationForRoom returns username's invitation to the room
func (db *DB) GetInvitationForRoom(roomID int64, username string) (*Invitation, error) {
	return scanInvitation(db.conn.QueryRow(`
		SELECT `+invitationColumns+`
		FROM Invitation i
		JOIN Room r ON r.id = i.room_id
		WHERE i.room_id = ? AND i.username = ?
	`, roomID, username))
}

// ConvertInvitation replaces the wrapped key of username's invitation with
// an RSA-OAEP ciphertext, keeping the row and its ID. The row is created
// when none exists.
func (db *DB) ConvertInvitation(roomID int64, username, encryptedRoomKey, role string, invitedBy int64) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO Invitation (room_id, username, encrypted_room_key, iv, tag, role, invited_by, created_at)
		VALUES (?, ?, ?, '0', '0', ?, ?, ?)
		ON CONFLICT (room_id, username) DO UPDATE SET
			encrypted_room_key = excluded.encrypted_room_key,
			iv = '0',
			tag = '0',
			role = excluded.role
	`, roomID, username, encryptedRoomKey, role, invitedBy, nowMillis())
	return err
}

// AcceptInvitation adds the invitee to the room with the invited role and
// consumes the invitation, atomically.
func (db *DB) AcceptInvitation(inv *Invitation, userID int64) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO RoomMember (room_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = excluded.role
	`, inv.RoomID, userID, inv.Role, nowMillis()); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM Invitation WHERE id = ?`, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to consume invitation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteInvitation removes username's invitation to the room
func (db *DB) DeleteInvitation(roomID int64, username string) error {
	result, err := db.writeConn.Exec(`
		DELETE FROM Invitation WHERE room_id = ? AND username = ?
	`, roomID, username)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
