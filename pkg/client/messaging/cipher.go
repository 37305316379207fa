// Package messaging encrypts and decrypts room and conversation payloads.
// Human messages use the room key; assistant messages in a room use the
// AI key derived from it, and private assistant conversations use the
// account's AI conversation key for both roles.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog"
)

var ErrInvalidPayload = errors.New("invalid encrypted payload")

// Server is the subset of the API the cipher needs.
type Server interface {
	CreateRoom(ctx context.Context, name string) (*protocol.RoomInfo, error)
	UpdateRoomInfo(ctx context.Context, slug string, req *protocol.UpdateRoomInfoRequest) error
	GetRoom(ctx context.Context, slug string) (*protocol.RoomResponse, error)
	SendRoomMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error)
	UpdateRoomMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error)
	GetRoomMessage(ctx context.Context, slug, messageID string) (*protocol.MessageRecord, error)

	CreateConversation(ctx context.Context, req *protocol.CreateConversationRequest) (*protocol.ConversationInfo, error)
	GetConversation(ctx context.Context, slug string) (*protocol.ConversationResponse, error)
	SendConversationMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error)
	UpdateConversationMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error)

	StreamAI(ctx context.Context, req *protocol.StreamRequest) (io.ReadCloser, error)
	SubscribeRoom(ctx context.Context, slug string) (<-chan protocol.RoomEvent, error)
}

// Keys is the keychain access the cipher needs.
type Keys interface {
	RoomKey(ctx context.Context, slug string) (crypto.SymmetricKey, error)
	SetRoomKey(ctx context.Context, slug string, key crypto.SymmetricKey) error
	AIConvKey(ctx context.Context) (crypto.SymmetricKey, error)
}

// Salts returns server salts by label.
type Salts interface {
	Get(ctx context.Context, label string) ([]byte, error)
}

// Message is a decrypted message. Assistant is set for assistant messages,
// whose Text is the assistant text.
type Message struct {
	ID        string
	Role      string
	Author    string
	ThreadID  int
	Model     string
	Text      string
	Assistant *protocol.AssistantContent
	CreatedAt time.Time
	UpdatedAt time.Time

	// Incomplete marks an assistant reply whose stream was cut off.
	Incomplete bool
}

// Room is a decrypted room with its history.
type Room struct {
	Slug         string
	Name         string
	Description  string
	SystemPrompt string
	Role         protocol.Role
	Messages     []Message
}

// Conversation is a decrypted private assistant conversation.
type Conversation struct {
	Slug         string
	Name         string
	SystemPrompt string
	Messages     []Message
}

// Cipher encrypts outgoing and decrypts incoming payloads for one session.
type Cipher struct {
	server Server
	keys   Keys
	salts  Salts
	logger zerolog.Logger

	mu     sync.Mutex
	aiKeys map[string]crypto.SymmetricKey
}

// NewCipher creates a cipher.
func NewCipher(server Server, keys Keys, salts Salts) *Cipher {
	return &Cipher{
		server: server,
		keys:   keys,
		salts:  salts,
		logger: zerolog.Nop(),
		aiKeys: make(map[string]crypto.SymmetricKey),
	}
}

// SetLogger sets a logger for message events
func (c *Cipher) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// AIKey returns the key for assistant messages in a room, derived from the
// room key with the slug as label. It is never stored.
func (c *Cipher) AIKey(ctx context.Context, slug string) (crypto.SymmetricKey, error) {
	c.mu.Lock()
	key, ok := c.aiKeys[slug]
	c.mu.Unlock()
	if ok {
		return key, nil
	}

	roomKey, err := c.keys.RoomKey(ctx, slug)
	if err != nil {
		return nil, err
	}
	salt, err := c.salts.Get(ctx, protocol.SaltAI)
	if err != nil {
		return nil, err
	}
	key = crypto.DeriveKeyFromKey(roomKey, slug, salt)

	c.mu.Lock()
	c.aiKeys[slug] = key
	c.mu.Unlock()
	return key, nil
}

// Reset forgets every derived AI key.
func (c *Cipher) Reset() {
	c.mu.Lock()
	c.aiKeys = make(map[string]crypto.SymmetricKey)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Rooms

// CreateRoom creates a room with a fresh room key and stores the key in
// the keychain. Description and system prompt are stored encrypted.
func (c *Cipher) CreateRoom(ctx context.Context, name, description, systemPrompt string) (*Room, error) {
	roomKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}

	info, err := c.server.CreateRoom(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if err := c.keys.SetRoomKey(ctx, info.Slug, roomKey); err != nil {
		return nil, fmt.Errorf("store room key for %s: %w", info.Slug, err)
	}

	room := &Room{Slug: info.Slug, Name: info.RoomName, Role: protocol.RoleAdmin}
	if description == "" && systemPrompt == "" {
		return room, nil
	}

	req := &protocol.UpdateRoomInfoRequest{}
	if req.Description, err = sealField(roomKey, description); err != nil {
		return nil, err
	}
	if req.SystemPrompt, err = sealField(roomKey, systemPrompt); err != nil {
		return nil, err
	}
	if err := c.server.UpdateRoomInfo(ctx, info.Slug, req); err != nil {
		return nil, fmt.Errorf("update room info: %w", err)
	}

	room.Description = description
	room.SystemPrompt = systemPrompt
	c.logger.Info().Str("slug", info.Slug).Msg("room created")
	return room, nil
}

// SendRoomMessage encrypts text with the room key and posts it.
func (c *Cipher) SendRoomMessage(ctx context.Context, slug, text string, threadID int) (*Message, error) {
	req, err := c.userMessage(ctx, slug, text, threadID)
	if err != nil {
		return nil, err
	}
	rec, err := c.server.SendRoomMessage(ctx, slug, req)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", slug, err)
	}
	return plainMessage(rec, text), nil
}

// UpdateRoomMessage replaces the text of one of the user's room messages.
func (c *Cipher) UpdateRoomMessage(ctx context.Context, slug, messageID, text string, threadID int) (*Message, error) {
	req, err := c.userMessage(ctx, slug, text, threadID)
	if err != nil {
		return nil, err
	}
	req.MessageID = messageID
	rec, err := c.server.UpdateRoomMessage(ctx, slug, req)
	if err != nil {
		return nil, fmt.Errorf("update message %s: %w", messageID, err)
	}
	return plainMessage(rec, text), nil
}

func (c *Cipher) userMessage(ctx context.Context, slug, text string, threadID int) (*protocol.SendMessageRequest, error) {
	key, err := c.keys.RoomKey(ctx, slug)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.EncryptText(key, text)
	if err != nil {
		return nil, err
	}
	return &protocol.SendMessageRequest{
		MessageRole: protocol.MessageRoleUser,
		ThreadID:    threadID,
		Content:     protocol.MessageContent{Text: toPayload(sealed)},
	}, nil
}

// DecryptRoomMessage decrypts a stored room message, choosing the AI key
// for assistant messages and the room key otherwise.
func (c *Cipher) DecryptRoomMessage(ctx context.Context, slug string, rec *protocol.MessageRecord) (*Message, error) {
	var (
		key crypto.SymmetricKey
		err error
	)
	if rec.MessageRole == protocol.MessageRoleAssistant {
		key, err = c.AIKey(ctx, slug)
	} else {
		key, err = c.keys.RoomKey(ctx, slug)
	}
	if err != nil {
		return nil, err
	}
	return openMessage(key, rec)
}

// LoadRoom fetches a room and decrypts its info and history.
func (c *Cipher) LoadRoom(ctx context.Context, slug string) (*Room, error) {
	resp, err := c.server.GetRoom(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", slug, err)
	}
	roomKey, err := c.keys.RoomKey(ctx, slug)
	if err != nil {
		return nil, err
	}

	room := &Room{Slug: resp.Room.Slug, Name: resp.Room.RoomName, Role: resp.Room.Role}
	if room.Description, err = openField(roomKey, resp.Room.Description); err != nil {
		return nil, fmt.Errorf("room description: %w", err)
	}
	if room.SystemPrompt, err = openField(roomKey, resp.Room.SystemPrompt); err != nil {
		return nil, fmt.Errorf("room system prompt: %w", err)
	}

	room.Messages = make([]Message, 0, len(resp.MessagesData))
	for i := range resp.MessagesData {
		msg, err := c.DecryptRoomMessage(ctx, slug, &resp.MessagesData[i])
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", resp.MessagesData[i].MessageID, err)
		}
		room.Messages = append(room.Messages, *msg)
	}
	return room, nil
}

// ---------------------------------------------------------------------------
// Conversations

// CreateConversation creates a private assistant conversation. The system
// prompt is encrypted with the AI conversation key.
func (c *Cipher) CreateConversation(ctx context.Context, name, systemPrompt string) (*Conversation, error) {
	key, err := c.keys.AIConvKey(ctx)
	if err != nil {
		return nil, err
	}
	prompt, err := sealField(key, systemPrompt)
	if err != nil {
		return nil, err
	}
	info, err := c.server.CreateConversation(ctx, &protocol.CreateConversationRequest{ConvName: name, SystemPrompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Conversation{Slug: info.Slug, Name: info.ConvName, SystemPrompt: systemPrompt}, nil
}

// SendConversationMessage encrypts text with the AI conversation key and posts it.
func (c *Cipher) SendConversationMessage(ctx context.Context, slug, text string, threadID int) (*Message, error) {
	key, err := c.keys.AIConvKey(ctx)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.EncryptText(key, text)
	if err != nil {
		return nil, err
	}
	req := &protocol.SendMessageRequest{
		MessageRole: protocol.MessageRoleUser,
		ThreadID:    threadID,
		Content:     protocol.MessageContent{Text: toPayload(sealed)},
	}
	rec, err := c.server.SendConversationMessage(ctx, slug, req)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", slug, err)
	}
	return plainMessage(rec, text), nil
}

// LoadConversation fetches a conversation and decrypts its history.
func (c *Cipher) LoadConversation(ctx context.Context, slug string) (*Conversation, error) {
	resp, err := c.server.GetConversation(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", slug, err)
	}
	key, err := c.keys.AIConvKey(ctx)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{Slug: resp.Conv.Slug, Name: resp.Conv.ConvName}
	if conv.SystemPrompt, err = openField(key, resp.Conv.SystemPrompt); err != nil {
		return nil, fmt.Errorf("conversation system prompt: %w", err)
	}
	conv.Messages = make([]Message, 0, len(resp.MessagesData))
	for i := range resp.MessagesData {
		msg, err := openMessage(key, &resp.MessagesData[i])
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", resp.MessagesData[i].MessageID, err)
		}
		conv.Messages = append(conv.Messages, *msg)
	}
	return conv, nil
}

// ---------------------------------------------------------------------------
// Payload helpers

func toPayload(s *crypto.Sealed) protocol.EncryptedPayload {
	return protocol.EncryptedPayload{Ciphertext: s.Ciphertext, IV: s.IV, Tag: s.Tag}
}

func fromPayload(p protocol.EncryptedPayload) *crypto.Sealed {
	return &crypto.Sealed{Ciphertext: p.Ciphertext, IV: p.IV, Tag: p.Tag}
}

// sealField encrypts text into the JSON form used for room and
// conversation metadata. Empty text stays empty.
func sealField(key crypto.SymmetricKey, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	sealed, err := crypto.EncryptText(key, text)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(toPayload(sealed))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func openField(key crypto.SymmetricKey, field string) (string, error) {
	if field == "" {
		return "", nil
	}
	var p protocol.EncryptedPayload
	if err := json.Unmarshal([]byte(field), &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return crypto.DecryptText(key, fromPayload(p))
}

func openMessage(key crypto.SymmetricKey, rec *protocol.MessageRecord) (*Message, error) {
	text, err := crypto.DecryptText(key, fromPayload(rec.Content.Text))
	if err != nil {
		return nil, err
	}
	msg := plainMessage(rec, text)
	if rec.MessageRole != protocol.MessageRoleAssistant {
		return msg, nil
	}

	var content protocol.AssistantContent
	if err := json.Unmarshal([]byte(text), &content); err != nil {
		return nil, fmt.Errorf("%w: assistant content: %v", ErrInvalidPayload, err)
	}
	msg.Text = content.Text
	msg.Assistant = &content
	return msg, nil
}

func plainMessage(rec *protocol.MessageRecord, text string) *Message {
	return &Message{
		ID:         rec.MessageID,
		Role:       rec.MessageRole,
		Author:     rec.Author,
		ThreadID:   rec.ThreadID,
		Model:      rec.Model,
		Text:       text,
		Incomplete: !rec.Completion,
		CreatedAt:  time.UnixMilli(rec.CreatedAt),
		UpdatedAt:  time.UnixMilli(rec.UpdatedAt),
	}
}
