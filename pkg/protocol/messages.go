// Package protocol defines the JSON bodies exchanged between cipherchat
// clients and the blob-store server, and the newline-delimited stream chunk
// codec used for assistant replies. The server only ever sees the encrypted
// fields defined here.
package protocol

import "encoding/json"

// Headers
const (
	SaltLabelHeader = "saltlabel"
	CSRFHeader      = "X-CSRF-TOKEN"
	AuthHeader      = "Authorization"
)

// Salt labels. Each label has exactly one server salt.
const (
	SaltUserData   = "USERDATA_ENCRYPTION_SALT"
	SaltPasskey    = "PASSKEY_SALT"
	SaltInvitation = "INVITATION_SALT"
	SaltAI         = "AI_CRYPTO_SALT"
	SaltBackup     = "BACKUP_SALT"
)

// SaltLabels lists every label a server must be able to answer for.
var SaltLabels = []string{SaltUserData, SaltPasskey, SaltInvitation, SaltAI, SaltBackup}

// AsymmetricSentinel marks an invitation whose room key is wrapped with the
// invitee's public key rather than a temp-hash key. It appears in the iv and
// tag fields on the wire only.
const AsymmetricSentinel = "0"

// KeyType classifies a keychain entry
type KeyType string

const (
	KeyTypeRoom    KeyType = "room_key"
	KeyTypeAIConv  KeyType = "ai_conv"
	KeyTypePublic  KeyType = "public_key"
	KeyTypePrivate KeyType = "private_key"
)

// Valid reports whether t is one of the known key types.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeRoom, KeyTypeAIConv, KeyTypePublic, KeyTypePrivate:
		return true
	}
	return false
}

// Role is a room membership role
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// Message author roles
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Stream statuses reported on the final chunk
const (
	StreamStatusDone      = "done"
	StreamStatusCancelled = "cancelled"
	StreamStatusError     = "error"

	// StreamStatusIncomplete is reported by clients, never sent by the
	// server: the stream closed before its final chunk.
	StreamStatusIncomplete = "incomplete"
)

// Room event types relayed over the websocket
const (
	EventMessageSent    = "message_sent"
	EventMessageUpdated = "message_updated"
	EventMemberJoined   = "member_joined"
)

// Response is the generic acknowledgement body
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// EncryptedPayload is an AES-GCM output with detached tag, base64 fields
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// ---------------------------------------------------------------------------
// Accounts

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Token     string `json:"token,omitempty"`
	CSRFToken string `json:"csrfToken,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
}

type SaltResponse struct {
	Salt string `json:"salt"`
}

type UserSearchResult struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey,omitempty"`
}

type SearchResponse struct {
	Success bool               `json:"success"`
	Users   []UserSearchResult `json:"users"`
}

// PasskeyBackupRequest uploads a passkey encrypted under a backup-hash key
type PasskeyBackupRequest struct {
	Username   string `json:"username"`
	CipherText string `json:"cipherText"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

type PasskeyBackupResponse struct {
	Success       bool              `json:"success"`
	Error         string            `json:"error,omitempty"`
	PasskeyBackup *EncryptedPayload `json:"passkeyBackup,omitempty"`
}

// ---------------------------------------------------------------------------
// Keychain

// KeychainValue is a stored keychain entry. Value is "iv|tag|ciphertext".
type KeychainValue struct {
	Key   string  `json:"key"`
	Value string  `json:"value"`
	Type  KeyType `json:"type"`
}

type KeychainRef struct {
	Key  string  `json:"key"`
	Type KeyType `json:"type"`
}

// KeychainUpdateRequest applies clear, then remove, then set.
type KeychainUpdateRequest struct {
	Set       []KeychainValue `json:"set,omitempty"`
	Remove    []KeychainRef   `json:"remove,omitempty"`
	Clear     bool            `json:"clear,omitempty"`
	PublicKey string          `json:"publicKey,omitempty"`
}

type LegacyKeychainResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Keychain string `json:"keychain"`
}

type ValidatorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Validator string `json:"validator"`
}

// ---------------------------------------------------------------------------
// Invitations

// InvitationRecord is one invitation as stored by the inviter.
type InvitationRecord struct {
	Username         string `json:"username"`
	EncryptedRoomKey string `json:"encryptedRoomKey"`
	IV               string `json:"iv"`
	Tag              string `json:"tag"`
	Role             Role   `json:"role"`
}

type StoreInvitationsRequest struct {
	Invitations []InvitationRecord `json:"invitations"`
}

// ExternInvitationRequest asks the server to deliver a temp-hash link.
type ExternInvitationRequest struct {
	Username string `json:"username"`
	Hash     string `json:"hash"`
	Slug     string `json:"slug"`
}

// UserInvitation is an invitation as seen by the invitee.
type UserInvitation struct {
	InvitationID int64  `json:"invitation_id"`
	RoomSlug     string `json:"room_slug"`
	Role         Role   `json:"role"`
	IV           string `json:"iv"`
	Tag          string `json:"tag"`
	Invitation   string `json:"invitation"`
}

type UserInvitationsResponse struct {
	FormattedInvitations []UserInvitation `json:"formattedInvitations"`
}

type AcceptInvitationRequest struct {
	InvitationID int64 `json:"invitation_id"`
}

type AcceptInvitationResponse struct {
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Room    *RoomInfo `json:"room,omitempty"`
}

type ConvertInvitationRequest struct {
	RoomSlug         string `json:"room_slug"`
	EncryptedRoomKey string `json:"encrypted_room_key"`
	Role             Role   `json:"role"`
}

// ---------------------------------------------------------------------------
// Rooms, conversations and messages

type CreateRoomRequest struct {
	RoomName string `json:"room_name"`
}

// RoomInfo describes a room. Description and SystemPrompt are JSON encoded
// EncryptedPayload values under the room key.
type RoomInfo struct {
	Slug         string `json:"slug"`
	RoomName     string `json:"room_name"`
	Description  string `json:"room_description,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Role         Role   `json:"role,omitempty"`
}

type CreateRoomResponse struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	RoomData RoomInfo `json:"roomData"`
}

type UpdateRoomInfoRequest struct {
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type MessageContent struct {
	Text        EncryptedPayload `json:"text"`
	Attachments []string         `json:"attachments,omitempty"`
}

// SendMessageRequest posts a new message or, with MessageID set, updates one.
type SendMessageRequest struct {
	MessageID   string         `json:"message_id,omitempty"`
	MessageRole string         `json:"message_role,omitempty"`
	ThreadID    int            `json:"threadId"`
	Model       string         `json:"model,omitempty"`
	Content     MessageContent `json:"content"`
	// Completion is false for an assistant reply cut off mid-stream.
	// Absent means complete.
	Completion  *bool          `json:"completion,omitempty"`
}

type MessageRecord struct {
	MessageID   string         `json:"message_id"`
	MessageRole string         `json:"message_role"`
	Author      string         `json:"author"`
	ThreadID    int            `json:"threadId"`
	Model       string         `json:"model,omitempty"`
	Content     MessageContent `json:"content"`
	Completion  bool           `json:"completion"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

type MessageResponse struct {
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	MessageData MessageRecord `json:"messageData"`
}

type RoomResponse struct {
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Room         RoomInfo        `json:"room"`
	MessagesData []MessageRecord `json:"messagesData"`
}

type CreateConversationRequest struct {
	ConvName     string `json:"conv_name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type ConversationInfo struct {
	Slug         string `json:"slug"`
	ConvName     string `json:"conv_name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type ConversationResponse struct {
	Success      bool             `json:"success"`
	Error        string           `json:"error,omitempty"`
	Conv         ConversationInfo `json:"conv"`
	MessagesData []MessageRecord  `json:"messagesData,omitempty"`
}

// Auxiliary is an extra item attached to an assistant reply (status,
// citations, tool output). Content is free-form JSON text.
type Auxiliary struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AssistantContent is the plaintext JSON persisted (encrypted) for an
// assistant reply and carried (unencrypted) in stream chunks.
type AssistantContent struct {
	Text              string          `json:"text"`
	GroundingMetadata json.RawMessage `json:"groundingMetadata,omitempty"`
	Auxiliaries       []Auxiliary     `json:"auxiliaries,omitempty"`
}

// ---------------------------------------------------------------------------
// Assistant streaming

type StreamText struct {
	Text string `json:"text"`
}

// StreamMessage is one prior turn sent to the assistant in plaintext.
type StreamMessage struct {
	Role    string     `json:"role"`
	Content StreamText `json:"content"`
}

type StreamPayload struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []StreamMessage `json:"messages"`
}

type StreamRequest struct {
	Slug        string        `json:"slug,omitempty"`
	IsUpdate    bool          `json:"isUpdate"`
	MessageID   string        `json:"messageId,omitempty"`
	ThreadIndex int           `json:"threadIndex"`
	Payload     StreamPayload `json:"payload"`
}

// RoomEvent is relayed to websocket subscribers of a room. It never carries
// message content; subscribers fetch and decrypt the message themselves.
type RoomEvent struct {
	Type      string `json:"type"`
	Slug      string `json:"slug"`
	MessageID string `json:"message_id,omitempty"`
	Author    string `json:"author,omitempty"`
}
