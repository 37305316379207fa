package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/client/api"
	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/client/invitation"
	"github.com/aeolun/cipherchat/pkg/client/keychain"
	"github.com/aeolun/cipherchat/pkg/client/messaging"
	"github.com/aeolun/cipherchat/pkg/client/passkey"
	"github.com/aeolun/cipherchat/pkg/client/session"
	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery"

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyEnv struct {
	srv *Server
	db  *database.MemDB
	ts  *httptest.Server
}

// setupJourneyServer runs a server on an httptest listener. It is built
// with newServer so each test gets its own metrics registry.
func setupJourneyServer(t *testing.T, opts ...func(*ServerConfig)) *journeyEnv {
	t.Helper()

	sqliteDB, err := database.Open(filepath.Join(t.TempDir(), "journey.db"))
	require.NoError(t, err)
	memDB := database.NewMemDB(sqliteDB, time.Hour)

	cfg := DefaultConfig()
	cfg.ChunkDelay = 0
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := newServer(memDB, cfg)
	require.NoError(t, srv.ensureSalts())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.sessions.CloseAll()
		ts.Close()
		srv.Stop()
	})
	return &journeyEnv{srv: srv, db: memDB, ts: ts}
}

// register creates an account and returns a session that is logged in
// but not yet unlocked.
func (e *journeyEnv) register(t *testing.T, username string) *session.Session {
	t.Helper()
	client := api.New(e.ts.URL)
	_, err := client.Register(context.Background(), &protocol.RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
	})
	require.NoError(t, err)
	return e.sessionFor(t, client, username)
}

func (e *journeyEnv) sessionFor(t *testing.T, client *api.Client, username string) *session.Session {
	t.Helper()
	sess, err := session.New(session.Config{
		Client:   client,
		Username: username,
		Blobs:    crypto.NewPasskeyStore(t.TempDir()),
	})
	require.NoError(t, err)
	return sess
}

// onboard registers username and unlocks it with a fresh passkey
func (e *journeyEnv) onboard(t *testing.T, username string) *session.Session {
	t.Helper()
	sess := e.register(t, username)
	require.NoError(t, sess.Unlock(context.Background(), "passkey-of-"+username))
	return sess
}

func publicKeyOf(t *testing.T, sess *session.Session, username string) string {
	t.Helper()
	users, err := sess.Client().SearchUsers(context.Background(), username)
	require.NoError(t, err)
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			require.NotEmpty(t, u.PublicKey, "%s has no public key", username)
			return u.PublicKey
		}
	}
	t.Fatalf("user %s not found", username)
	return ""
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourney_RoomLifecycle(t *testing.T) {
	env := setupJourneyServer(t)
	ctx := context.Background()

	alice := env.onboard(t, "alice")
	bob := env.onboard(t, "bob")

	// The server only ever holds sealed keychain values
	entries, err := env.db.ListKeychain(mustUserID(t, env.db, "alice"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, 2, strings.Count(e.Value, "|"), "entry %s is not iv|tag|ciphertext", e.Key)
	}

	room, err := alice.Cipher().CreateRoom(ctx, "Design Review", "weekly sync", "be brief")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(room.Slug, "design-review-"), room.Slug)

	stored, err := env.db.GetRoomBySlug(room.Slug)
	require.NoError(t, err)
	assert.NotContains(t, stored.Description, "weekly sync", "room info must be encrypted")

	_, err = alice.Cipher().SendRoomMessage(ctx, room.Slug, "hello bob", 0)
	require.NoError(t, err)

	// Bob is not a member yet
	_, err = bob.Client().GetRoom(ctx, room.Slug)
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	sent, err := alice.Invitations().Invite(ctx, room.Slug, []invitation.Invitee{
		{Username: "bob", PublicKey: publicKeyOf(t, alice, "bob"), Role: protocol.RoleEditor},
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.IsType(t, invitation.Asymmetric{}, sent[0].Envelope)

	pending, err := bob.Invitations().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, room.Slug, pending[0].RoomSlug)

	info, err := bob.Invitations().Accept(ctx, &pending[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.RoleEditor, info.Role)

	// Accepting consumes the invitation
	pending, err = bob.Invitations().Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = bob.Cipher().SendRoomMessage(ctx, room.Slug, "hi alice", 0)
	require.NoError(t, err)

	loaded, err := alice.Cipher().LoadRoom(ctx, room.Slug)
	require.NoError(t, err)
	assert.Equal(t, "weekly sync", loaded.Description)
	assert.Equal(t, "be brief", loaded.SystemPrompt)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "hello bob", loaded.Messages[0].Text)
	assert.Equal(t, "hi alice", loaded.Messages[1].Text)
	assert.Equal(t, "bob", loaded.Messages[1].Author)

	// Bob cannot edit alice's message
	_, err = bob.Cipher().UpdateRoomMessage(ctx, room.Slug, loaded.Messages[0].ID, "edited", 0)
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	require.NoError(t, bob.Client().LeaveRoom(ctx, room.Slug))
	_, err = bob.Client().GetRoom(ctx, room.Slug)
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestJourney_TempHashInvitation(t *testing.T) {
	env := setupJourneyServer(t)
	ctx := context.Background()

	alice := env.onboard(t, "alice")
	room, err := alice.Cipher().CreateRoom(ctx, "Launch", "", "")
	require.NoError(t, err)
	_, err = alice.Cipher().SendRoomMessage(ctx, room.Slug, "welcome", 0)
	require.NoError(t, err)

	// Carol has no account yet, so the room key is wrapped with a temp hash
	sent, err := alice.Invitations().Invite(ctx, room.Slug, []invitation.Invitee{
		{Username: "carol", Role: protocol.RoleViewer},
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.NotEmpty(t, sent[0].TempHash)

	carol := env.onboard(t, "carol")

	// The raw temp-hash invitation cannot be accepted before conversion
	p, err := carol.Invitations().ForRoom(ctx, room.Slug)
	require.NoError(t, err)
	_, err = carol.Client().AcceptInvitation(ctx, p.ID)
	var statusErr *api.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 409, statusErr.StatusCode)

	info, err := carol.Invitations().AcceptWithTempHash(ctx, room.Slug, sent[0].TempHash)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoleViewer, info.Role, "conversion keeps the invited role")

	loaded, err := carol.Cipher().LoadRoom(ctx, room.Slug)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "welcome", loaded.Messages[0].Text)

	// Viewers read but do not post
	_, err = carol.Cipher().SendRoomMessage(ctx, room.Slug, "can I?", 0)
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestJourney_DeclineInvitation(t *testing.T) {
	env := setupJourneyServer(t)
	ctx := context.Background()

	alice := env.onboard(t, "alice")
	bob := env.onboard(t, "bob")
	room, err := alice.Cipher().CreateRoom(ctx, "Secret", "", "")
	require.NoError(t, err)

	_, err = alice.Invitations().Invite(ctx, room.Slug, []invitation.Invitee{
		{Username: "bob", PublicKey: publicKeyOf(t, alice, "bob")},
	})
	require.NoError(t, err)

	require.NoError(t, bob.Invitations().Decline(ctx, room.Slug))
	_, err = bob.Invitations().ForRoom(ctx, room.Slug)
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.ErrorIs(t, bob.Invitations().Decline(ctx, room.Slug), api.ErrNotFound)
}

func TestJourney_UnlockAndRecover(t *testing.T) {
	env := setupJourneyServer(t)
	ctx := context.Background()

	alice := env.onboard(t, "alice")
	room, err := alice.Cipher().CreateRoom(ctx, "Notes", "", "")
	require.NoError(t, err)

	code, err := alice.Passkeys().CreateBackup(ctx)
	require.NoError(t, err)

	// A second device logs in without the passkey
	client := api.New(env.ts.URL)
	_, err = client.Login(ctx, &protocol.LoginRequest{Username: "alice", Password: testPassword})
	require.NoError(t, err)
	device := env.sessionFor(t, client, "alice")

	assert.ErrorIs(t, device.Unlock(ctx, "wrong passkey"), passkey.ErrInvalidPasskey)

	recovered, err := device.Passkeys().Recover(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "passkey-of-alice", recovered)
	require.NoError(t, device.Unlock(ctx, recovered))

	key, err := device.Keychain().RoomKey(ctx, room.Slug)
	require.NoError(t, err)
	want, err := alice.Keychain().RoomKey(ctx, room.Slug)
	require.NoError(t, err)
	assert.Equal(t, want, key)

	_, err = client.Login(ctx, &protocol.LoginRequest{Username: "alice", Password: "nope nope"})
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestJourney_LegacyMigration(t *testing.T) {
	env := setupJourneyServer(t)
	ctx := context.Background()

	dave := env.register(t, "dave")
	userID := mustUserID(t, env.db, "dave")

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pubDER, err := crypto.ExportPublicKey(kp.PublicKey)
	require.NoError(t, err)
	privDER, err := crypto.ExportPrivateKey(kp.PrivateKey)
	require.NoError(t, err)
	aiKey, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	roomKey, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)

	jwk := func(k crypto.SymmetricKey) map[string]string {
		return map[string]string{"kty": "oct", "k": base64.RawURLEncoding.EncodeToString(k)}
	}
	fields := map[string]any{"username": "dave", "old-room": jwk(roomKey)}
	fields[keychain.PublicKeyName] = base64.StdEncoding.EncodeToString(pubDER)
	fields[keychain.PrivateKeyName] = base64.StdEncoding.EncodeToString(privDER)
	fields[keychain.AIConvKeyName] = jwk(aiKey)
	legacy, err := json.Marshal(fields)
	require.NoError(t, err)

	salt, err := env.db.GetSalt(protocol.SaltUserData)
	require.NoError(t, err)
	sealed, err := crypto.EncryptText(crypto.DeriveKeychainEncryptor("dave-passkey", salt), string(legacy))
	require.NoError(t, err)
	require.NoError(t, env.db.SetLegacyKeychain(userID, crypto.FormatSealedValue(sealed)))

	// The legacy blob doubles as the validator until migration
	assert.ErrorIs(t, dave.Unlock(ctx, "not-daves"), passkey.ErrInvalidPasskey)
	require.NoError(t, dave.Unlock(ctx, "dave-passkey"))

	got, err := dave.Keychain().RoomKey(ctx, "old-room")
	require.NoError(t, err)
	assert.Equal(t, roomKey, got)

	_, migrated, err := env.db.GetLegacyKeychain(userID)
	require.NoError(t, err)
	assert.True(t, migrated)

	entries, err := env.db.ListKeychain(userID)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	user, err := env.db.GetUserByID(userID)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pubDER), user.PublicKey)
}

func TestJourney_AssistantStream(t *testing.T) {
	env := setupJourneyServer(t)
	ctx := context.Background()

	alice := env.onboard(t, "alice")
	room, err := alice.Cipher().CreateRoom(ctx, "Ask", "", "")
	require.NoError(t, err)

	var deltas []string
	reply, err := alice.Cipher().StreamReply(ctx, messaging.RoomTarget(room.Slug), messaging.StreamOptions{
		Model: "echo-1",
		History: []protocol.StreamMessage{
			{Role: protocol.MessageRoleUser, Content: protocol.StreamText{Text: "what is up"}},
		},
	}, func(delta string, _ *protocol.AssistantContent) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamStatusDone, reply.Status)
	assert.Equal(t, "Echo: what is up", reply.Content.Text)
	assert.Equal(t, "Echo: what is up", strings.Join(deltas, ""))
	require.Len(t, reply.Content.Auxiliaries, 1)
	assert.Equal(t, "echo-1", reply.Content.Auxiliaries[0].Content)
	require.NotNil(t, reply.Message)

	// Persisted under the room's AI key, not in plaintext
	stored, err := env.db.GetMessage(reply.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageRoleAssistant, stored.Role)
	assert.NotContains(t, stored.Ciphertext, "Echo")

	loaded, err := alice.Cipher().LoadRoom(ctx, room.Slug)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "Echo: what is up", loaded.Messages[0].Text)

	// Private conversation under the AI conversation key
	conv, err := alice.Cipher().CreateConversation(ctx, "scratch", "think step by step")
	require.NoError(t, err)
	_, err = alice.Cipher().SendConversationMessage(ctx, conv.Slug, "ping", 0)
	require.NoError(t, err)
	reply, err = alice.Cipher().StreamReply(ctx, messaging.ConversationTarget(conv.Slug), messaging.StreamOptions{
		History: []protocol.StreamMessage{
			{Role: protocol.MessageRoleUser, Content: protocol.StreamText{Text: "ping"}},
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Echo: ping", reply.Content.Text)

	got, err := alice.Cipher().LoadConversation(ctx, conv.Slug)
	require.NoError(t, err)
	assert.Equal(t, "think step by step", got.SystemPrompt)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "ping", got.Messages[0].Text)
	assert.Equal(t, "Echo: ping", got.Messages[1].Text)
}

func TestJourney_CancelledStreamPersistsNothing(t *testing.T) {
	env := setupJourneyServer(t, func(c *ServerConfig) { c.ChunkDelay = 50 * time.Millisecond })

	alice := env.onboard(t, "alice")
	room, err := alice.Cipher().CreateRoom(context.Background(), "Slow", "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reply, err := alice.Cipher().StreamReply(ctx, messaging.RoomTarget(room.Slug), messaging.StreamOptions{
		History: []protocol.StreamMessage{
			{Role: protocol.MessageRoleUser, Content: protocol.StreamText{Text: "one two three four five six"}},
		},
	}, func(string, *protocol.AssistantContent) { cancel() })
	assert.Error(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.StreamStatusCancelled, reply.Status)
	assert.Nil(t, reply.Message)

	loaded, err := alice.Cipher().LoadRoom(context.Background(), room.Slug)
	require.NoError(t, err)
	assert.Empty(t, loaded.Messages)
}

func TestJourney_WatchRoom(t *testing.T) {
	env := setupJourneyServer(t)

	alice := env.onboard(t, "alice")
	room, err := alice.Cipher().CreateRoom(context.Background(), "Live", "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan *messaging.Message, 1)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- alice.Cipher().WatchRoom(ctx, room.Slug, func(ev protocol.RoomEvent, msg *messaging.Message) error {
			if msg != nil {
				received <- msg
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return env.srv.sessions.SubscriberCount(room.Slug) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = alice.Cipher().SendRoomMessage(context.Background(), room.Slug, "live update", 0)
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "live update", msg.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for relayed message")
	}

	cancel()
	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func mustUserID(t *testing.T, db *database.MemDB, username string) int64 {
	t.Helper()
	u, err := db.GetUserByUsername(username)
	require.NoError(t, err)
	return u.ID
}
