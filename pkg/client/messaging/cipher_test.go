package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/client/keychain"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var aiSalt = []byte("ai-salt")

type staticSalts struct{}

func (staticSalts) Get(_ context.Context, label string) ([]byte, error) {
	if label == protocol.SaltAI {
		return aiSalt, nil
	}
	return []byte(label), nil
}

type fakeKeys struct {
	rooms  map[string]crypto.SymmetricKey
	aiConv crypto.SymmetricKey
}

func newFakeKeys(t *testing.T) *fakeKeys {
	ai, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	return &fakeKeys{rooms: make(map[string]crypto.SymmetricKey), aiConv: ai}
}

func (k *fakeKeys) RoomKey(_ context.Context, slug string) (crypto.SymmetricKey, error) {
	key, ok := k.rooms[slug]
	if !ok {
		return nil, keychain.ErrKeyNotFound
	}
	return key, nil
}

func (k *fakeKeys) SetRoomKey(_ context.Context, slug string, key crypto.SymmetricKey) error {
	k.rooms[slug] = key
	return nil
}

func (k *fakeKeys) AIConvKey(context.Context) (crypto.SymmetricKey, error) { return k.aiConv, nil }

// fakeServer stores rooms and conversations the way the server does:
// ciphertext only.
type fakeServer struct {
	mu       sync.Mutex
	rooms    map[string]*protocol.RoomResponse
	convs    map[string]*protocol.ConversationResponse
	nextID   int
	updates  int
	stream   func(ctx context.Context, req *protocol.StreamRequest) (io.ReadCloser, error)
	streamRq *protocol.StreamRequest
	events   chan protocol.RoomEvent
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		rooms: make(map[string]*protocol.RoomResponse),
		convs: make(map[string]*protocol.ConversationResponse),
	}
}

func (f *fakeServer) record(req *protocol.SendMessageRequest) protocol.MessageRecord {
	f.nextID++
	return protocol.MessageRecord{
		MessageID:   fmt.Sprintf("m%d", f.nextID),
		MessageRole: req.MessageRole,
		Author:      "alice",
		ThreadID:    req.ThreadID,
		Model:       req.Model,
		Content:     req.Content,
		Completion:  req.Completion == nil || *req.Completion,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

func replace(msgs []protocol.MessageRecord, rec protocol.MessageRecord) ([]protocol.MessageRecord, error) {
	for i := range msgs {
		if msgs[i].MessageID == rec.MessageID {
			rec.Author = msgs[i].Author
			msgs[i] = rec
			return msgs, nil
		}
	}
	return nil, errors.New("no such message")
}

func (f *fakeServer) CreateRoom(_ context.Context, name string) (*protocol.RoomInfo, error) {
	slug := strings.ToLower(name)
	info := protocol.RoomInfo{Slug: slug, RoomName: name, Role: protocol.RoleAdmin}
	f.rooms[slug] = &protocol.RoomResponse{Success: true, Room: info}
	return &info, nil
}

func (f *fakeServer) UpdateRoomInfo(_ context.Context, slug string, req *protocol.UpdateRoomInfoRequest) error {
	f.rooms[slug].Room.Description = req.Description
	f.rooms[slug].Room.SystemPrompt = req.SystemPrompt
	return nil
}

func (f *fakeServer) GetRoom(_ context.Context, slug string) (*protocol.RoomResponse, error) {
	return f.rooms[slug], nil
}

func (f *fakeServer) SendRoomMessage(_ context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	rec := f.record(req)
	f.rooms[slug].MessagesData = append(f.rooms[slug].MessagesData, rec)
	return &rec, nil
}

func (f *fakeServer) UpdateRoomMessage(_ context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	f.updates++
	rec := f.record(req)
	rec.MessageID = req.MessageID
	msgs, err := replace(f.rooms[slug].MessagesData, rec)
	if err != nil {
		return nil, err
	}
	f.rooms[slug].MessagesData = msgs
	return &rec, nil
}

func (f *fakeServer) GetRoomMessage(_ context.Context, slug, id string) (*protocol.MessageRecord, error) {
	for _, m := range f.rooms[slug].MessagesData {
		if m.MessageID == id {
			return &m, nil
		}
	}
	return nil, errors.New("no such message")
}

func (f *fakeServer) CreateConversation(_ context.Context, req *protocol.CreateConversationRequest) (*protocol.ConversationInfo, error) {
	info := protocol.ConversationInfo{Slug: "conv-1", ConvName: req.ConvName, SystemPrompt: req.SystemPrompt}
	f.convs[info.Slug] = &protocol.ConversationResponse{Success: true, Conv: info}
	return &info, nil
}

func (f *fakeServer) GetConversation(_ context.Context, slug string) (*protocol.ConversationResponse, error) {
	return f.convs[slug], nil
}

func (f *fakeServer) SendConversationMessage(_ context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	rec := f.record(req)
	f.convs[slug].MessagesData = append(f.convs[slug].MessagesData, rec)
	return &rec, nil
}

func (f *fakeServer) UpdateConversationMessage(_ context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	f.updates++
	rec := f.record(req)
	rec.MessageID = req.MessageID
	msgs, err := replace(f.convs[slug].MessagesData, rec)
	if err != nil {
		return nil, err
	}
	f.convs[slug].MessagesData = msgs
	return &rec, nil
}

func (f *fakeServer) StreamAI(ctx context.Context, req *protocol.StreamRequest) (io.ReadCloser, error) {
	f.streamRq = req
	return f.stream(ctx, req)
}

func (f *fakeServer) SubscribeRoom(context.Context, string) (<-chan protocol.RoomEvent, error) {
	return f.events, nil
}

// ndjson renders chunks the way the server streams them.
func ndjson(t *testing.T, chunks ...*protocol.StreamChunk) func(context.Context, *protocol.StreamRequest) (io.ReadCloser, error) {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range chunks {
		require.NoError(t, protocol.EncodeChunk(&buf, c))
	}
	data := buf.Bytes()
	return func(context.Context, *protocol.StreamRequest) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func contentChunk(t *testing.T, c protocol.AssistantContent, done bool) *protocol.StreamChunk {
	t.Helper()
	chunk, err := protocol.NewContentChunk(&c, done)
	require.NoError(t, err)
	return chunk
}

func newTestCipher(t *testing.T) (*Cipher, *fakeServer, *fakeKeys) {
	srv := newFakeServer()
	keys := newFakeKeys(t)
	return NewCipher(srv, keys, staticSalts{}), srv, keys
}

func TestAIKeySeparation(t *testing.T) {
	c, _, keys := newTestCipher(t)
	ctx := context.Background()

	roomKey, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	keys.rooms["lobby"] = roomKey

	aiKey, err := c.AIKey(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, aiKey.Equal(crypto.DeriveKeyFromKey(roomKey, "lobby", aiSalt)))
	assert.False(t, aiKey.Equal(roomKey))

	human, err := crypto.EncryptText(roomKey, "from a human")
	require.NoError(t, err)
	_, err = crypto.DecryptText(aiKey, human)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	bot, err := crypto.EncryptText(aiKey, "from the assistant")
	require.NoError(t, err)
	_, err = crypto.DecryptText(roomKey, bot)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	// Derived per slug.
	keys.rooms["other"] = roomKey
	otherAI, err := c.AIKey(ctx, "other")
	require.NoError(t, err)
	assert.False(t, aiKey.Equal(otherAI))

	_, err = c.AIKey(ctx, "missing")
	assert.ErrorIs(t, err, keychain.ErrKeyNotFound)
}

func TestRoomRoundTrip(t *testing.T) {
	c, srv, keys := newTestCipher(t)
	ctx := context.Background()

	room, err := c.CreateRoom(ctx, "Lobby", "a quiet place", "be brief")
	require.NoError(t, err)
	require.Contains(t, keys.rooms, "lobby")

	stored := srv.rooms["lobby"].Room
	assert.NotContains(t, stored.Description, "quiet")
	assert.NotContains(t, stored.SystemPrompt, "brief")

	_, err = c.SendRoomMessage(ctx, room.Slug, "hello there", 0)
	require.NoError(t, err)
	assert.NotContains(t, srv.rooms["lobby"].MessagesData[0].Content.Text.Ciphertext, "hello")

	loaded, err := c.LoadRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "a quiet place", loaded.Description)
	assert.Equal(t, "be brief", loaded.SystemPrompt)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "hello there", loaded.Messages[0].Text)
	assert.Nil(t, loaded.Messages[0].Assistant)

	updated, err := c.UpdateRoomMessage(ctx, "lobby", loaded.Messages[0].ID, "hello again", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello again", updated.Text)

	loaded, err = c.LoadRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "hello again", loaded.Messages[0].Text)
}

func TestDecryptRoomMessage_RoleSelectsKey(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	ctx := context.Background()

	_, err := c.CreateRoom(ctx, "Lobby", "", "")
	require.NoError(t, err)
	_, err = c.SendRoomMessage(ctx, "lobby", "human text", 0)
	require.NoError(t, err)

	rec := srv.rooms["lobby"].MessagesData[0]
	rec.MessageRole = protocol.MessageRoleAssistant
	_, err = c.DecryptRoomMessage(ctx, "lobby", &rec)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed, "misclassified role must fail, not return garbage")

	_, err = c.LoadRoom(ctx, "lobby")
	require.NoError(t, err)
	srv.rooms["lobby"].MessagesData[0].MessageRole = protocol.MessageRoleAssistant
	_, err = c.LoadRoom(ctx, "lobby")
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}

func TestStreamReply_Room(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, "Lobby", "", "")
	require.NoError(t, err)

	grounding := json.RawMessage(`{"webSearchQueries":["go"]}`)
	srv.stream = ndjson(t,
		contentChunk(t, protocol.AssistantContent{Text: "Hel", Auxiliaries: []protocol.Auxiliary{{Type: "status", Content: `{"message":"thinking"}`}}}, false),
		&protocol.StreamChunk{Content: "{broken"},
		contentChunk(t, protocol.AssistantContent{Text: "lo", GroundingMetadata: grounding}, false),
		contentChunk(t, protocol.AssistantContent{}, true),
	)

	var deltas []string
	reply, err := c.StreamReply(ctx, RoomTarget("lobby"), StreamOptions{Model: "echo", ThreadID: 2}, func(delta string, _ *protocol.AssistantContent) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamStatusDone, reply.Status)
	assert.Equal(t, []string{"Hel", "lo", ""}, deltas)
	assert.Equal(t, "lobby", srv.streamRq.Slug)
	assert.True(t, srv.streamRq.Payload.Stream)

	require.NotNil(t, reply.Message)
	assert.Equal(t, "Hello", reply.Message.Text)
	assert.False(t, reply.Message.Incomplete)

	persisted := srv.rooms["lobby"].MessagesData
	require.Len(t, persisted, 1)
	assert.Equal(t, protocol.MessageRoleAssistant, persisted[0].MessageRole)
	assert.Equal(t, 2, persisted[0].ThreadID)

	aiKey, err := c.AIKey(ctx, "lobby")
	require.NoError(t, err)
	plain, err := crypto.DecryptText(aiKey, fromPayload(persisted[0].Content.Text))
	require.NoError(t, err)
	var stored protocol.AssistantContent
	require.NoError(t, json.Unmarshal([]byte(plain), &stored))
	assert.Equal(t, "Hello", stored.Text)
	assert.JSONEq(t, string(grounding), string(stored.GroundingMetadata))
	require.Len(t, stored.Auxiliaries, 1)
	assert.Equal(t, "status", stored.Auxiliaries[0].Type)

	loaded, err := c.LoadRoom(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "Hello", loaded.Messages[0].Text)
	require.NotNil(t, loaded.Messages[0].Assistant)
}

func TestStreamReply_TruncatedStream(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, "Lobby", "", "")
	require.NoError(t, err)

	// The body ends without an isDone chunk
	srv.stream = ndjson(t, contentChunk(t, protocol.AssistantContent{Text: "Hel"}, false))

	reply, err := c.StreamReply(ctx, RoomTarget("lobby"), StreamOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamStatusIncomplete, reply.Status)
	require.NotNil(t, reply.Message)
	assert.True(t, reply.Message.Incomplete)
	assert.Equal(t, "Hel", reply.Message.Text)

	persisted := srv.rooms["lobby"].MessagesData
	require.Len(t, persisted, 1)
	assert.False(t, persisted[0].Completion)

	loaded, err := c.LoadRoom(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.True(t, loaded.Messages[0].Incomplete)
}

func TestStreamReply_EmptyTruncatedStreamPersistsNothing(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, "Lobby", "", "")
	require.NoError(t, err)

	srv.stream = ndjson(t)

	reply, err := c.StreamReply(ctx, RoomTarget("lobby"), StreamOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamStatusIncomplete, reply.Status)
	assert.Nil(t, reply.Message)
	assert.Empty(t, srv.rooms["lobby"].MessagesData)
}

func TestStreamReply_ServerCancelled(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, "Lobby", "", "")
	require.NoError(t, err)

	srv.stream = ndjson(t,
		contentChunk(t, protocol.AssistantContent{Text: "partial"}, false),
		&protocol.StreamChunk{IsDone: true, Status: protocol.StreamStatusCancelled},
	)

	reply, err := c.StreamReply(ctx, RoomTarget("lobby"), StreamOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamStatusCancelled, reply.Status)
	assert.Equal(t, "partial", reply.Content.Text)
	assert.Nil(t, reply.Message)
	assert.Empty(t, srv.rooms["lobby"].MessagesData)
}

func TestStreamReply_ContextCancelled(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	_, err := c.CreateRoom(context.Background(), "Lobby", "", "")
	require.NoError(t, err)

	srv.stream = func(ctx context.Context, _ *protocol.StreamRequest) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			chunk, _ := protocol.NewContentChunk(&protocol.AssistantContent{Text: "first"}, false)
			protocol.EncodeChunk(pw, chunk)
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	reply, err := c.StreamReply(ctx, RoomTarget("lobby"), StreamOptions{}, func(string, *protocol.AssistantContent) {
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, protocol.StreamStatusCancelled, reply.Status)
	assert.Equal(t, "first", reply.Content.Text)
	assert.Empty(t, srv.rooms["lobby"].MessagesData)
}

func TestStreamReply_TransportError(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, "Lobby", "", "")
	require.NoError(t, err)

	srv.stream = func(context.Context, *protocol.StreamRequest) (io.ReadCloser, error) {
		return nil, errors.New("connection refused")
	}
	reply, err := c.StreamReply(ctx, RoomTarget("lobby"), StreamOptions{}, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.StreamStatusError, reply.Status)
	assert.Empty(t, srv.rooms["lobby"].MessagesData)
}

func TestStreamReply_MissingRoomKey(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	srv.stream = func(context.Context, *protocol.StreamRequest) (io.ReadCloser, error) {
		t.Fatal("stream must not start without a key")
		return nil, nil
	}
	_, err := c.StreamReply(context.Background(), RoomTarget("nowhere"), StreamOptions{}, nil)
	assert.ErrorIs(t, err, keychain.ErrKeyNotFound)
}

func TestConversation(t *testing.T) {
	c, srv, keys := newTestCipher(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "Ideas", "you are helpful")
	require.NoError(t, err)
	assert.NotContains(t, srv.convs[conv.Slug].Conv.SystemPrompt, "helpful")

	_, err = c.SendConversationMessage(ctx, conv.Slug, "what is go?", 0)
	require.NoError(t, err)

	srv.stream = ndjson(t, contentChunk(t, protocol.AssistantContent{Text: "A language."}, true))
	reply, err := c.StreamReply(ctx, ConversationTarget(conv.Slug), StreamOptions{Model: "echo"}, nil)
	require.NoError(t, err)
	assert.Empty(t, srv.streamRq.Slug, "conversations are not room streams")

	// Regenerate the same reply.
	srv.stream = ndjson(t, contentChunk(t, protocol.AssistantContent{Text: "A programming language."}, true))
	_, err = c.StreamReply(ctx, ConversationTarget(conv.Slug), StreamOptions{MessageID: reply.Message.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.updates)
	assert.True(t, srv.streamRq.IsUpdate)

	loaded, err := c.LoadConversation(ctx, conv.Slug)
	require.NoError(t, err)
	assert.Equal(t, "you are helpful", loaded.SystemPrompt)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "what is go?", loaded.Messages[0].Text)
	assert.Equal(t, "A programming language.", loaded.Messages[1].Text)

	// Both roles use the AI conversation key.
	_, err = crypto.DecryptText(keys.aiConv, fromPayload(srv.convs[conv.Slug].MessagesData[1].Content.Text))
	assert.NoError(t, err)
}

func TestWatchRoom(t *testing.T) {
	c, srv, _ := newTestCipher(t)
	ctx := context.Background()
	_, err := c.CreateRoom(ctx, "Lobby", "", "")
	require.NoError(t, err)
	sent, err := c.SendRoomMessage(ctx, "lobby", "ping", 0)
	require.NoError(t, err)

	srv.events = make(chan protocol.RoomEvent, 4)
	srv.events <- protocol.RoomEvent{Type: protocol.EventMemberJoined, Slug: "lobby", Author: "bob"}
	srv.events <- protocol.RoomEvent{Type: protocol.EventMessageSent, Slug: "lobby", MessageID: "missing"}
	srv.events <- protocol.RoomEvent{Type: protocol.EventMessageSent, Slug: "lobby", MessageID: sent.ID}
	close(srv.events)

	var texts []string
	var joined []string
	err = c.WatchRoom(ctx, "lobby", func(ev protocol.RoomEvent, msg *Message) error {
		if msg == nil {
			joined = append(joined, ev.Author)
			return nil
		}
		texts = append(texts, msg.Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, texts)
	assert.Equal(t, []string{"bob"}, joined)
}
