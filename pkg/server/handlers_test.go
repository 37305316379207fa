package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawUser is an account driven with plain HTTP requests
type rawUser struct {
	env   *journeyEnv
	token string
	csrf  string
}

func (e *journeyEnv) rawRegister(t *testing.T, username string) *rawUser {
	t.Helper()
	var resp protocol.AuthResponse
	code := e.call(t, nil, http.MethodPost, "/req/register",
		protocol.RegisterRequest{Username: username, Password: testPassword}, &resp)
	require.Equal(t, http.StatusCreated, code)
	require.True(t, resp.Success)
	return &rawUser{env: e, token: resp.Token, csrf: resp.CSRFToken}
}

// call sends body as JSON and decodes the response into out when given.
// It returns the status code.
func (e *journeyEnv) call(t *testing.T, u *rawUser, method, path string, body, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		req.Header.Set(protocol.AuthHeader, "Bearer "+u.token)
		req.Header.Set(protocol.CSRFHeader, u.csrf)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (u *rawUser) call(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	return u.env.call(t, u, method, path, body, out)
}

func TestAuth(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")

	t.Run("duplicate username", func(t *testing.T) {
		var resp protocol.AuthResponse
		code := env.call(t, nil, http.MethodPost, "/req/register",
			protocol.RegisterRequest{Username: "ALICE", Password: testPassword}, &resp)
		assert.Equal(t, http.StatusConflict, code)
		assert.False(t, resp.Success)
	})

	t.Run("invalid username", func(t *testing.T) {
		code := env.call(t, nil, http.MethodPost, "/req/register",
			protocol.RegisterRequest{Username: "a b", Password: testPassword}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("short password", func(t *testing.T) {
		code := env.call(t, nil, http.MethodPost, "/req/register",
			protocol.RegisterRequest{Username: "bobby", Password: "short"}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("missing token", func(t *testing.T) {
		code := env.call(t, nil, http.MethodGet, "/keychain", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("unknown token", func(t *testing.T) {
		code := env.call(t, &rawUser{token: "nope", csrf: "nope"}, http.MethodGet, "/keychain", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("csrf required on writes", func(t *testing.T) {
		forged := &rawUser{env: env, token: alice.token, csrf: "forged"}
		code := forged.call(t, http.MethodPost, "/keychain/markAsMigrated", struct{}{}, nil)
		assert.Equal(t, http.StatusForbidden, code)

		// Reads only need the bearer token
		code = forged.call(t, http.MethodGet, "/req/inv/requestUserInvitations", nil, nil)
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("logout revokes the token", func(t *testing.T) {
		bob := env.rawRegister(t, "bobby")
		require.Equal(t, http.StatusOK, bob.call(t, http.MethodPost, "/req/logout", struct{}{}, nil))
		assert.Equal(t, http.StatusUnauthorized, bob.call(t, http.MethodGet, "/keychain", nil, nil))
	})
}

func TestServerSalt(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")

	get := func(label string) (int, protocol.SaltResponse) {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/req/crypto/getServerSalt", nil)
		require.NoError(t, err)
		req.Header.Set(protocol.AuthHeader, "Bearer "+alice.token)
		if label != "" {
			req.Header.Set(protocol.SaltLabelHeader, label)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body protocol.SaltResponse
		json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	seen := make(map[string]bool)
	for _, label := range protocol.SaltLabels {
		code, body := get(label)
		require.Equal(t, http.StatusOK, code, label)
		assert.NotEmpty(t, body.Salt)
		assert.False(t, seen[body.Salt], "salt for %s is shared with another label", label)
		seen[body.Salt] = true

		// Stable across requests
		_, again := get(label)
		assert.Equal(t, body.Salt, again.Salt)
	}

	code, _ := get("")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get("NOT_A_LABEL")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestKeychainEndpoints(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")

	assert.Equal(t, http.StatusNoContent, alice.call(t, http.MethodGet, "/keychain", nil, nil))
	assert.Equal(t, http.StatusNoContent, alice.call(t, http.MethodGet, "/keychain/legacy", nil, nil))
	assert.Equal(t, http.StatusNotFound, alice.call(t, http.MethodGet, "/keychain/validator", nil, nil))

	bad := protocol.KeychainUpdateRequest{Set: []protocol.KeychainValue{{Key: "k", Value: "v", Type: "bogus"}}}
	assert.Equal(t, http.StatusBadRequest, alice.call(t, http.MethodPost, "/keychain", bad, nil))

	update := protocol.KeychainUpdateRequest{
		Set: []protocol.KeychainValue{
			{Key: "publicKey", Value: "aXY=|dGFn|cHVi", Type: protocol.KeyTypePublic},
			{Key: "room-1", Value: "aXY=|dGFn|cm9vbQ==", Type: protocol.KeyTypeRoom},
		},
		PublicKey: "cHVia2V5",
	}
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/keychain", update, nil))

	var values []protocol.KeychainValue
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet, "/keychain", nil, &values))
	assert.Len(t, values, 2)

	var validator protocol.ValidatorResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet, "/keychain/validator", nil, &validator))
	assert.Equal(t, "aXY=|dGFn|cHVi", validator.Validator)

	var search protocol.SearchResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet, "/req/search?query=ali", nil, &search))
	require.Len(t, search.Users, 1)
	assert.Equal(t, "cHVia2V5", search.Users[0].PublicKey)

	remove := protocol.KeychainUpdateRequest{Remove: []protocol.KeychainRef{{Key: "room-1", Type: protocol.KeyTypeRoom}}}
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/keychain", remove, nil))
	values = nil
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet, "/keychain", nil, &values))
	assert.Len(t, values, 1)
}

func TestBodyLimit(t *testing.T) {
	env := setupJourneyServer(t, func(c *ServerConfig) { c.MaxBodyBytes = 128 })
	alice := env.rawRegister(t, "alice")

	big := protocol.KeychainUpdateRequest{
		Set: []protocol.KeychainValue{{Key: "k", Value: strings.Repeat("x", 256), Type: protocol.KeyTypeRoom}},
	}
	assert.Equal(t, http.StatusRequestEntityTooLarge, alice.call(t, http.MethodPost, "/keychain", big, nil))
}

func TestPasskeyBackupEndpoints(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")

	var resp protocol.PasskeyBackupResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet, "/req/profile/requestPasskeyBackup", nil, &resp))
	assert.True(t, resp.Success)
	assert.Nil(t, resp.PasskeyBackup)

	other := protocol.PasskeyBackupRequest{Username: "mallory", CipherText: "c", IV: "i", Tag: "t"}
	assert.Equal(t, http.StatusForbidden, alice.call(t, http.MethodPost, "/req/profile/backupPassKey", other, nil))

	own := protocol.PasskeyBackupRequest{Username: "alice", CipherText: "c", IV: "i", Tag: "t"}
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/profile/backupPassKey", own, nil))

	resp = protocol.PasskeyBackupResponse{}
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet, "/req/profile/requestPasskeyBackup", nil, &resp))
	require.NotNil(t, resp.PasskeyBackup)
	assert.Equal(t, "c", resp.PasskeyBackup.Ciphertext)
}

func TestInvitationRoles(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")
	bob := env.rawRegister(t, "bobby")

	var created protocol.CreateRoomResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/createRoom",
		protocol.CreateRoomRequest{RoomName: "Team"}, &created))
	slug := created.RoomData.Slug

	invite := func(u *rawUser, username string, role protocol.Role) int {
		req := protocol.StoreInvitationsRequest{Invitations: []protocol.InvitationRecord{
			{Username: username, EncryptedRoomKey: "a2V5", IV: "0", Tag: "0", Role: role},
		}}
		return u.call(t, http.MethodPost, "/req/inv/store-invitations/"+slug, req, nil)
	}

	assert.Equal(t, http.StatusForbidden, invite(bob, "carol", protocol.RoleViewer), "non-members cannot invite")
	assert.Equal(t, http.StatusBadRequest, invite(alice, "carol", "owner"))
	require.Equal(t, http.StatusOK, invite(alice, "bobby", protocol.RoleEditor))

	var inv protocol.UserInvitation
	require.Equal(t, http.StatusOK, bob.call(t, http.MethodGet, "/req/inv/requestInvitation/"+slug, nil, &inv))
	assert.Equal(t, "a2V5", inv.Invitation)

	// Someone else's invitation ID looks missing
	assert.Equal(t, http.StatusNotFound, alice.call(t, http.MethodPost, "/req/inv/roomInvitationAccept",
		protocol.AcceptInvitationRequest{InvitationID: inv.InvitationID}, nil))

	var accepted protocol.AcceptInvitationResponse
	require.Equal(t, http.StatusOK, bob.call(t, http.MethodPost, "/req/inv/roomInvitationAccept",
		protocol.AcceptInvitationRequest{InvitationID: inv.InvitationID}, &accepted))
	require.NotNil(t, accepted.Room)
	assert.Equal(t, protocol.RoleEditor, accepted.Room.Role)

	// Editors invite but cannot hand out admin
	assert.Equal(t, http.StatusForbidden, invite(bob, "carol", protocol.RoleAdmin))
	assert.Equal(t, http.StatusOK, invite(bob, "carol", protocol.RoleEditor))

	// Only admins edit room info
	info := protocol.UpdateRoomInfoRequest{Description: "x"}
	assert.Equal(t, http.StatusForbidden, bob.call(t, http.MethodPost, "/req/room/updateInfo/"+slug, info, nil))
	assert.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/updateInfo/"+slug, info, nil))

	// Conversion requires an invitation and keeps its role
	var convert protocol.Response
	assert.Equal(t, http.StatusNotFound, bob.call(t, http.MethodPost, "/req/inv/convertTempHashInvitation",
		protocol.ConvertInvitationRequest{RoomSlug: slug, EncryptedRoomKey: "bmV3"}, &convert))
	assert.False(t, convert.Success)

	assert.Equal(t, http.StatusNotFound, alice.call(t, http.MethodGet, "/req/room/does-not-exist", nil, nil))
}

func TestMessageValidation(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")

	var created protocol.CreateRoomResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/createRoom",
		protocol.CreateRoomRequest{RoomName: "Msgs"}, &created))
	slug := created.RoomData.Slug

	text := protocol.EncryptedPayload{Ciphertext: "Y3Q=", IV: "aXY=", Tag: "dGFn"}
	send := func(req protocol.SendMessageRequest) (int, protocol.MessageResponse) {
		var resp protocol.MessageResponse
		code := alice.call(t, http.MethodPost, "/req/room/sendMessage/"+slug, req, &resp)
		return code, resp
	}

	code, _ := send(protocol.SendMessageRequest{Content: protocol.MessageContent{Text: protocol.EncryptedPayload{Ciphertext: "x"}}})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = send(protocol.SendMessageRequest{MessageRole: "system", Content: protocol.MessageContent{Text: text}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := send(protocol.SendMessageRequest{Content: protocol.MessageContent{Text: text}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, protocol.MessageRoleUser, resp.MessageData.MessageRole)
	assert.Equal(t, "alice", resp.MessageData.Author)
	assert.NotEmpty(t, resp.MessageData.MessageID)

	update := protocol.SendMessageRequest{Content: protocol.MessageContent{Text: text}}
	assert.Equal(t, http.StatusBadRequest, alice.call(t, http.MethodPost, "/req/room/updateMessage/"+slug, update, nil))
	update.MessageID = "missing"
	assert.Equal(t, http.StatusNotFound, alice.call(t, http.MethodPost, "/req/room/updateMessage/"+slug, update, nil))

	var got protocol.MessageResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet,
		"/req/room/message/get/"+slug+"/"+resp.MessageData.MessageID, nil, &got))
	assert.Equal(t, text, got.MessageData.Content.Text)

	// Conversations belong to their owner only
	bob := env.rawRegister(t, "bobby")
	var conv protocol.ConversationResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/conv/createChat",
		protocol.CreateConversationRequest{ConvName: "private"}, &conv))
	assert.Equal(t, http.StatusNotFound, bob.call(t, http.MethodGet, "/req/conv/"+conv.Conv.Slug, nil, nil))
	assert.Equal(t, http.StatusOK, alice.call(t, http.MethodGet, "/req/conv/"+conv.Conv.Slug, nil, nil))
}

func TestMessageCompletion(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")

	var created protocol.CreateRoomResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/createRoom",
		protocol.CreateRoomRequest{RoomName: "Cutoff"}, &created))
	slug := created.RoomData.Slug

	text := protocol.EncryptedPayload{Ciphertext: "Y3Q=", IV: "aXY=", Tag: "dGFn"}
	incomplete, complete := false, true

	var partial protocol.MessageResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/sendMessage/"+slug, protocol.SendMessageRequest{
		MessageRole: protocol.MessageRoleAssistant,
		Content:     protocol.MessageContent{Text: text},
		Completion:  &incomplete,
	}, &partial))
	assert.False(t, partial.MessageData.Completion)

	// Human messages are always complete
	var human protocol.MessageResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/sendMessage/"+slug, protocol.SendMessageRequest{
		Content:    protocol.MessageContent{Text: text},
		Completion: &incomplete,
	}, &human))
	assert.True(t, human.MessageData.Completion)

	// Regenerating the reply to the end clears the flag
	var regenerated protocol.MessageResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/updateMessage/"+slug, protocol.SendMessageRequest{
		MessageID:   partial.MessageData.MessageID,
		MessageRole: protocol.MessageRoleAssistant,
		Content:     protocol.MessageContent{Text: text},
		Completion:  &complete,
	}, &regenerated))
	assert.True(t, regenerated.MessageData.Completion)

	var got protocol.MessageResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodGet,
		"/req/room/message/get/"+slug+"/"+partial.MessageData.MessageID, nil, &got))
	assert.True(t, got.MessageData.Completion)
}

func TestStreamRequiresPosting(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")
	bob := env.rawRegister(t, "bobby")

	var created protocol.CreateRoomResponse
	require.Equal(t, http.StatusOK, alice.call(t, http.MethodPost, "/req/room/createRoom",
		protocol.CreateRoomRequest{RoomName: "AI"}, &created))

	req := protocol.StreamRequest{
		Slug:    created.RoomData.Slug,
		Payload: protocol.StreamPayload{Messages: []protocol.StreamMessage{{Role: "user", Content: protocol.StreamText{Text: "hi"}}}},
	}
	assert.Equal(t, http.StatusForbidden, bob.call(t, http.MethodPost, "/req/streamAI", req, nil))

	empty := protocol.StreamRequest{Slug: created.RoomData.Slug}
	assert.Equal(t, http.StatusBadRequest, alice.call(t, http.MethodPost, "/req/streamAI", empty, nil))
}

func TestStreamCancelledOnShutdown(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")

	// Shutdown already signalled: the first chunk is the cancellation
	close(env.srv.shutdown)

	body, err := json.Marshal(protocol.StreamRequest{
		Payload: protocol.StreamPayload{Messages: []protocol.StreamMessage{{Role: "user", Content: protocol.StreamText{Text: "hi"}}}},
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/req/streamAI", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(protocol.AuthHeader, "Bearer "+alice.token)
	req.Header.Set(protocol.CSRFHeader, alice.csrf)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	chunk, err := protocol.NewChunkReader(resp.Body).Next()
	require.NoError(t, err)
	assert.True(t, chunk.IsDone)
	assert.Equal(t, protocol.StreamStatusCancelled, chunk.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupJourneyServer(t)
	alice := env.rawRegister(t, "alice")
	alice.call(t, http.MethodGet, "/keychain", nil, nil)

	var health struct {
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, env.call(t, nil, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health.Status)

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `cipherchat_http_requests_total{code="204",route="GET /keychain"}`)
}
