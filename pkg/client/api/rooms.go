package api

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// CreateRoom creates a room and returns its slug.
func (c *Client) CreateRoom(ctx context.Context, name string) (*protocol.RoomInfo, error) {
	var resp protocol.CreateRoomResponse
	req := &protocol.CreateRoomRequest{RoomName: name}
	if _, err := c.do(ctx, http.MethodPost, "/req/room/createRoom", nil, req, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	return &resp.RoomData, nil
}

// UpdateRoomInfo stores the encrypted description and system prompt.
func (c *Client) UpdateRoomInfo(ctx context.Context, slug string, req *protocol.UpdateRoomInfoRequest) error {
	var resp protocol.Response
	if _, err := c.do(ctx, http.MethodPost, "/req/room/updateInfo/"+url.PathEscape(slug), nil, req, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

// GetRoom loads a room with its message history.
func (c *Client) GetRoom(ctx context.Context, slug string) (*protocol.RoomResponse, error) {
	var resp protocol.RoomResponse
	if _, err := c.do(ctx, http.MethodGet, "/req/room/"+url.PathEscape(slug), nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LeaveRoom removes the caller from a room. The room key stays in the local keychain.
func (c *Client) LeaveRoom(ctx context.Context, slug string) error {
	var resp protocol.Response
	if _, err := c.do(ctx, http.MethodDelete, "/req/room/leaveRoom/"+url.PathEscape(slug), nil, nil, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

// SendRoomMessage posts an encrypted message to a room.
func (c *Client) SendRoomMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	return c.postMessage(ctx, "/req/room/sendMessage/"+url.PathEscape(slug), req)
}

// UpdateRoomMessage replaces the content of an existing room message.
func (c *Client) UpdateRoomMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	return c.postMessage(ctx, "/req/room/updateMessage/"+url.PathEscape(slug), req)
}

// GetRoomMessage fetches one room message.
func (c *Client) GetRoomMessage(ctx context.Context, slug, messageID string) (*protocol.MessageRecord, error) {
	var resp protocol.MessageResponse
	path := "/req/room/message/get/" + url.PathEscape(slug) + "/" + url.PathEscape(messageID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	return &resp.MessageData, nil
}

// CreateConversation creates a private assistant conversation.
func (c *Client) CreateConversation(ctx context.Context, req *protocol.CreateConversationRequest) (*protocol.ConversationInfo, error) {
	var resp protocol.ConversationResponse
	if _, err := c.do(ctx, http.MethodPost, "/req/conv/createChat", nil, req, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	return &resp.Conv, nil
}

// GetConversation loads a conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, slug string) (*protocol.ConversationResponse, error) {
	var resp protocol.ConversationResponse
	if _, err := c.do(ctx, http.MethodGet, "/req/conv/"+url.PathEscape(slug), nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendConversationMessage posts an encrypted message to a conversation.
func (c *Client) SendConversationMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	return c.postMessage(ctx, "/req/conv/sendMessage/"+url.PathEscape(slug), req)
}

// UpdateConversationMessage replaces the content of a conversation message.
func (c *Client) UpdateConversationMessage(ctx context.Context, slug string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	return c.postMessage(ctx, "/req/conv/updateMessage/"+url.PathEscape(slug), req)
}

func (c *Client) postMessage(ctx context.Context, path string, req *protocol.SendMessageRequest) (*protocol.MessageRecord, error) {
	var resp protocol.MessageResponse
	if _, err := c.do(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	return &resp.MessageData, nil
}

// StreamAI starts an assistant reply and returns the NDJSON body. Closing
// the body or cancelling ctx aborts the stream.
func (c *Client) StreamAI(ctx context.Context, req *protocol.StreamRequest) (io.ReadCloser, error) {
	return c.openStream(ctx, "/req/streamAI", req)
}
