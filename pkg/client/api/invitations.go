package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// StoreInvitations stores (or replaces) invitations for a room.
func (c *Client) StoreInvitations(ctx context.Context, slug string, invitations []protocol.InvitationRecord) error {
	var resp protocol.Response
	req := &protocol.StoreInvitationsRequest{Invitations: invitations}
	if _, err := c.do(ctx, http.MethodPost, "/req/inv/store-invitations/"+url.PathEscape(slug), nil, req, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

// SendExternInvitation asks the server to deliver a temp-hash invitation link.
func (c *Client) SendExternInvitation(ctx context.Context, req *protocol.ExternInvitationRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/req/inv/sendExternInvitation", nil, req, nil)
	return err
}

// UserInvitations lists the caller's pending invitations.
func (c *Client) UserInvitations(ctx context.Context) ([]protocol.UserInvitation, error) {
	var resp protocol.UserInvitationsResponse
	if _, err := c.do(ctx, http.MethodGet, "/req/inv/requestUserInvitations", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.FormattedInvitations, nil
}

// RoomInvitation returns the caller's pending invitation for one room.
func (c *Client) RoomInvitation(ctx context.Context, slug string) (*protocol.UserInvitation, error) {
	var resp protocol.UserInvitation
	if _, err := c.do(ctx, http.MethodGet, "/req/inv/requestInvitation/"+url.PathEscape(slug), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcceptInvitation tells the server the invitation was decrypted locally.
func (c *Client) AcceptInvitation(ctx context.Context, invitationID int64) (*protocol.RoomInfo, error) {
	var resp protocol.AcceptInvitationResponse
	req := &protocol.AcceptInvitationRequest{InvitationID: invitationID}
	if _, err := c.do(ctx, http.MethodPost, "/req/inv/roomInvitationAccept", nil, req, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

// DeleteInvitation declines the caller's invitation for a room.
func (c *Client) DeleteInvitation(ctx context.Context, slug string) error {
	var resp protocol.Response
	if _, err := c.do(ctx, http.MethodDelete, "/req/inv/deleteInvitation/"+url.PathEscape(slug), nil, nil, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

// ConvertTempHashInvitation replaces a temp-hash invitation with one wrapped
// under the caller's public key.
func (c *Client) ConvertTempHashInvitation(ctx context.Context, req *protocol.ConvertInvitationRequest) error {
	var resp protocol.Response
	if _, err := c.do(ctx, http.MethodPost, "/req/inv/convertTempHashInvitation", nil, req, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Message)
}
