package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// Register creates an account and adopts the returned credentials.
func (c *Client) Register(ctx context.Context, req *protocol.RegisterRequest) (*protocol.AuthResponse, error) {
	return c.authenticate(ctx, "/req/register", req)
}

// Login authenticates and adopts the returned credentials.
func (c *Client) Login(ctx context.Context, req *protocol.LoginRequest) (*protocol.AuthResponse, error) {
	return c.authenticate(ctx, "/req/login", req)
}

// Logout revokes the current token on the server and drops the local
// credentials even if the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	var resp protocol.Response
	_, err := c.do(ctx, http.MethodPost, "/req/logout", nil, struct{}{}, &resp)
	c.SetCredentials("", "")
	if err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*protocol.AuthResponse, error) {
	var resp protocol.AuthResponse
	if _, err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	c.SetCredentials(resp.Token, resp.CSRFToken)
	return &resp, nil
}

// SearchUsers looks up users (and their public keys) by username prefix.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]protocol.UserSearchResult, error) {
	var resp protocol.SearchResponse
	path := "/req/search?query=" + url.QueryEscape(query)
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, ""); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// BackupPasskey uploads an encrypted passkey backup.
func (c *Client) BackupPasskey(ctx context.Context, req *protocol.PasskeyBackupRequest) error {
	var resp protocol.Response
	if _, err := c.do(ctx, http.MethodPost, "/req/profile/backupPassKey", nil, req, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

// RequestPasskeyBackup downloads the encrypted passkey backup. It returns
// ErrNotFound when the account has none.
func (c *Client) RequestPasskeyBackup(ctx context.Context) (*protocol.EncryptedPayload, error) {
	var resp protocol.PasskeyBackupResponse
	if _, err := c.do(ctx, http.MethodGet, "/req/profile/requestPasskeyBackup", nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return nil, err
	}
	if resp.PasskeyBackup == nil {
		return nil, ErrNotFound
	}
	return resp.PasskeyBackup, nil
}
