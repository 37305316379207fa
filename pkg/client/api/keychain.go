package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// GetServerSalt fetches the raw salt for label.
func (c *Client) GetServerSalt(ctx context.Context, label string) ([]byte, error) {
	var resp protocol.SaltResponse
	header := http.Header{}
	header.Set(protocol.SaltLabelHeader, label)

	if _, err := c.do(ctx, http.MethodGet, "/req/crypto/getServerSalt", header, nil, &resp); err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(resp.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt encoding: %w", err)
	}
	return salt, nil
}

// GetKeychain returns the stored encrypted entries. An empty slice means the
// account has no per-entry keychain yet.
func (c *Client) GetKeychain(ctx context.Context) ([]protocol.KeychainValue, error) {
	var values []protocol.KeychainValue
	status, err := c.do(ctx, http.MethodGet, "/keychain", nil, nil, &values)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return values, nil
}

// GetLegacyKeychain returns the single-blob legacy keychain. ok is false when
// the server answers 204 (nothing to migrate).
func (c *Client) GetLegacyKeychain(ctx context.Context) (blob string, ok bool, err error) {
	var resp protocol.LegacyKeychainResponse
	status, err := c.do(ctx, http.MethodGet, "/keychain/legacy", nil, nil, &resp)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNoContent {
		return "", false, nil
	}
	if err := checkSuccess(resp.Success, resp.Error); err != nil {
		return "", false, err
	}
	return resp.Keychain, true, nil
}

// UpdateKeychain applies a batch of keychain changes. It only returns nil
// once the server acknowledged the write.
func (c *Client) UpdateKeychain(ctx context.Context, req *protocol.KeychainUpdateRequest) error {
	var resp protocol.Response
	if _, err := c.do(ctx, http.MethodPost, "/keychain", nil, req, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

// MarkAsMigrated records that the legacy keychain has been migrated.
func (c *Client) MarkAsMigrated(ctx context.Context) error {
	var resp protocol.Response
	if _, err := c.do(ctx, http.MethodPost, "/keychain/markAsMigrated", nil, nil, &resp); err != nil {
		return err
	}
	return checkSuccess(resp.Success, resp.Error)
}

// GetValidator returns the "iv|tag|ciphertext" value used to test a passkey.
func (c *Client) GetValidator(ctx context.Context) (string, error) {
	var resp protocol.ValidatorResponse
	if _, err := c.do(ctx, http.MethodGet, "/keychain/validator", nil, nil, &resp); err != nil {
		return "", err
	}
	if err := checkSuccess(resp.Success && resp.Validator != "", resp.Error); err != nil {
		return "", err
	}
	return resp.Validator, nil
}
