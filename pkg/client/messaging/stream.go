package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

// Target names where an assistant reply is persisted.
type Target struct {
	Slug         string
	Conversation bool
}

// RoomTarget persists the reply into a room under the room's AI key.
func RoomTarget(slug string) Target { return Target{Slug: slug} }

// ConversationTarget persists the reply into a private conversation.
func ConversationTarget(slug string) Target { return Target{Slug: slug, Conversation: true} }

// StreamOptions describes the assistant request. History is sent to the
// assistant in plaintext. MessageID regenerates an existing reply.
type StreamOptions struct {
	Model     string
	ThreadID  int
	MessageID string
	History   []protocol.StreamMessage
}

// ChunkFunc receives each text delta and the reply accumulated so far.
type ChunkFunc func(delta string, acc *protocol.AssistantContent)

// Reply is the outcome of a stream. Message is set only when the reply
// was persisted. A stream that closed before its final chunk reports
// status "incomplete" and its partial text is persisted marked as such.
type Reply struct {
	Status  string
	Content protocol.AssistantContent
	Message *Message
}

// accumulator folds stream chunks into the final reply: text deltas are
// appended, the latest non-empty grounding metadata and auxiliaries win.
type accumulator struct {
	content protocol.AssistantContent
}

func (a *accumulator) add(c *protocol.AssistantContent) {
	a.content.Text += c.Text
	if len(c.GroundingMetadata) > 0 && string(c.GroundingMetadata) != `""` {
		a.content.GroundingMetadata = c.GroundingMetadata
	}
	if len(c.Auxiliaries) > 0 {
		a.content.Auxiliaries = c.Auxiliaries
	}
}

func (a *accumulator) empty() bool {
	return a.content.Text == "" && len(a.content.Auxiliaries) == 0
}

func (a *accumulator) snapshot() *protocol.AssistantContent {
	out := a.content
	out.Auxiliaries = append([]protocol.Auxiliary(nil), a.content.Auxiliaries...)
	return &out
}

// StreamReply asks the assistant for a reply and streams it. Live chunks
// arrive in plaintext and are handed to onChunk as they come; once the
// stream completes the full reply is encrypted and persisted as an
// assistant message. A cancelled ctx yields status "cancelled" and a
// transport failure status "error"; neither persists anything.
func (c *Cipher) StreamReply(ctx context.Context, target Target, opts StreamOptions, onChunk ChunkFunc) (*Reply, error) {
	// Resolve the key before starting so a missing key fails fast.
	key, err := c.replyKey(ctx, target)
	if err != nil {
		return nil, err
	}

	req := &protocol.StreamRequest{
		IsUpdate:    opts.MessageID != "",
		MessageID:   opts.MessageID,
		ThreadIndex: opts.ThreadID,
		Payload: protocol.StreamPayload{
			Model:    opts.Model,
			Stream:   true,
			Messages: opts.History,
		},
	}
	if !target.Conversation {
		req.Slug = target.Slug
	}

	body, err := c.server.StreamAI(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return &Reply{Status: protocol.StreamStatusCancelled}, ctx.Err()
		}
		return &Reply{Status: protocol.StreamStatusError}, fmt.Errorf("start stream: %w", err)
	}
	defer body.Close()

	var (
		acc  accumulator
		done bool
	)
	reader := protocol.NewChunkReader(body)

	for !done {
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, protocol.ErrInvalidChunk) {
			c.logger.Warn().Err(err).Str("slug", target.Slug).Msg("skipping malformed stream chunk")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return &Reply{Status: protocol.StreamStatusCancelled, Content: *acc.snapshot()}, ctx.Err()
			}
			return &Reply{Status: protocol.StreamStatusError, Content: *acc.snapshot()}, fmt.Errorf("read stream: %w", err)
		}

		switch chunk.Status {
		case protocol.StreamStatusCancelled, protocol.StreamStatusError:
			c.logger.Info().Str("slug", target.Slug).Str("status", chunk.Status).Msg("stream ended without a reply")
			return &Reply{Status: chunk.Status, Content: *acc.snapshot()}, nil
		}

		done = chunk.IsDone

		content, err := chunk.Decode()
		if err != nil {
			c.logger.Warn().Err(err).Str("slug", target.Slug).Msg("skipping undecodable stream chunk")
			continue
		}
		acc.add(content)
		if onChunk != nil && (content.Text != "" || chunk.IsDone) {
			onChunk(content.Text, acc.snapshot())
		}
	}

	if ctx.Err() != nil {
		return &Reply{Status: protocol.StreamStatusCancelled, Content: *acc.snapshot()}, ctx.Err()
	}

	status := protocol.StreamStatusDone
	if !done {
		status = protocol.StreamStatusIncomplete
		c.logger.Warn().Str("slug", target.Slug).Int("chars", len(acc.content.Text)).Msg("stream closed before its final chunk")
		if acc.empty() {
			return &Reply{Status: status}, nil
		}
	}

	msg, err := c.persistReply(ctx, target, opts, key, acc.snapshot(), done)
	if err != nil {
		return &Reply{Status: protocol.StreamStatusError, Content: *acc.snapshot()}, err
	}
	return &Reply{Status: status, Content: *acc.snapshot(), Message: msg}, nil
}

func (c *Cipher) replyKey(ctx context.Context, target Target) (crypto.SymmetricKey, error) {
	if target.Conversation {
		return c.keys.AIConvKey(ctx)
	}
	return c.AIKey(ctx, target.Slug)
}

func (c *Cipher) persistReply(ctx context.Context, target Target, opts StreamOptions, key crypto.SymmetricKey, content *protocol.AssistantContent, complete bool) (*Message, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	sealed, err := crypto.EncryptText(key, string(data))
	if err != nil {
		return nil, err
	}

	req := &protocol.SendMessageRequest{
		MessageID:   opts.MessageID,
		MessageRole: protocol.MessageRoleAssistant,
		ThreadID:    opts.ThreadID,
		Model:       opts.Model,
		Content:     protocol.MessageContent{Text: toPayload(sealed)},
		Completion:  &complete,
	}

	var rec *protocol.MessageRecord
	switch {
	case target.Conversation && opts.MessageID != "":
		rec, err = c.server.UpdateConversationMessage(ctx, target.Slug, req)
	case target.Conversation:
		rec, err = c.server.SendConversationMessage(ctx, target.Slug, req)
	case opts.MessageID != "":
		rec, err = c.server.UpdateRoomMessage(ctx, target.Slug, req)
	default:
		rec, err = c.server.SendRoomMessage(ctx, target.Slug, req)
	}
	if err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}

	msg := plainMessage(rec, content.Text)
	msg.Assistant = content
	c.logger.Debug().Str("slug", target.Slug).Int("chars", len(content.Text)).Msg("assistant reply persisted")
	return msg, nil
}
