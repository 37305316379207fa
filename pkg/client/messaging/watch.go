package messaging

import (
	"context"
	"fmt"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// MessageHandler receives decrypted messages from a room feed. Returning
// an error stops the watch.
type MessageHandler func(ev protocol.RoomEvent, msg *Message) error

// WatchRoom follows a room's event relay. Every announced message is
// fetched, decrypted with the key matching its role, and passed to
// handler. Messages that cannot be fetched or decrypted are logged and
// skipped. WatchRoom returns when ctx ends, the relay closes, or handler
// fails.
func (c *Cipher) WatchRoom(ctx context.Context, slug string, handler MessageHandler) error {
	events, err := c.server.SubscribeRoom(ctx, slug)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", slug, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}

			switch ev.Type {
			case protocol.EventMessageSent, protocol.EventMessageUpdated:
			default:
				if err := handler(ev, nil); err != nil {
					return err
				}
				continue
			}

			rec, err := c.server.GetRoomMessage(ctx, slug, ev.MessageID)
			if err != nil {
				c.logger.Warn().Err(err).Str("slug", slug).Str("message_id", ev.MessageID).Msg("fetch announced message failed")
				continue
			}
			msg, err := c.DecryptRoomMessage(ctx, slug, rec)
			if err != nil {
				c.logger.Warn().Err(err).Str("slug", slug).Str("message_id", ev.MessageID).Msg("decrypt announced message failed")
				continue
			}
			if err := handler(ev, msg); err != nil {
				return err
			}
		}
	}
}
