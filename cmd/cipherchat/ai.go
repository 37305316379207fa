package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeolun/cipherchat/pkg/client/messaging"
	"github.com/aeolun/cipherchat/pkg/client/session"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

func newAICmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ai",
		Short: "Talk to the assistant in a room or a private conversation",
	}

	cmd.AddCommand(newAINewCmd(v), newAIShowCmd(v), newAIAskCmd(v))
	return cmd
}

func newAINewCmd(v *viper.Viper) *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Start a private assistant conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.unlocked(cmd.Context(), v)
			if err != nil {
				return err
			}
			conv, err := s.Cipher().CreateConversation(cmd.Context(), args[0], prompt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %q: %s\n", conv.Name, conv.Slug)
			return nil
		},
	}

	cmd.Flags().StringVar(&prompt, "system-prompt", "", "assistant system prompt (stored encrypted)")
	return cmd
}

func newAIShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation>",
		Short: "Decrypt and print a private conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.unlocked(cmd.Context(), v)
			if err != nil {
				return err
			}
			conv, err := s.Cipher().LoadConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (%s)\n\n", conv.Name, conv.Slug)
			for i := range conv.Messages {
				printMessage(out, &conv.Messages[i])
			}
			return nil
		},
	}
}

func newAIAskCmd(v *viper.Viper) *cobra.Command {
	var (
		conversation bool
		model        string
		thread       int
	)

	cmd := &cobra.Command{
		Use:   "ask <slug> <text...>",
		Short: "Send a message and stream the assistant's reply",
		Long: `Send a message and stream the assistant's reply. The reply is shown as it
arrives and stored encrypted once complete. Interrupting with Ctrl-C
cancels the reply and stores nothing.

The slug names a room unless --conversation is given.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.unlocked(cmd.Context(), v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slug, text := args[0], strings.Join(args[1:], " ")
			target, history, err := prepareAsk(ctx, s, slug, text, thread, conversation)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reply, err := s.Cipher().StreamReply(ctx, target, messaging.StreamOptions{
				Model:    model,
				ThreadID: thread,
				History:  history,
			}, func(delta string, _ *protocol.AssistantContent) {
				fmt.Fprint(out, delta)
			})
			fmt.Fprintln(out)

			switch {
			case errors.Is(err, context.Canceled):
				fmt.Fprintln(cmd.ErrOrStderr(), "Cancelled; nothing was stored")
				return nil
			case err != nil:
				return err
			case reply.Status == protocol.StreamStatusIncomplete && reply.Message != nil:
				return fmt.Errorf("assistant stream was cut off; partial reply stored as %s", reply.Message.ID)
			case reply.Status != protocol.StreamStatusDone:
				return fmt.Errorf("assistant stream ended with status %q; nothing was stored", reply.Status)
			}
			a.logger.Debug().Str("message_id", reply.Message.ID).Msg("reply stored")
			return nil
		},
	}

	cmd.Flags().BoolVar(&conversation, "conversation", false, "slug is a private conversation")
	cmd.Flags().StringVar(&model, "model", "", "assistant model (server default when empty)")
	cmd.Flags().IntVar(&thread, "thread", 0, "thread index")
	return cmd
}

// prepareAsk stores the user's message and returns the plaintext history
// the assistant should answer, ending with that message.
func prepareAsk(ctx context.Context, s *session.Session, slug, text string, thread int, conversation bool) (messaging.Target, []protocol.StreamMessage, error) {
	var (
		target   messaging.Target
		previous []messaging.Message
	)
	if conversation {
		conv, err := s.Cipher().LoadConversation(ctx, slug)
		if err != nil {
			return target, nil, err
		}
		if _, err := s.Cipher().SendConversationMessage(ctx, slug, text, thread); err != nil {
			return target, nil, err
		}
		target, previous = messaging.ConversationTarget(slug), conv.Messages
	} else {
		room, err := s.Cipher().LoadRoom(ctx, slug)
		if err != nil {
			return target, nil, err
		}
		if _, err := s.Cipher().SendRoomMessage(ctx, slug, text, thread); err != nil {
			return target, nil, err
		}
		target, previous = messaging.RoomTarget(slug), room.Messages
	}

	history := make([]protocol.StreamMessage, 0, len(previous)+1)
	for _, m := range previous {
		if m.ThreadID != thread {
			continue
		}
		history = append(history, protocol.StreamMessage{Role: m.Role, Content: protocol.StreamText{Text: m.Text}})
	}
	history = append(history, protocol.StreamMessage{Role: protocol.MessageRoleUser, Content: protocol.StreamText{Text: text}})
	return target, history, nil
}
