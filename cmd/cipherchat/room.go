package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeolun/cipherchat/pkg/client/invitation"
	"github.com/aeolun/cipherchat/pkg/client/messaging"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

func newRoomCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Create, read and write encrypted rooms",
	}

	cmd.AddCommand(
		newRoomCreateCmd(v),
		newRoomShowCmd(v),
		newRoomSendCmd(v),
		newRoomWatchCmd(v),
		newRoomInviteCmd(v),
		newRoomLeaveCmd(v),
	)
	return cmd
}

func newRoomCreateCmd(v *viper.Viper) *cobra.Command {
	var description, prompt string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room with a fresh room key",
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
			room, err := s.Cipher().CreateRoom(cmd.Context(), args[0], description, prompt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %q: %s\n", room.Name, room.Slug)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "room description (stored encrypted)")
	cmd.Flags().StringVar(&prompt, "system-prompt", "", "assistant system prompt (stored encrypted)")
	return cmd
}

func newRoomShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <slug>",
		Short: "Decrypt and print a room and its history",
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
			room, err := s.Cipher().LoadRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (%s, you are %s)\n", room.Name, room.Slug, room.Role)
			if room.Description != "" {
				fmt.Fprintln(out, room.Description)
			}
			fmt.Fprintln(out)
			for i := range room.Messages {
				printMessage(out, &room.Messages[i])
			}
			return nil
		},
	}
}

func newRoomSendCmd(v *viper.Viper) *cobra.Command {
	var thread int

	cmd := &cobra.Command{
		Use:   "send <slug> <text...>",
		Short: "Encrypt and send a message to a room",
		Args:  cobra.MinimumNArgs(2),
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
			msg, err := s.Cipher().SendRoomMessage(cmd.Context(), args[0], strings.Join(args[1:], " "), thread)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", msg.ID)
			return nil
		},
	}

	cmd.Flags().IntVar(&thread, "thread", 0, "thread index")
	return cmd
}

func newRoomWatchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <slug>",
		Short: "Follow a room and print messages as they arrive",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s, Ctrl-C to stop\n", args[0])
			err = s.Cipher().WatchRoom(ctx, args[0], func(ev protocol.RoomEvent, msg *messaging.Message) error {
				if msg == nil {
					if ev.Type == protocol.EventMemberJoined {
						fmt.Fprintf(out, "* %s joined\n", ev.Author)
					}
					return nil
				}
				printMessage(out, msg)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newRoomInviteCmd(v *viper.Viper) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "invite <slug> <username...>",
		Short: "Invite people to a room",
		Long: `Invite people to a room. Users with an account get the room key wrapped
under their public key. Anyone else gets a temp-hash invitation whose
link code is printed here; deliver it to them out of band.`,
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

			invitees := make([]invitation.Invitee, 0, len(args)-1)
			for _, username := range args[1:] {
				inv := invitation.Invitee{Username: username, Role: protocol.Role(role)}
				users, err := s.Client().SearchUsers(cmd.Context(), username)
				if err != nil {
					return fmt.Errorf("look up %s: %w", username, err)
				}
				for _, u := range users {
					if strings.EqualFold(u.Username, username) {
						inv.Username = u.Username
						inv.PublicKey = u.PublicKey
						break
					}
				}
				invitees = append(invitees, inv)
			}

			sent, err := s.Invitations().Invite(cmd.Context(), args[0], invitees)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tROLE\tDELIVERY")
			for _, out := range sent {
				delivery := "public key"
				if out.TempHash != "" {
					delivery = "link code " + out.TempHash
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", out.Username, out.Role, delivery)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&role, "role", string(protocol.RoleViewer), "role to grant (admin, editor, viewer)")
	return cmd
}

func newRoomLeaveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <slug>",
		Short: "Leave a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.session.Client().LeaveRoom(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Left %s\n", args[0])
			return nil
		},
	}
}

func newInvitationsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "invitations",
		Aliases: []string{"inv"},
		Short:   "List, accept and decline room invitations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.session.Invitations().Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending invitations")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROOM\tROLE\tKIND")
			for _, p := range pending {
				kind := "public key"
				if _, ok := p.Envelope.(invitation.TempHash); ok {
					kind = "link code required"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.RoomSlug, p.Role, kind)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(newAcceptCmd(v), newDeclineCmd(v))
	return cmd
}

func newAcceptCmd(v *viper.Viper) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "accept <slug>",
		Short: "Accept an invitation and store the room key",
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

			var room *protocol.RoomInfo
			if code != "" {
				room, err = s.Invitations().AcceptWithTempHash(cmd.Context(), args[0], code)
			} else {
				var p *invitation.Pending
				if p, err = s.Invitations().ForRoom(cmd.Context(), args[0]); err != nil {
					return err
				}
				room, err = s.Invitations().Accept(cmd.Context(), p)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined %s as %s\n", room.Slug, room.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "link code of a temp-hash invitation")
	return cmd
}

func newDeclineCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "decline <slug>",
		Short: "Decline an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.session.Invitations().Decline(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Declined %s\n", args[0])
			return nil
		},
	}
}

func printMessage(w io.Writer, m *messaging.Message) {
	author := m.Author
	if m.Role == protocol.MessageRoleAssistant {
		author = "assistant"
		if m.Model != "" {
			author += "/" + m.Model
		}
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), author, m.Text)
}
