package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/client/api"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

func newRegisterCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "register <username> <email>",
		Short: "Create an account (password is read from stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			password, err := readSecret(cmd, "Password: ")
			if err != nil {
				return err
			}

			c := api.New(a.server)
			c.SetLogger(a.logger)
			resp, err := c.Register(cmd.Context(), &protocol.RegisterRequest{
				Username: args[0],
				Email:    args[1],
				Password: password,
			})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			if err := a.saveLogin(resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s on %s\n", resp.Username, a.server)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: `cipherchat passkey generate` to create your keychain")
			return nil
		},
	}
}

func newLoginCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "Log in (password is read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			password, err := readSecret(cmd, "Password: ")
			if err != nil {
				return err
			}

			c := api.New(a.server)
			c.SetLogger(a.logger)
			resp, err := c.Login(cmd.Context(), &protocol.LoginRequest{Username: args[0], Password: password})
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if err := a.saveLogin(resp); err != nil {
				return err
			}

			if err := a.startSession(c, resp.Username, resp.Email); err != nil {
				return err
			}
			state := "no passkey on this device yet; run `cipherchat passkey set`"
			if a.session.Ready(cmd.Context()) {
				state = "passkey unlocked"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", resp.Username, state)
			return nil
		},
	}
}

func newLogoutCmd(v *viper.Viper) *cobra.Command {
	var forget bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session token",
		Long: `Revoke the session token on the server. The locally wrapped passkey
stays on this device unless --forget is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.session.Client().Logout(cmd.Context()); err != nil && !errors.Is(err, api.ErrUnauthorized) {
				a.logger.Warn().Err(err).Msg("server logout failed")
			}
			if forget {
				if err := a.session.Forget(); err != nil {
					return fmt.Errorf("forget passkey: %w", err)
				}
			} else {
				a.session.Logout()
			}
			if err := a.state.DeleteLogin(a.server); err != nil {
				return fmt.Errorf("delete login: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", a.login.Username)
			return nil
		},
	}

	cmd.Flags().BoolVar(&forget, "forget", false, "also delete the locally wrapped passkey")
	return cmd
}

func newWhoamiCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current login and passkey state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			ready := a.session.Ready(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:    %s\n", a.server)
			fmt.Fprintf(out, "username:  %s\n", a.login.Username)
			fmt.Fprintf(out, "email:     %s\n", a.login.Email)
			fmt.Fprintf(out, "logged in: %s\n", a.login.LoggedIn.Format("2006-01-02 15:04"))
			fmt.Fprintf(out, "passkey:   %s\n", a.session.Passkeys().State())
			if !ready {
				fmt.Fprintln(out, "           run `cipherchat passkey set` to unlock this device")
			}
			return nil
		},
	}
}

func (a *app) saveLogin(resp *protocol.AuthResponse) error {
	return a.state.SaveLogin(&client.Login{
		Server:    a.server,
		Username:  resp.Username,
		Email:     resp.Email,
		Token:     resp.Token,
		CSRFToken: resp.CSRFToken,
	})
}
