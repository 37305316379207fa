package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/client/api"
	"github.com/aeolun/cipherchat/pkg/client/passkey"
	"github.com/aeolun/cipherchat/pkg/client/session"
)

var errNotLoggedIn = errors.New("not logged in; run `cipherchat login` first")

// app bundles the local state and, once logged in, the session for one
// command invocation.
type app struct {
	state   *client.State
	server  string
	logger  zerolog.Logger
	login   *client.Login
	session *session.Session
}

func dataDir(v *viper.Viper) (string, error) {
	if dir := v.GetString("data_dir"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cipherchat"), nil
}

func newLogger(v *viper.Viper, stderr io.Writer) zerolog.Logger {
	level := zerolog.WarnLevel
	if v.GetBool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: stderr}).Level(level).With().Timestamp().Logger()
}

// openApp opens the state database and resolves the server URL. It does
// not require a stored login.
func openApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	dir, err := dataDir(v)
	if err != nil {
		return nil, err
	}
	state, err := client.OpenState(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}

	server := strings.TrimRight(v.GetString("server"), "/")
	if server == "" {
		server = state.GetLastServer()
	}
	if server == "" {
		state.Close()
		return nil, errors.New("no server configured; pass --server")
	}

	return &app{
		state:  state,
		server: server,
		logger: newLogger(v, cmd.ErrOrStderr()),
	}, nil
}

// openSession opens the app and restores the stored login for its server.
func openSession(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	a, err := openApp(cmd, v)
	if err != nil {
		return nil, err
	}

	login, err := a.state.GetLogin(a.server)
	if errors.Is(err, client.ErrNoLogin) {
		a.Close()
		return nil, errNotLoggedIn
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("read login: %w", err)
	}
	a.login = login

	c := api.New(a.server)
	c.SetCredentials(login.Token, login.CSRFToken)
	if err := a.startSession(c, login.Username, login.Email); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) startSession(c *api.Client, username, email string) error {
	s, err := session.New(session.Config{
		Client:   c,
		Username: username,
		Email:    email,
		Blobs:    a.state,
	})
	if err != nil {
		return err
	}
	s.SetLogger(a.logger)
	a.session = s
	return nil
}

// unlocked makes sure a valid passkey is available, falling back to
// CIPHERCHAT_PASSKEY when none is stored locally.
func (a *app) unlocked(ctx context.Context, v *viper.Viper) (*session.Session, error) {
	if a.session.Ready(ctx) {
		return a.session, nil
	}
	pk := v.GetString("passkey")
	if pk == "" {
		return nil, errors.New("no passkey on this device; run `cipherchat passkey set` or set CIPHERCHAT_PASSKEY")
	}
	if err := a.session.Unlock(ctx, pk); err != nil {
		if errors.Is(err, passkey.ErrInvalidPasskey) {
			return nil, errors.New("CIPHERCHAT_PASSKEY does not match this account's keychain")
		}
		return nil, err
	}
	return a.session, nil
}

func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close state")
	}
}

// readSecret prompts on stderr and reads one line from the command's stdin.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no input")
	}
	return line, nil
}
