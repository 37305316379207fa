package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/cipherchat/pkg/server"
)

func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfg := server.DefaultConfig()
	cfg.HTTPPort = 0
	cfg.DataDir = dir
	cfg.MetricsPath = ""
	cfg.ChunkDelay = 0

	srv, err := server.NewServer(filepath.Join(dir, "cipherchat.db"), cfg, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return fmt.Sprintf("http://127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port)
}

// device is one local data directory talking to the test server.
type device struct {
	server string
	dir    string
}

func newDevice(t *testing.T, serverURL string) *device {
	return &device{server: serverURL, dir: t.TempDir()}
}

func (d *device) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(viper.New())
	cmd.SetArgs(append([]string{"--server", d.server, "--data-dir", d.dir}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (d *device) must(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := d.run(t, stdin, args...)
	require.NoError(t, err, "cipherchat %s", strings.Join(args, " "))
	return out
}

// lastField returns the last whitespace separated field of the first line
// containing marker.
func lastField(t *testing.T, out, marker string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, marker) {
			fields := strings.Fields(line)
			return fields[len(fields)-1]
		}
	}
	t.Fatalf("no line containing %q in:\n%s", marker, out)
	return ""
}

func onboard(t *testing.T, d *device, username string) string {
	t.Helper()
	d.must(t, "hunter2hunter2\n", "register", username, username+"@example.com")
	out := d.must(t, "", "passkey", "generate")
	return lastField(t, out, "Your passkey:")
}

func TestCLI_RoomsInvitationsAndAssistant(t *testing.T) {
	url := startServer(t)
	alice := newDevice(t, url)
	bob := newDevice(t, url)

	onboard(t, alice, "alice")
	onboard(t, bob, "bob")

	out := alice.must(t, "", "room", "create", "Team", "--description", "weekly sync")
	slug := lastField(t, out, "Created")
	alice.must(t, "", "room", "send", slug, "hello", "world")

	out = alice.must(t, "", "room", "invite", slug, "bob", "--role", "editor")
	assert.Contains(t, out, "public key")

	out = bob.must(t, "", "invitations")
	assert.Contains(t, out, slug)
	out = bob.must(t, "", "invitations", "accept", slug)
	assert.Contains(t, out, "Joined "+slug)

	out = bob.must(t, "", "room", "show", slug)
	assert.Contains(t, out, "weekly sync")
	assert.Contains(t, out, "alice: hello world")

	out = bob.must(t, "", "ai", "ask", slug, "what's", "up")
	assert.Contains(t, out, "Echo: what's up")

	out = alice.must(t, "", "room", "show", slug)
	assert.Contains(t, out, "bob: what's up")
	assert.Contains(t, out, "assistant: Echo: what's up")

	out = alice.must(t, "", "keychain", "list")
	assert.Contains(t, out, slug)
}

func TestCLI_TempHashInvitation(t *testing.T) {
	url := startServer(t)
	alice := newDevice(t, url)
	carol := newDevice(t, url)

	onboard(t, alice, "alice")
	slug := lastField(t, alice.must(t, "", "room", "create", "Open"), "Created")

	out := alice.must(t, "", "room", "invite", slug, "carol")
	code := lastField(t, out, "link code")

	onboard(t, carol, "carol")
	out = carol.must(t, "", "invitations")
	assert.Contains(t, out, "link code required")

	_, err := carol.run(t, "", "invitations", "accept", slug, "--code", strings.Repeat("0", len(code)))
	assert.Error(t, err)

	out = carol.must(t, "", "invitations", "accept", slug, "--code", code)
	assert.Contains(t, out, "Joined "+slug)
}

func TestCLI_PasskeyLifecycle(t *testing.T) {
	url := startServer(t)
	laptop := newDevice(t, url)
	pk := onboard(t, laptop, "dave")

	_, err := laptop.run(t, "", "passkey", "generate")
	assert.Error(t, err, "an account with a keychain cannot generate a new passkey")

	laptop.must(t, pk+"\n", "passkey", "check")
	_, err = laptop.run(t, "not-the-passkey\n", "passkey", "check")
	assert.Error(t, err)

	code := lastField(t, laptop.must(t, "", "passkey", "backup"), "Recovery code:")

	// A second device logs in and recovers from the backup
	phone := newDevice(t, url)
	phone.must(t, "hunter2hunter2\n", "login", "dave")
	out := phone.must(t, "", "whoami")
	assert.Contains(t, out, "passkey set")

	out = phone.must(t, "", "passkey", "recover", code)
	assert.Contains(t, out, pk)
	phone.must(t, "", "keychain", "list")

	laptop.must(t, "", "logout")
	_, err = laptop.run(t, "", "whoami")
	assert.ErrorIs(t, err, errNotLoggedIn)
}

func TestCLI_ConfigFileSuppliesServer(t *testing.T) {
	url := startServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(fmt.Sprintf("server = %q\n", url)), 0600))

	var out bytes.Buffer
	cmd := newRootCmd(viper.New())
	cmd.SetArgs([]string{"--data-dir", dir, "register", "heidi", "heidi@example.com"})
	cmd.SetIn(strings.NewReader("hunter2hunter2\n"))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Registered heidi on "+url)
}

func TestReadSecret(t *testing.T) {
	cmd := newRootCmd(viper.New())
	cmd.SetErr(io.Discard)

	cmd.SetIn(strings.NewReader("s3cret\r\nrest"))
	got, err := readSecret(cmd, "")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	cmd.SetIn(strings.NewReader("last-line-without-newline"))
	got, err = readSecret(cmd, "")
	require.NoError(t, err)
	assert.Equal(t, "last-line-without-newline", got)

	cmd.SetIn(strings.NewReader(""))
	_, err = readSecret(cmd, "")
	assert.Error(t, err)
}

func TestOpenApp_RequiresServer(t *testing.T) {
	v := viper.New()
	v.Set("data_dir", t.TempDir())
	cmd := newRootCmd(v)

	_, err := openApp(cmd, v)
	assert.ErrorContains(t, err, "no server configured")
}
