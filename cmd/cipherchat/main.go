package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetEnvPrefix("CIPHERCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return newRootCmd(v).ExecuteContext(context.Background())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cipherchat",
		Short: "CipherChat - end-to-end encrypted rooms and assistant chats",
		Long: `CipherChat client. Keys never leave this machine unencrypted: the
server only stores ciphertext, public keys and wrapped invitations.

Getting started:
  cipherchat register alice alice@example.com --server http://localhost:8080
  cipherchat passkey generate           # or: cipherchat passkey set
  cipherchat room create "Project X"
  cipherchat room invite <slug> bob --role editor
  cipherchat ai ask <slug> "summarize the thread"

The passkey can also be supplied with CIPHERCHAT_PASSKEY.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("server", "", "server URL (default: last used server)")
	_ = v.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default ~/.cipherchat)")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.PersistentFlags().Bool("debug", false, "log requests and key operations to stderr")
	_ = v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	// Commands
	rootCmd.AddCommand(
		newRegisterCmd(v),
		newLoginCmd(v),
		newLogoutCmd(v),
		newWhoamiCmd(v),
		newPasskeyCmd(v),
		newKeychainCmd(v),
		newRoomCmd(v),
		newInvitationsCmd(v),
		newAICmd(v),
	)

	return rootCmd
}

// loadConfigFile reads <data-dir>/config.toml when present. Flags and
// environment variables take precedence over it.
func loadConfigFile(v *viper.Viper) error {
	dir, err := dataDir(v)
	if err != nil {
		return err
	}
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
