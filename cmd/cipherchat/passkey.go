package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/client/passkey"
)

func newPasskeyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passkey",
		Short: "Manage the passkey that protects your keychain",
	}

	cmd.AddCommand(
		newPasskeySetCmd(v),
		newPasskeyGenerateCmd(v),
		newPasskeyCheckCmd(v),
		newPasskeyBackupCmd(v),
		newPasskeyRecoverCmd(v),
		newPasskeyExportCmd(v),
	)
	return cmd
}

func newPasskeySetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Unlock this device with your passkey (read from stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			pk, err := readSecret(cmd, "Passkey: ")
			if err != nil {
				return err
			}
			if err := a.session.Unlock(cmd.Context(), pk); err != nil {
				if errors.Is(err, passkey.ErrInvalidPasskey) {
					return errors.New("that passkey does not decrypt your keychain")
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Passkey stored for this device")
			return nil
		},
	}
}

func newPasskeyGenerateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a passkey for a new account and create its keychain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.session.Client().GetValidator(cmd.Context()); err == nil {
				return errors.New("this account already has a keychain; use `cipherchat passkey set`")
			}

			pk, err := crypto.GeneratePasskey()
			if err != nil {
				return err
			}
			if err := a.session.Unlock(cmd.Context(), pk); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Your passkey: %s\n", pk)
			fmt.Fprintln(out, "Write it down. Without it (or a backup) your messages cannot be recovered.")
			return nil
		},
	}
}

func newPasskeyCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check a passkey against the server without storing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			pk, err := readSecret(cmd, "Passkey: ")
			if err != nil {
				return err
			}
			ok, err := a.session.Passkeys().CanDecryptKeychain(cmd.Context(), pk)
			if err != nil {
				return err
			}
			if !ok {
				return passkey.ErrInvalidPasskey
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Passkey is valid")
			return nil
		},
	}
}

func newPasskeyBackupCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Upload an encrypted passkey backup and print its recovery code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.unlocked(cmd.Context(), v); err != nil {
				return err
			}
			code, err := a.session.Passkeys().CreateBackup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovery code: %s\n", code)
			fmt.Fprintln(cmd.OutOrStdout(), "A new backup replaces the previous one; older codes no longer work.")
			return nil
		},
	}
}

func newPasskeyRecoverCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <recovery-code>",
		Short: "Restore the passkey from the server backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			pk, err := a.session.Passkeys().Recover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.session.Unlock(cmd.Context(), pk); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recovered passkey: %s\n", pk)
			return nil
		},
	}
}

func newPasskeyExportCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "export <app-public-key>",
		Short: "Wrap the passkey for a paired app (base64 SPKI public key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.unlocked(cmd.Context(), v); err != nil {
				return err
			}
			envelope, err := a.session.Passkeys().ExportForApp(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), envelope)
			return nil
		},
	}
}

func newKeychainCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keychain",
		Short: "Inspect the decrypted keychain",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List keychain entries (names and types only)",
		Args:  cobra.NoArgs,
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
			entries, err := s.Keychain().Load(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tBYTES")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Name, e.Type, len(e.Value))
			}
			return tw.Flush()
		},
	})
	return cmd
}
