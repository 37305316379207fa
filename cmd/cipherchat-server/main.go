package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeolun/cipherchat/pkg/server"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "cipherchat-server",
		Short: "CipherChat server - ciphertext storage, invitations and room relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "~/.cipherchat/server.toml", "path to the TOML config file")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().Bool("debug", false, "write debug.log to the data directory")
	_ = v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.PersistentFlags().Int("port", 0, "HTTP port (overrides the config file)")
	_ = v.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))

	rootCmd.AddCommand(newVersionCmd())

	return rootCmd.ExecuteContext(context.Background())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cipherchat-server %s (built %s)\n", Version, BuildTime)
		},
	}
}

func serve(ctx context.Context, v *viper.Viper) error {
	configPath := v.GetString("config")
	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	config := tomlConfig.ToServerConfig()
	if port := v.GetInt("port"); port != 0 {
		config.HTTPPort = port
	}

	dbPath, err := tomlConfig.GetDatabasePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	srv, err := server.NewServer(dbPath, config, configPath)
	if err != nil {
		return err
	}
	if v.GetBool("debug") {
		srv.EnableDebugLogging()
	}

	log.Info().Str("version", Version).Str("database", dbPath).Int("port", config.HTTPPort).Msg("starting cipherchat server")
	if err := srv.Start(); err != nil {
		_ = srv.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return srv.Stop()
}
