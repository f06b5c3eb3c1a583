package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/TKKRTKY/brain-feed-reader/internal/config"
	"github.com/TKKRTKY/brain-feed-reader/internal/logging"
	"github.com/TKKRTKY/brain-feed-reader/internal/platform"
	"github.com/TKKRTKY/brain-feed-reader/internal/provider"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "brainfeed",
		Short:        "Brain Feed reader storage tooling",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newMigrateCommand(),
		newRollbackCommand(),
		newStatusCommand(),
		newBackupCommand(),
		newBridgeCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (defaults to ./.env)")
	cmd.PersistentFlags().String("platform", defaults.GetString("platform"), "Platform override (web, desktop, electron)")
	cmd.PersistentFlags().String("web-dir", defaults.GetString("web.dir"), "Directory holding the object store outside the browser")
	cmd.PersistentFlags().String("desktop-filename", defaults.GetString("desktop.filename"), "SQLite database path")
	cmd.PersistentFlags().Bool("verbose-sql", defaults.GetBool("desktop.options.verbose"), "Log every SQL statement")
	cmd.PersistentFlags().String("bridge-address", defaults.GetString("bridge.address"), "Bridge HTTP listen address")
	cmd.PersistentFlags().String("bridge-socket", defaults.GetString("bridge.socket"), "Bridge unix socket path")
	cmd.PersistentFlags().String("signing-secret", "", "Bridge signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("bridge.token_ttl_minutes"), "Bridge token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "platform", "platform")
	bindFlag(cmd, "web.dir", "web-dir")
	bindFlag(cmd, "desktop.filename", "desktop-filename")
	bindFlag(cmd, "desktop.options.verbose", "verbose-sql")
	bindFlag(cmd, "bridge.address", "bridge-address")
	bindFlag(cmd, "bridge.socket", "bridge-socket")
	bindFlag(cmd, "bridge.signing_secret", "signing-secret")
	bindFlag(cmd, "bridge.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// session bundles what every storage command needs.
type session struct {
	config   config.AppConfig
	logger   *zap.Logger
	platform platform.Info
}

func loadSession() (session, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return session{}, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return session{}, err
	}
	info := platform.NewDetector().Override(appConfig.Platform)
	return session{config: appConfig, logger: logger, platform: info}, nil
}

// openProvider initializes storage for the detected platform without migrating it.
func (r session) openProvider(ctx context.Context) (*provider.Provider, error) {
	storageProvider, err := provider.New(provider.FromAppConfig(r.config, r.logger), r.platform)
	if err != nil {
		return nil, err
	}
	if err := storageProvider.Initialize(ctx); err != nil {
		return nil, err
	}
	return storageProvider, nil
}

func withProvider(cmd *cobra.Command, run func(ctx context.Context, storageProvider *provider.Provider, logger *zap.Logger) error) error {
	sess, err := loadSession()
	if err != nil {
		return err
	}
	defer sess.logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	storageProvider, err := sess.openProvider(ctx)
	if err != nil {
		return err
	}
	defer storageProvider.Close() //nolint:errcheck
	return run(ctx, storageProvider, sess.logger)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvider(cmd, func(ctx context.Context, storageProvider *provider.Provider, _ *zap.Logger) error {
				applied, err := storageProvider.Migrate(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return err
			})
		},
	}
}

func newRollbackCommand() *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert migrations above a target version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvider(cmd, func(ctx context.Context, storageProvider *provider.Provider, _ *zap.Logger) error {
				reverted, err := storageProvider.Rollback(ctx, target)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s), now at version %d\n", reverted, target)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&target, "to", 0, "Version to roll back to")
	if err := cmd.MarkFlagRequired("to"); err != nil {
		panic(err)
	}
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print platform and schema version as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvider(cmd, func(ctx context.Context, storageProvider *provider.Provider, _ *zap.Logger) error {
				status, err := storageProvider.Status(ctx)
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(status)
			})
		},
	}
}

func newBackupCommand() *cobra.Command {
	var destination string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the library to a backup file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvider(cmd, func(ctx context.Context, storageProvider *provider.Provider, logger *zap.Logger) error {
				if err := storageProvider.Backup(ctx, destination); err != nil {
					return err
				}
				logger.Info("backup written", zap.String("destination", destination))
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", destination)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&destination, "out", "", "Backup destination path")
	if err := cmd.MarkFlagRequired("out"); err != nil {
		panic(err)
	}
	return cmd
}
