package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	envFiles []string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "watchlist-sync",
		Short:         "Offline-first watchlist sync client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newStatusCommand(),
		newMutationsCommand(),
		newTitlesCommand(),
		newExportCommand(),
		newImportCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Additional .env files to load")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.url"), "Watchlist backend base URL")
	cmd.PersistentFlags().String("token-file", defaults.GetString("auth.token_file"), "File holding the bearer credential")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Also write logs to this rotated file")
	cmd.PersistentFlags().Bool("realtime", defaults.GetBool("realtime.enabled"), "Listen for realtime notifications")

	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "auth.token_file", "token-file")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "realtime.enabled", "realtime")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	config.LoadEnvFiles(envFiles...)
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("watchlist")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
