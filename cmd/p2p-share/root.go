package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hogrider/p2p-share/pkg/config"
	"hogrider/p2p-share/pkg/logger"
)

var (
	configPath string
	logLevel   string
	logConsole bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "p2p-share",
	Short: "P2P File Sharing System",
	Long:  `A peer-to-peer file sharing system: a tracker coordinates peers that exchange 1 MiB chunks directly.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logConsole {
			cfg.Log.Console = true
		}
		return logger.Init(logger.Options{
			Level:   cfg.Log.Level,
			File:    cfg.Log.File,
			Console: cfg.Log.Console,
		})
	},
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the default configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Bytes(config.Default())
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logConsole, "log-console", false, "Also log to stderr")

	configCmd.AddCommand(configDefaultCmd)
	rootCmd.AddCommand(configCmd)
}
