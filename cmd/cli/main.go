package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reportsched/internal/cli/commands"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "reportsched",
	Short: "reportsched CLI - manage recurring report schedules",
	Long: `reportsched is a command-line tool for the report scheduling service.
It creates, edits, enables, disables and deletes report schedules, shows
their execution history and lets admins trigger due schedules by hand.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func initConfig() error {
	viper.SetEnvPrefix("REPORTSCHED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetDefault(commands.KeyAPIURL, "http://localhost:8080")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir := filepath.Join(home, ".reportsched")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("cli")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile == "" {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "CLI config file (default $HOME/.reportsched/cli.yaml)")
	rootCmd.PersistentFlags().String("api-url", "", "Report scheduler API URL")
	_ = viper.BindPFlag(commands.KeyAPIURL, rootCmd.PersistentFlags().Lookup("api-url"))

	rootCmd.AddCommand(commands.NewLoginCommand())
	rootCmd.AddCommand(commands.NewScheduleCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
