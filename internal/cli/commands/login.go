package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reportsched/internal/errors"
)

// NewLoginCommand exchanges credentials for a token and stores it in the CLI
// config file.
func NewLoginCommand() *cobra.Command {
	var (
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the report scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := newClient().Login(cmd.Context(), username, password)
			if err != nil {
				return describe(err, "login failed")
			}

			viper.Set(KeyToken, token)
			if err := viper.WriteConfig(); err != nil {
				if err := viper.SafeWriteConfig(); err != nil {
					return errors.Wrap(err, "failed to save token")
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Login successful")
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
