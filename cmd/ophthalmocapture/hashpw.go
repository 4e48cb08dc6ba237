package main

import (
	"errors"
	"fmt"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/ophthalmocapture/pkg/security"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for auth.users[*].password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line := liner.NewLiner()
			defer line.Close()

			pw, err := line.PasswordPrompt("password: ")
			if err != nil {
				return err
			}
			again, err := line.PasswordPrompt("repeat: ")
			if err != nil {
				return err
			}
			if pw != again {
				return errors.New("passwords do not match")
			}

			hash, err := security.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
