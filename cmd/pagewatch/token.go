package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage stored account credentials",
	}
	tokenCmd.AddCommand(
		&cobra.Command{
			Use:   "import <owner> <file>",
			Short: "Store the token a consent flow produced for owner",
			Long:  "Reads an OAuth2 token as JSON (access_token, refresh_token, token_type, expiry) and stores it sealed for owner. The token must carry a refresh token.",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				owner, path := args[0], args[1]
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading token file: %w", err)
				}
				var tok oauth2.Token
				if err := json.Unmarshal(raw, &tok); err != nil {
					return fmt.Errorf("decoding token file: %w", err)
				}

				a, err := openApp(cmd.Context(), opts.configPath)
				if err != nil {
					return err
				}
				defer a.Close()

				if err := a.creds.Save(cmd.Context(), owner, &tok); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored credential for %s\n", owner)
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke <owner>",
			Short: "Delete the stored credential of owner",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(cmd.Context(), opts.configPath)
				if err != nil {
					return err
				}
				defer a.Close()

				if err := a.creds.Revoke(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed credential for %s\n", args[0])
				return nil
			},
		},
	)
	return tokenCmd
}
