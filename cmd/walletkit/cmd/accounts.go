package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List locally cached accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		usernames, err := mgr.ListLocalAccounts(ctx)
		if err != nil {
			return err
		}
		last, err := mgr.LastAccessedAccount(ctx)
		if err != nil {
			return err
		}
		for _, u := range usernames {
			marker := " "
			if u == last {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, u)
		}
		return nil
	},
}

var removeAccountCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Delete all locally cached secrets for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()
		return mgr.RemoveLocalAccount(cmd.Context(), args[0])
	},
}

func init() {
	accountsCmd.AddCommand(removeAccountCmd)
	rootCmd.AddCommand(accountsCmd)
}
