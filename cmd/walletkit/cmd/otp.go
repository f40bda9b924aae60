package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mreed/walletkit/account"
)

var flagOTPTimeout time.Duration

var otpCmd = &cobra.Command{
	Use:   "otp",
	Short: "Manage the account second factor",
}

var otpStatusCmd = &cobra.Command{
	Use:   "status <username>",
	Short: "Show OTP state for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		username, err := account.NormalizeUsername(args[0])
		if err != nil {
			return err
		}
		status, err := mgr.OTP().Status(cmd.Context(), username)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", status.State)
		if !status.ResetExpiry.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), "reset completes: %s\n", status.ResetExpiry)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "local key cached: %v\n", status.HasLocalKey)
		return nil
	},
}

var otpEnableCmd = &cobra.Command{
	Use:   "enable <username>",
	Short: "Enable OTP enforcement, generating a key if none is cached",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()
		username, err := account.NormalizeUsername(args[0])
		if err != nil {
			return err
		}
		return mgr.OTP().Enable(cmd.Context(), username, flagOTPTimeout)
	},
}

var otpResetCmd = &cobra.Command{
	Use:   "request-reset <username> <reset-token>",
	Short: "Ask the backend to start the OTP reset timer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()
		username, err := account.NormalizeUsername(args[0])
		if err != nil {
			return err
		}
		return mgr.OTP().RequestReset(cmd.Context(), username, args[1])
	},
}

var otpPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List accounts with an unexpired reset pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		pending, err := mgr.OTP().PendingResetUsernames(cmd.Context())
		if err != nil {
			return err
		}
		for _, u := range pending {
			fmt.Fprintln(cmd.OutOrStdout(), u)
		}
		return nil
	},
}

func init() {
	otpCmd.PersistentFlags().DurationVar(&flagOTPTimeout, "timeout", time.Hour, "OTP enforcement timeout")
	otpCmd.AddCommand(otpStatusCmd, otpEnableCmd, otpResetCmd, otpPendingCmd)
	rootCmd.AddCommand(otpCmd)
}
