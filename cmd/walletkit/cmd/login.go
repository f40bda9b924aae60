package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mreed/walletkit/account"
	"github.com/mreed/walletkit/backend"
)

var (
	flagPassword string
	flagPIN      string
	flagOTP      string
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and report the session state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := newManager()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		var session *account.Session
		switch {
		case flagPIN != "":
			session, err = mgr.PINLogin(ctx, args[0], flagPIN)
		case flagPassword != "":
			session, err = mgr.PasswordLogin(ctx, args[0], flagPassword, flagOTP)
		default:
			session, err = mgr.AutoRelogin(ctx, args[0])
		}
		if err != nil {
			return describeLoginFailure(cmd, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (session started %s)\n",
			session.Username(), session.StartedAt().Format("15:04:05"))
		return mgr.Logout(ctx, session)
	},
}

func describeLoginFailure(cmd *cobra.Command, err error) error {
	var otpErr *backend.OTPRequiredError
	var lockErr *backend.TooManyAttemptsError
	switch {
	case errors.As(err, &otpErr):
		fmt.Fprintln(cmd.ErrOrStderr(), "second factor required; pass --otp")
		if otpErr.ResetToken != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "reset token available: %s\n", otpErr.ResetToken)
		}
		if !otpErr.ResetDate.IsZero() {
			fmt.Fprintf(cmd.ErrOrStderr(), "pending reset completes %s\n", otpErr.ResetDate)
		}
	case errors.As(err, &lockErr):
		fmt.Fprintf(cmd.ErrOrStderr(), "locked out; retry in %s\n", lockErr.RetryAfter)
	case errors.Is(err, account.ErrNoAutoLogin):
		fmt.Fprintln(cmd.ErrOrStderr(), "no automatic login available; pass --password or --pin")
	}
	return err
}

func init() {
	loginCmd.Flags().StringVar(&flagPassword, "password", "", "account password")
	loginCmd.Flags().StringVar(&flagPIN, "pin", "", "account PIN")
	loginCmd.Flags().StringVar(&flagOTP, "otp", "", "one-time-password token")
	rootCmd.AddCommand(loginCmd)
}
