package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "otpd",
	Short: "otpd is a multi-factor authentication server",
	Long: `A multi-factor authentication server validating OTP, challenge-response
and QR/push tokens. Complete documentation is available at
https://github.com/otpd/otpd`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
