package commands

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	flagServerAddress = "server-address"
	envServerAddress  = "TALON_SERVER_ADDRESS"
	defaultServerURL  = "http://localhost:8080"
)

// serverAddress holds the target API server address. Flag parsing sets this.
var serverAddress string

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverAddress, flagServerAddress, "s", defaultServerURL, "Address of the Talon API server (env: TALON_SERVER_ADDRESS)")

	RootCmd.AddCommand(GetSubmitCmd())
	RootCmd.AddCommand(GetStatusCmd())
	RootCmd.AddCommand(GetCancelCmd())
	RootCmd.AddCommand(GetLogsCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "talon",
	Short: "Talon CLI - submit and track browser automation jobs",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed(flagServerAddress) {
			if env := os.Getenv(envServerAddress); env != "" {
				serverAddress = env
			}
		}
	},
}
