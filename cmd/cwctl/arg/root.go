package arg

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cwctl",
	Short: "cwctl is the command line tool for ChannelWarden",
	Long: `cwctl allows you to interact with the ChannelWarden daemon via D-Bus.
			You can use it to query usage status and grant bonus minutes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
