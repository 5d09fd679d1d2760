package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/nbns/core"
	"github.com/encodeous/nbns/state"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the name service",
	Long:  `This will run nbns on the current host. Binding port 137 usually needs elevated permissions.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		err := core.Bootstrap(state.ConfigPath, logPath, verbose)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err.Error())
			os.Exit(1)
		}
	},
	GroupID: "ns",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().String("log", "", "Also write logs to this file")
	runCmd.Flags().BoolVarP(&state.DBG_log_packets, "lpkt", "p", false, "Write every packet sent and received to the console")
	runCmd.Flags().BoolVarP(&state.DBG_log_maps, "lmap", "m", false, "Write name map changes to the console")
}
