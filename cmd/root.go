package cmd

import (
	"os"

	"github.com/encodeous/nbns/state"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nbns",
	Short: "NetBIOS Name Service",
	Long: `nbns claims, defends and resolves NetBIOS names on the local network.
It implements the broadcast node (b-node) behaviour of RFC 1001/1002 over UDP port 137.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize nbns",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "ns",
		Title: "Name Service Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&state.ConfigPath, "config", "c", state.ConfigPath, "node config")
}
