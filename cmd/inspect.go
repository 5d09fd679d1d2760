package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/encodeous/nbns/core"
	"github.com/encodeous/nbns/state"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Inspects the current state of a running nbns",
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		if !cmd.Flags().Changed("addr") {
			if cfg, err := core.ReadConfig(state.ConfigPath); err == nil && cfg.DebugAddr != "" {
				addr = cfg.DebugAddr
			}
		}
		client := http.Client{Timeout: 5 * time.Second}
		res, err := client.Get("http://" + addr + "/debug/nbns")
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(string(body))
	},
	GroupID: "ns",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringP("addr", "a", state.DefaultDebugAddr, "debug address of the running service")
}
