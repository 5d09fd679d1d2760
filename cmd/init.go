package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [name...]",
	Short: "Create a node configuration claiming the given names",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := state.LocalCfg{
			DebugAddr: state.DefaultDebugAddr,
		}
		for _, arg := range args {
			if _, err := protocol.ParseName(arg, 0); err != nil {
				fmt.Printf("Invalid name: %s\n", arg)
				os.Exit(-1)
			}
			cfg.Names = append(cfg.Names, state.NameCfg{Name: arg})
		}
		if len(cfg.Names) != 0 {
			cfg.Id = cfg.Names[0].Name
		}
		cfg.DefaultTtl = state.DefaultTtl
		cfg.Mode = protocol.NodeBroadcast.String()

		check := cfg
		check.ApplyDefaults()
		if err := state.ConfigValidator(&check); err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(-1)
		}

		out, err := yaml.Marshal(&cfg)
		if err != nil {
			panic(err)
		}
		outPath := cmd.Flag("output").Value.String()
		if _, err = os.Stat(outPath); err == nil {
			fmt.Printf("%s already exists\n", outPath)
			os.Exit(-1)
		}
		err = os.WriteFile(outPath, out, 0600)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", state.DefaultConfigPath, "config output file path")
}
