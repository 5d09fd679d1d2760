package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/encodeous/nbns/core"
	"github.com/encodeous/nbns/protocol"
	"github.com/encodeous/nbns/state"
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find [name]",
	Short: "Resolve a name with a broadcast query",
	Long: `Starts a short lived node that claims no names, resolves the name and exits.
Settings other than the names are read from the config file when it exists.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		suffix, _ := cmd.Flags().GetUint8("suffix")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		name, err := protocol.ParseName(args[0], suffix)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(-1)
		}

		cfg := &state.LocalCfg{}
		if _, statErr := os.Stat(state.ConfigPath); statErr == nil {
			cfg, err = core.ReadConfig(state.ConfigPath)
			if err != nil {
				panic(err)
			}
		}
		cfg.Names = nil
		cfg.DebugAddr = ""
		cfg.DisableTcp = true
		cfg.ApplyDefaults()
		// an ephemeral port leaves port 137 to a running service
		cfg.UdpPort = 0

		level := slog.LevelWarn
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}
		ready := make(chan *state.State, 1)
		errs := make(chan error, 1)
		go func() {
			errs <- core.Start(*cfg, level, state.ConfigPath, nil, ready)
		}()
		var s *state.State
		select {
		case s = <-ready:
		case err = <-errs:
			fmt.Println("Error:", err.Error())
			os.Exit(-1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		res := core.Get[*core.NameService](s).Find(ctx, name)
		cancel()
		s.Cancel(fmt.Errorf("find complete"))
		<-errs

		switch {
		case res.Err != nil:
			fmt.Println("Error:", res.Err.Error())
			os.Exit(-1)
		case !res.Found:
			fmt.Printf("%s not found\n", name)
			os.Exit(1)
		default:
			fmt.Printf("%s\t%s\n", name, res.Address)
		}
	},
	GroupID: "ns",
}

func init() {
	rootCmd.AddCommand(findCmd)
	findCmd.Flags().Uint8P("suffix", "s", 0x20, "name suffix, the 16th byte of the name")
	findCmd.Flags().DurationP("timeout", "t", 5*time.Second, "give up after this long")
	findCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
