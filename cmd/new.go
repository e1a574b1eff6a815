package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cedarmesh/cedar/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new [id]",
	Short: "Create a node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || id == 0 {
			fmt.Printf("Invalid node id: %s\n", args[0])
			os.Exit(-1)
		}
		port, _ := strconv.Atoi(cmd.Flag("port").Value.String())

		nodeCfg := state.LocalCfg{
			Id:   state.NodeId(id),
			Port: uint16(port),
		}
		if ok, _ := cmd.Flags().GetBool("bridge"); ok {
			prio, _ := cmd.Flags().GetInt("priority")
			nodeCfg.Bridge = &state.BridgeCfg{
				Enabled:  true,
				Priority: prio,
			}
		}

		ncfg, err := yaml.Marshal(&nodeCfg)
		if err != nil {
			panic(err)
		}

		outPath := cmd.Flag("output").Value.String()
		err = os.WriteFile(outPath, ncfg, 0700)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringP("output", "o", nodeConfigPath, "node config output file path")
	newCmd.Flags().Uint16P("port", "p", uint16(state.DefaultPort), "TCP port to use")
	newCmd.Flags().Bool("bridge", false, "Enable the internet bridge role")
	newCmd.Flags().Int("priority", 5, "Bridge election priority, 1-10")
}
