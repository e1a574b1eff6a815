package cmd

import (
	"fmt"
	"os"

	"github.com/cedarmesh/cedar/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"verify"},
	Short:   "Validates the mesh and node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		var meshCfg state.MeshCfg
		file, err := os.ReadFile(meshConfigPath)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		if err := yaml.Unmarshal(file, &meshCfg); err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		if err := state.MeshConfigValidator(&meshCfg); err != nil {
			fmt.Println("Mesh config is not valid:", err.Error())
			os.Exit(1)
		}

		var nodeCfg state.LocalCfg
		file, err = os.ReadFile(nodeConfigPath)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		if err := yaml.Unmarshal(file, &nodeCfg); err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		state.ExpandLocalConfig(&nodeCfg)
		if err := state.LocalConfigValidator(&nodeCfg); err != nil {
			fmt.Println("Node config is not valid:", err.Error())
			os.Exit(1)
		}

		fmt.Printf("OK: node %s, %d configured peers\n", nodeCfg.Id, len(meshCfg.Peers))
	},
	GroupID: "cedar",
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
