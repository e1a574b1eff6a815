package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	meshConfigPath = "mesh.yaml"
	nodeConfigPath = "node.yaml"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cedar",
	Short: "Cedar tree mesh CLI",
	Long: `Cedar is a self-organizing tree-structured mesh coordination engine.
Nodes form a spanning tree, exchange topology snapshots, route messages across
the tree and elect internet bridges for store-and-forward delivery.`,
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
		Title: "Initialize Cedar",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "cedar",
		Title: "Cedar Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&nodeConfigPath, "node-config", "n", nodeConfigPath, "node-specific config")
	rootCmd.PersistentFlags().StringVarP(&meshConfigPath, "mesh-config", "c", meshConfigPath, "network-global config")
}
