package cmd

import (
	"github.com/cedarmesh/cedar/core"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a cedar node",
	Long:  `This will run a cedar node on the current host, joining the mesh described by the mesh config.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		err := core.Bootstrap(meshConfigPath, nodeConfigPath, logPath, verbose)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "cedar",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("log", "l", "", "Also write logs to this file")
}
