package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facebank/internal/utils"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := cfg.YAML()
		if err != nil {
			utils.Die("Failed to render configuration", err, nil)
		}
		os.Stdout.Write(out)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
