package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Logs in, then downloads every new or changed material of every course once.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, closeManifest, err := newRunner(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer closeManifest()

		summary, err := runner.RunOnce(cmd.Context())
		summary.Render(os.Stdout)
		return err
	},
}
