package cmd

import (
	"fmt"
	"lmsfetch/internal/courses"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(layoutCmd)
}

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Creates the download directories of every course without touching the network.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newPipeline(nil, true).Layout()
		if err != nil {
			return err
		}
		for _, course := range courses.Sorted(list) {
			for _, category := range courses.Categories {
				fmt.Fprintln(cmd.OutOrStdout(), courses.Dir(current.cfg.DownloadRoot, course, category))
			}
		}
		return nil
	},
}
