package cmd

import (
	"errors"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [course]",
	Short: "Prints the downloaded materials recorded in the manifest.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openManifest(cmd.Context())
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("no manifest is configured, set `manifest` in the config")
		}
		defer store.Close()

		course := ""
		if len(args) > 0 {
			course = args[0]
		}
		entries, err := store.List(cmd.Context(), course)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Course", "Category", "Path", "Size", "Updated"})
		for _, e := range entries {
			t.AppendRow(table.Row{
				e.Course,
				e.Category,
				e.Path,
				e.Size,
				e.UpdatedAt.In(current.clock.Location()).Format(time.DateTime),
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
		return nil
	},
}
