package cmd

import (
	"context"
	"errors"
	"lmsfetch/internal/components/chrono"
	"lmsfetch/internal/server"
	"time"

	"github.com/spf13/cobra"
)

var runImmediately bool

func init() {
	watchCmd.Flags().BoolVar(&runImmediately, "now", false, "Also run once right away instead of waiting for the first tick.")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Runs on the configured schedule until interrupted, optionally serving a trigger endpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		err := chrono.ValidateSpec(current.cfg.Schedule)
		if err != nil {
			return err
		}

		// ticks run unattended, a prompt would block them forever.
		runner, closeManifest, err := newRunner(ctx, false)
		if err != nil {
			return err
		}
		defer closeManifest()

		cron := chrono.NewStandardCron(current.tel, current.clock.Location())
		err = runner.Schedule(ctx, cron, current.cfg.Schedule)
		if err != nil {
			return err
		}
		current.tel.ReportInfo("watching", "schedule", current.cfg.Schedule)

		if runImmediately {
			runner.TryStart(ctx)
		}

		var srv *server.Server
		if current.cfg.Listen != "" {
			srv = server.New(current.cfg.Listen, server.NewRouter(ctx, runner, current.tel), current.tel)
			go func() {
				err := srv.Start()
				if err != nil {
					current.tel.ReportBroken("watch.server", err)
				}
			}()
		}

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if srv != nil {
			err = srv.Stop(shutdownCtx)
			if err != nil {
				current.tel.ReportWarning("watch.server", err)
			}
		}
		select {
		case <-cron.Stop().Done():
		case <-shutdownCtx.Done():
		}

		// runs started by --now or the trigger endpoint still use the manifest.
		finished := make(chan struct{})
		go func() {
			runner.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-shutdownCtx.Done():
			current.tel.ReportWarning("watch.shutdown", errors.New("gave up waiting for the current run"))
		}
		return nil
	},
}
