package cmd

import (
	"context"
	"fmt"
	"lmsfetch/internal/components/chrono"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/config"
	"lmsfetch/internal/credentials"
	"lmsfetch/internal/manifest"
	"lmsfetch/internal/notify"
	"lmsfetch/internal/pipeline"
	"lmsfetch/internal/scheduler"
	"lmsfetch/lib/serviceutil"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envPath    string
	noPrompt   bool
	logLevel   string
)

// env is everything a command needs, it is built once the flags are parsed.
type env struct {
	cfg             config.Config
	tel             telemetry.API
	clock           chrono.StandardImpl
	shutdownTracing func(context.Context) error
	syncLogs        func() error
}

var current env

// interactivePrompter asks for credentials that are neither in the environment nor in the config.
var interactivePrompter credentials.Prompter = credentials.HuhPrompter{}

var rootCmd = &cobra.Command{
	Use:           "lmsfetch",
	Short:         "lmsfetch keeps a local copy of the materials of your university courses.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.Context())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lmsfetch.json5", "Path to the config file (.json5, .yaml or .yml).")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Path to a dotenv file holding credentials.")
	rootCmd.PersistentFlags().BoolVar(&noPrompt, "no-prompt", false, "Never prompt for missing credentials.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Overrides log.level (debug, info, warn, error).")
}

func newTelemetry(cfg config.LogConfig) (telemetry.API, func() error, error) {
	switch cfg.Format {
	case "zap":
		tel, err := telemetry.NewZapAPI(cfg.Level, false)
		if err != nil {
			return nil, nil, err
		}
		return tel, tel.Sync, nil
	case "json":
		return telemetry.NewSlogAPI(os.Stderr, cfg.Level, true), func() error { return nil }, nil
	default:
		return telemetry.NewSlogAPI(os.Stderr, cfg.Level, false), func() error { return nil }, nil
	}
}

func setup(ctx context.Context) error {
	err := credentials.LoadDotenv(envPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", envPath, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	tel, syncLogs, err := newTelemetry(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, "lmsfetch", cfg.Otlp)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	current = env{
		cfg:             cfg,
		tel:             tel,
		clock:           clock,
		shutdownTracing: shutdownTracing,
		syncLogs:        syncLogs,
	}
	return nil
}

func teardown() error {
	if current.shutdownTracing != nil {
		err := current.shutdownTracing(context.Background())
		if err != nil {
			return err
		}
	}
	if current.syncLogs != nil {
		// syncing stderr fails on some terminals, there is nothing to do about it.
		_ = current.syncLogs()
	}
	return nil
}

// newResolver creates the credential resolver, it only prompts when `interactive` is set and
// --no-prompt is not.
func newResolver(interactive bool) *credentials.Resolver {
	var prompter credentials.Prompter
	if interactive && !noPrompt {
		prompter = interactivePrompter
	}
	return credentials.NewResolver(
		credentials.Credentials{
			Username: current.cfg.Username,
			Password: current.cfg.Password,
		},
		prompter,
		current.tel,
	)
}

func newPipeline(m pipeline.Manifest, interactive bool) *pipeline.Pipeline {
	return pipeline.New(current.cfg, newResolver(interactive), m, current.clock, current.tel)
}

// openManifest opens the configured manifest, it returns a nil store when none is configured.
func openManifest(ctx context.Context) (*manifest.Store, error) {
	if current.cfg.Manifest == "" {
		return nil, nil
	}
	store, err := manifest.Open(ctx, current.cfg.Manifest)
	if err != nil {
		return nil, err
	}
	return &store, nil
}

// newRunner wires the pipeline, its manifest and notifications into a runner. The returned
// function closes the manifest.
func newRunner(ctx context.Context, interactive bool) (*scheduler.Runner, func(), error) {
	store, err := openManifest(ctx)
	if err != nil {
		return nil, nil, err
	}

	var m pipeline.Manifest
	closeManifest := func() {}
	if store != nil {
		m = store
		closeManifest = func() { store.Close() }
	}

	p := newPipeline(m, interactive)

	var notifier scheduler.Notifier
	if current.cfg.Notify.Enabled() {
		notifier = notify.NewMailer(current.cfg.Notify)
	}
	runner := scheduler.NewRunner(p.Run, notifier, notify.ShouldNotify, current.tel)

	return runner, closeManifest, nil
}

func Execute() {
	ctx := serviceutil.SignalContext()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		serviceutil.Fatal("lmsfetch", err)
	}
}
