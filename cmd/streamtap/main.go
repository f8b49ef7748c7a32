package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"streamtap/internal/browser"
	"streamtap/internal/config"
	"streamtap/internal/intercept"
	"streamtap/internal/logging"
	"streamtap/internal/relay"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string

	// tap flags
	pageURL     string
	pattern     string
	consumerURL string
	debuggerURL string
	headless    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "streamtap",
	Short: "streamtap - browser stream interception bridge",
	Long: `streamtap attaches to a Chrome tab over the DevTools Protocol, watches
for one streaming network exchange matching a URL pattern, reconstructs its
event stream in arrival order, and relays the records to a local HTTP
consumer.

The tracked exchange is identified by a URL substring. Stream frames are
decoded with multi-byte-safe boundary handling, parsed as server-sent
events, and forwarded one record at a time. Completion is resolved from
whichever arrives first: the in-band finish event or the transport-level
end of the response.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTap(cmd, args)
	},
}

var tapCmd = &cobra.Command{
	Use:   "tap",
	Short: "Attach to the browser and relay the tracked stream",
	Long: `Connects to Chrome (attaching to a running instance when
--debugger-url is set, launching one otherwise), opens or reuses a tab on
the configured page, enables network observation, and relays every tracked
exchange to the consumer until interrupted.`,
	RunE: runTap,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the streamtap version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("streamtap %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file path")

	for _, cmd := range []*cobra.Command{rootCmd, tapCmd} {
		cmd.Flags().StringVar(&pageURL, "url", "", "Page URL carrying the tracked exchange (overrides config)")
		cmd.Flags().StringVar(&pattern, "pattern", "", "URL substring identifying the tracked exchange (overrides config)")
		cmd.Flags().StringVar(&consumerURL, "consumer", "", "Consumer base URL (overrides config)")
		cmd.Flags().StringVar(&debuggerURL, "debugger-url", "", "Attach to a running Chrome at this DevTools URL")
		cmd.Flags().BoolVar(&headless, "headless", false, "Launch the browser headless")
	}

	rootCmd.AddCommand(tapCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTap(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)

	if err := logging.Initialize(cfg.Logging.Dir, cfg.Logging.Debug || verbose, cfg.Logging.Level); err != nil {
		return fmt.Errorf("initialize file logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := relay.NewConsumer(cfg.Consumer.BaseURL, cfg.Consumer.ConsumerTimeout())
	logger.Info("Consumer configured",
		zap.String("base_url", cfg.Consumer.BaseURL),
		zap.String("instance", sink.InstanceID()))

	session := browser.NewSessionManager(browser.Config{
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Launch:            cfg.Browser.Launch,
		Headless:          cfg.Browser.Headless,
		PageURL:           cfg.Browser.PageURL,
		NavigationTimeout: cfg.Browser.NavigationTimeout(),
	})

	engine := intercept.New(session, sink, intercept.Options{
		Pattern:          cfg.Target.Pattern,
		FinishEvent:      cfg.Target.FinishEvent,
		DrainTimeout:     cfg.Capture.DrainTimeout(),
		DrainPoll:        cfg.Capture.DrainPoll(),
		BodyPollInterval: cfg.Capture.BodyPollInterval(),
		QueueWarnDepth:   cfg.Capture.QueueWarnDepth,
		ForwardDebugLog:  cfg.Consumer.ForwardDebugLog,
		OnSessionLost: func(lost *intercept.SessionLostError) {
			logger.Error("Browser session lost", zap.String("reason", lost.Reason))
			cancel()
		},
	})

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	defer func() {
		if err := session.Shutdown(); err != nil {
			logger.Warn("Browser shutdown", zap.Error(err))
		}
	}()

	if err := engine.Attach(); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer func() {
		if err := engine.Detach(); err != nil {
			logger.Warn("Detach", zap.Error(err))
		}
	}()
	logger.Info("Observation enabled",
		zap.String("tab", engine.TabID()),
		zap.String("pattern", cfg.Target.Pattern))

	// Hot-reload the target pattern when the config file changes.
	watcher, err := config.NewWatcher(configPath, func(next config.Config) {
		logger.Info("Config reloaded", zap.String("pattern", next.Target.Pattern))
		engine.SetPattern(next.Target.Pattern)
	})
	if err != nil {
		logger.Warn("Config watching unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watching unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// applyFlagOverrides lets command-line flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("url") {
		cfg.Browser.PageURL = pageURL
	}
	if cmd.Flags().Changed("pattern") {
		cfg.Target.Pattern = pattern
	}
	if cmd.Flags().Changed("consumer") {
		cfg.Consumer.BaseURL = consumerURL
	}
	if cmd.Flags().Changed("debugger-url") {
		cfg.Browser.DebuggerURL = debuggerURL
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = headless
	}
}
