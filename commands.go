package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/subbridge/config"
	"github.com/vadiminshakov/subbridge/core/background"
	"github.com/vadiminshakov/subbridge/core/connection"
	"github.com/vadiminshakov/subbridge/core/correlation"
	"github.com/vadiminshakov/subbridge/core/mediator"
	"github.com/vadiminshakov/subbridge/io/backend"
	"github.com/vadiminshakov/subbridge/io/configsource"
	"github.com/vadiminshakov/subbridge/io/gateway/grpc/client"
	"github.com/vadiminshakov/subbridge/io/gateway/grpc/server"
	"github.com/vadiminshakov/subbridge/io/gateway/ws"
	"github.com/vadiminshakov/subbridge/io/journal"
	"github.com/vadiminshakov/subbridge/io/store"
)

const userAgent = "subbridge/1"

type rootOptions struct {
	configPath string
	overrides  config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "subbridge",
		Short:         "Request/response bridge between the background, mediator and page contexts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (.yaml or .toml)")
	flags.StringVar(&opts.overrides.BridgeAddr, "bridge-addr", "", "address the background listens on and the mediator dials")
	flags.StringVar(&opts.overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newBackgroundCommand(opts), newMediatorCommand(opts))
	return cmd
}

func newBackgroundCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "background",
		Short: "Serve API-bound and settings requests for connected mediators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(cmd, root, config.RoleBackground)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBackground(ctx, conf)
		},
	}
	cmd.Flags().StringVar(&root.overrides.BackendURL, "backend", "", "remote API base URL")
	cmd.Flags().StringVar(&root.overrides.SettingsFile, "settings", "", "user settings file (.yaml or .toml)")
	return cmd
}

func newMediatorCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediator",
		Short: "Accept the page socket, queue submissions and forward requests to the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(cmd, root, config.RoleMediator)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMediator(ctx, conf)
		},
	}
	cmd.Flags().StringVar(&root.overrides.PageAddr, "page-addr", "", "address the page socket is served on")
	cmd.Flags().StringVar(&root.overrides.StoreDSN, "store", "", "queue store DSN (memory://, file:///dir, badger:///dir, sqlite:///file.db, postgres://...)")
	cmd.Flags().StringVar(&root.overrides.JournalDir, "journal", "", "history journal directory")
	cmd.Flags().StringVar(&root.overrides.SettingsFile, "settings", "", "answer CONFIG_* from this file instead of the background")
	return cmd
}

// loadConfig reads the config file, applies the flags that were set and configures logging.
func loadConfig(cmd *cobra.Command, root *rootOptions, role string) (*config.Config, error) {
	conf, err := config.Load(root.configPath)
	if err != nil {
		return nil, err
	}
	conf.Role = role

	o := root.overrides
	set := func(name, value string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = value
		}
	}
	set("bridge-addr", o.BridgeAddr, &conf.BridgeAddr)
	set("log-level", o.LogLevel, &conf.LogLevel)
	set("backend", o.BackendURL, &conf.BackendURL)
	set("settings", o.SettingsFile, &conf.SettingsFile)
	set("page-addr", o.PageAddr, &conf.PageAddr)
	set("store", o.StoreDSN, &conf.StoreDSN)
	set("journal", o.JournalDir, &conf.JournalDir)
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC822,
	})
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	log.SetLevel(level)
	return conf, nil
}

func timeouts(conf *config.Config) correlation.Timeouts {
	return correlation.DefaultTimeouts().Merge(conf.Timeouts)
}

func runBackground(ctx context.Context, conf *config.Config) error {
	src, err := configsource.Open(conf.SettingsFile)
	if err != nil {
		return err
	}
	if err := src.Watch(ctx); err != nil {
		return err
	}

	api := backend.New(backend.Options{
		BaseURL:   conf.BackendURL,
		Token:     os.Getenv("SUBBRIDGE_API_TOKEN"),
		UserAgent: userAgent,
	})
	svc := background.New(api, backend.Handles, background.WithSettings(src))

	srv, err := server.New(conf, svc, server.WithEngineOptions(correlation.WithTimeouts(timeouts(conf))))
	if err != nil {
		return err
	}
	unsubscribe := svc.PushChanges(srv)
	defer unsubscribe()

	if err := srv.Run(server.WhiteListChecker, server.StreamLogger); err != nil {
		return err
	}
	log.Infof("background ready, api at %s", conf.BackendURL)

	<-ctx.Done()
	srv.Stop()
	return nil
}

func runMediator(ctx context.Context, conf *config.Config) error {
	dialer, err := client.New(conf.BridgeAddr)
	if err != nil {
		return err
	}
	defer dialer.Close()

	queues, err := store.Open(conf.StoreDSN)
	if err != nil {
		return err
	}
	defer queues.Close()

	page := ws.NewPageChannel()
	opts := []mediator.Option{
		mediator.WithConnectionOptions(
			connection.WithReconnectDelay(conf.ReconnectDelay),
			connection.WithImportantTypes(conf.ImportantTypes...),
			connection.WithBufferLimit(conf.BufferLimit),
			connection.WithBufferMaxAge(conf.BufferMaxAge),
		),
		mediator.WithEngineOptions(correlation.WithTimeouts(timeouts(conf))),
		mediator.WithPageEngineOptions(correlation.WithTimeouts(timeouts(conf))),
		mediator.WithQueueSettings(conf.Queue),
		mediator.WithQueueStore(queues),
	}
	if conf.JournalDir != "" {
		history, err := journal.Open(conf.JournalDir)
		if err != nil {
			return err
		}
		defer history.Close()
		opts = append(opts, mediator.WithJournal(history))
	}
	if conf.SettingsFile != "" {
		src, err := configsource.Open(conf.SettingsFile)
		if err != nil {
			return err
		}
		if err := src.Watch(ctx); err != nil {
			return err
		}
		opts = append(opts, mediator.WithSettings(src))
	}

	rt, err := mediator.New(ctx, dialer, page, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Start(ctx)

	httpServer := &http.Server{Addr: conf.PageAddr, Handler: page, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Infof("page socket on ws://%s", conf.PageAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		if err := page.WaitForAvailability(ctx, conf.PageWait); err != nil && ctx.Err() == nil {
			log.Warnf("no page attached yet: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return errors.Wrap(err, "page socket server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
