package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"

	"wabridge/internal/bus"
	"wabridge/internal/config"
	"wabridge/internal/detect"
	"wabridge/internal/filter"
	"wabridge/internal/history"
	"wabridge/internal/notify"
	"wabridge/internal/relay"
	"wabridge/internal/server"
	"wabridge/internal/session"
	"wabridge/internal/wa"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wabridge",
		Short: "wabridge: WhatsApp to object-detection bridge",
		Long:  "wabridge monitors WhatsApp chats and forwards media to an object-detection API, replying with detection summaries.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wabridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and session store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			storeDir := config.ExpandPath(cfg.General.StoreDir)
			if err := os.MkdirAll(storeDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "store", storeDir)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge (WhatsApp session + relay pipeline + REST API)",
		Long:  "Connects to WhatsApp, monitors the configured chats, and serves the REST API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.General.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Message bus (closed during graceful shutdown below)
	messageBus := bus.New(100, logger)

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.DBPath, logger)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer store.Close()
	} else {
		logger.Info("history disabled")
	}

	detectClient := detect.New(detect.ClientConfig{
		BaseURL: cfg.Detection.APIBase,
		Token:   cfg.Detection.APIToken,
		Timeout: time.Duration(cfg.Detection.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	chats := filter.New(cfg.Monitor.Chats)
	if chats.Empty() {
		logger.Warn("no monitored chats configured, nothing will be relayed")
	}

	worker := relay.NewWorker(relay.WorkerConfig{
		Relay: relay.New(relay.Config{
			Client:          detectClient,
			Store:           store,
			DefaultLocation: cfg.Detection.DefaultLocation,
			Logger:          logger,
		}),
		Bus:     messageBus,
		Chats:   chats,
		JIDOnly: cfg.Monitor.JIDOnly,
		Logger:  logger,
	})
	go worker.Run(ctx)

	var notifier session.Notifier
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, logger)
		if err != nil {
			logger.Warn("telegram notifier unavailable", "err", err)
		} else {
			notifier = tg
		}
	}

	controller := session.New(session.Config{
		Dialer:            wa.NewDialer(cfg.General.StoreDir, logger),
		Bus:               messageBus,
		Logger:            logger,
		Notifier:          notifier,
		MaxRetries:        cfg.Session.MaxRetries,
		RetryDelay:        time.Duration(cfg.Session.RetryDelayMS) * time.Millisecond,
		Cooldown:          time.Duration(cfg.Session.CooldownMS) * time.Millisecond,
		ConnectRetryDelay: time.Duration(cfg.Session.ConnectRetryDelayMS) * time.Millisecond,
	})
	controller.Connect(ctx)

	srv := server.New(server.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Session: controller,
		Store:   store,
		Logger:  logger,
		Version: version,
	})
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("REST API error", "err", err)
		}
	}()

	logger.Info("bridge started. Press Ctrl+C to stop.")

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down bridge...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		controller.Shutdown()
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Pair with WhatsApp by scanning a QR code in the terminal",
		Long:  "Connects once, prints the pairing QR code to the terminal, and exits after a successful scan.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
				cfg = config.Defaults()
				cfg.General.StoreDir = config.ExpandPath(cfg.General.StoreDir)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dialer := wa.NewDialer(cfg.General.StoreDir, logger)
			sock, err := dialer.Dial(ctx)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer sock.Close()

			done := make(chan struct{})
			sock.Subscribe(func(evt session.Event) {
				switch e := evt.(type) {
				case session.EventQR:
					fmt.Println("Scan this QR code with WhatsApp:")
					qrterminal.GenerateHalfBlock(e.Code, qrterminal.L, os.Stdout)
				case session.EventConnected:
					logger.Info("paired", "user", sock.User())
					close(done)
				case session.EventDisconnected:
					if e.LoggedOut {
						logger.Error("pairing rejected", "reason", e.Reason)
					}
				}
			})

			if err := sock.Open(); err != nil {
				return fmt.Errorf("open: %w", err)
			}

			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and session store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("detection", "apiBase", cfg.Detection.APIBase)
			logger.Info("monitor", "chats", len(cfg.Monitor.Chats), "jidOnly", cfg.Monitor.JIDOnly)

			sessionDB := cfg.General.StoreDir + "/whatsapp.db"
			if _, err := os.Stat(sessionDB); err == nil {
				logger.Info("session store", "path", sessionDB, "exists", true)
			} else {
				logger.Info("session store", "path", sessionDB, "exists", false)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. detection.apiBase)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. detection.defaultLocation garden)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
