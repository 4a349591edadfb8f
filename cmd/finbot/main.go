package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finbot/internal/advisor"
	"finbot/internal/bus"
	"finbot/internal/channel"
	"finbot/internal/config"
	"finbot/internal/dedup"
	"finbot/internal/metrics"
	"finbot/internal/provider"
	"finbot/internal/relay"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "finbot",
		Short:   "FinBot: WhatsApp finance assistant gateway",
		Long:    "FinBot bridges WhatsApp Business Cloud API webhooks to an answering backend and includes an offline investment advisor.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.finbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(adviseCmd())

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

// setupLogger rebuilds the global logger from config (level + optional file).
func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = io.MultiWriter(os.Stderr, f)
		}
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the webhook gateway and relay loop",
		Long:  "Starts the WhatsApp webhook server and the relay loop that forwards messages to the answering service. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateGateway(cfg); err != nil {
		return err
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.Relay.BusBuffer, logger)
	defer messageBus.Close()

	var ledgerOpts []dedup.Option
	if cfg.Dedup.MaxEntries > 0 {
		ledgerOpts = append(ledgerOpts, dedup.WithMaxEntries(cfg.Dedup.MaxEntries))
	}
	if cfg.Dedup.TTLSeconds > 0 {
		ledgerOpts = append(ledgerOpts, dedup.WithTTL(time.Duration(cfg.Dedup.TTLSeconds)*time.Second))
	}
	ledger := dedup.NewLedger(ledgerOpts...)

	answerer := provider.NewAnswerService(provider.AnswerServiceConfig{
		URL:     cfg.Answer.URL,
		UserID:  cfg.Answer.UserID,
		Timeout: time.Duration(cfg.Answer.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	if err := answerer.Healthy(ctx); err != nil {
		logger.Warn("answering service unhealthy at startup", "err", err)
	} else {
		logger.Info("answering service healthy", "url", cfg.Answer.URL)
	}

	relayLoop := relay.NewLoop(relay.LoopConfig{
		Answerer:      answerer,
		Bus:           messageBus,
		Logger:        logger,
		Concurrency:   cfg.Relay.MaxConcurrentDeliveries,
		AnswerTimeout: time.Duration(cfg.Answer.TimeoutSeconds) * time.Second,
		FallbackReply: cfg.Answer.FallbackReply,
	})
	go relayLoop.Run(ctx)

	waCfg := channel.WhatsAppChannelConfig{
		Config: cfg.WhatsApp,
		Ledger: ledger,
		Logger: logger,
	}
	if cfg.Metrics.Enabled {
		waCfg.Metrics = metrics.Collector.Handler()
		waCfg.MetricsEndpoint = cfg.Metrics.Endpoint
	}
	waCh := channel.NewWhatsApp(waCfg)

	logger.Info("gateway started. Press Ctrl+C to stop.")
	return waCh.Start(ctx, messageBus)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the configured answering service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			if cfg.Answer.URL == "" {
				logger.Info("answering service", "configured", false)
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			answerer := provider.NewAnswerService(provider.AnswerServiceConfig{
				URL:    cfg.Answer.URL,
				UserID: cfg.Answer.UserID,
				Logger: logger,
			})
			if err := answerer.Healthy(ctx); err != nil {
				logger.Info("answering service", "url", cfg.Answer.URL, "healthy", false, "err", err)
			} else {
				logger.Info("answering service", "url", cfg.Answer.URL, "healthy", true)
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
		Short: "Get a config value (e.g. whatsapp.webhookPath)",
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
		Short: "Set a config value (e.g. relay.maxConcurrentDeliveries 10)",
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
			if err := config.Validate(cfg); err != nil {
				return err
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
		Short: "List all config values (secrets masked)",
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

func adviseCmd() *cobra.Command {
	var (
		risk    string
		monthly float64
	)

	cmd := &cobra.Command{
		Use:   "advise [transactions.json]",
		Short: "Analyze exported transactions and suggest an allocation",
		Long:  "Reads a JSON export of transactions, prints monthly income/expense totals with an SIP projection, and suggests an investment split for the chosen risk profile.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(config.ExpandPath(args[0]))
			if err != nil {
				return fmt.Errorf("read transactions: %w", err)
			}
			var txns []advisor.Transaction
			if err := json.Unmarshal(data, &txns); err != nil {
				return fmt.Errorf("parse transactions: %w", err)
			}

			analysis := advisor.Analyze(txns)
			fmt.Println(analysis.Summary())

			opts, err := loadAdvisorOptions()
			if err != nil {
				return err
			}

			amount := monthly
			if amount <= 0 {
				amount = analysis.AvgMonthlySavings
			}
			if amount <= 0 {
				return nil // nothing to allocate
			}

			allocation, err := opts.Allocation(risk, amount)
			if err != nil {
				return err
			}
			fmt.Println(allocation)
			return nil
		},
	}

	cmd.Flags().StringVar(&risk, "risk", "moderate", "risk profile: conservative, moderate, aggressive")
	cmd.Flags().Float64Var(&monthly, "monthly", 0, "monthly amount to allocate (default: average monthly savings)")

	return cmd
}

// loadAdvisorOptions prefers the path from config when one is set, falling
// back to the built-in tables when no config file exists.
func loadAdvisorOptions() (*advisor.Options, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil || cfg.Advisor.OptionsPath == "" {
		return advisor.DefaultOptions()
	}
	return advisor.LoadOptions(cfg.Advisor.OptionsPath)
}
