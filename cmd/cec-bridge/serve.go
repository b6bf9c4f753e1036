package main

import (
	"fmt"

	"cecbridge/internal/api"
	"cecbridge/internal/bridge"
	"cecbridge/internal/cec"
	"cecbridge/internal/clock"
	"cecbridge/internal/daemon"
	"cecbridge/internal/metrics"
	"cecbridge/internal/mqtt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Open    bool
	ComPort string
}

// NewServeCommand creates the serve command, which runs the bridge until
// the command's context is cancelled.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the bridge",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(rootOpts)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()
			return runServe(cmd, rootOpts, opts, logger)
		},
	}

	cmd.Flags().BoolVar(&opts.Open, "open", false, "open a session on startup")
	cmd.Flags().StringVar(&opts.ComPort, "com-port", "", "adapter to open on startup (default: first found)")

	return cmd
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions, opts *ServeOptions, logger *zap.Logger) error {
	cfg, err := loadConfig(rootOpts, logger)
	if err != nil {
		return err
	}

	logger.Info("Starting CEC bridge",
		zap.String("daemon_url", cfg.Daemon.URL),
		zap.Int("api_port", cfg.APIPort))

	collector := metrics.NewCollector()
	client := daemon.NewClient(cfg.Daemon.URL, cfg.Daemon.Token, clock.NewRealClock(), logger)

	engineCtx, err := cec.Bootstrap(client, cfg.Engine, cec.Options{
		DetectCapacity: cfg.DetectCapacity,
		Observer:       collector,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to bootstrap engine: %w", err)
	}
	defer engineCtx.Close()

	engineLog := logger.Named("engine")
	if _, err := engineCtx.AddCallback(cec.KindLogMessage, cec.LogMessageHandler(func(m cec.LogMessage) error {
		logEngineLine(engineLog, m)
		return nil
	})); err != nil {
		return err
	}
	if _, err := engineCtx.AddCallback(cec.KindAlert, cec.AlertHandler(func(a cec.Alert) error {
		logger.Warn("Engine alert", zap.Stringer("type", a.Type), zap.String("param", a.Param))
		return nil
	})); err != nil {
		return err
	}

	if _, err := engineCtx.CloseOnConnectionLost(); err != nil {
		return err
	}

	if opts.Open || opts.ComPort != "" {
		openAtStartup(cmd, engineCtx, opts.ComPort, logger)
	}

	server := api.NewServer(engineCtx, logger, cfg.APIPort, api.WithMetrics(collector.Handler(), collector.Middleware))
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Error("Failed to stop API server", zap.Error(err))
		}
	}()

	if cfg.MQTT.Enabled() {
		mqttClient, err := mqtt.New(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer mqttClient.Close()

		mqttBridge := bridge.NewManager(engineCtx, mqttClient, cfg.MQTT.TopicPrefix, logger)
		if err := mqttBridge.Start(); err != nil {
			return fmt.Errorf("failed to start MQTT bridge: %w", err)
		}
		defer mqttBridge.Stop()
	}

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	<-cmd.Context().Done()
	logger.Info("Shutting down gracefully...")
	return nil
}

// openAtStartup opens a session. A failure is logged; the bridge keeps
// serving so a session can be opened later through the API.
func openAtStartup(cmd *cobra.Command, engineCtx *cec.Context, comPort string, logger *zap.Logger) {
	var adapter *cec.AdapterDescriptor
	if comPort != "" {
		adapters, err := engineCtx.ListAdapters()
		if err != nil {
			logger.Warn("Failed to list adapters", zap.Error(err))
			return
		}
		for i := range adapters {
			if adapters[i].ComPort == comPort {
				adapter = &adapters[i]
				break
			}
		}
		if adapter == nil {
			logger.Warn("Adapter not found", zap.String("com_port", comPort))
			return
		}
	}

	sess, err := engineCtx.Open(cmd.Context(), adapter)
	if err != nil {
		logger.Warn("Failed to open session at startup", zap.Error(err))
		return
	}
	logger.Info("Session opened", zap.Stringer("adapter", sess.Adapter))
}

func logEngineLine(logger *zap.Logger, m cec.LogMessage) {
	fields := []zap.Field{zap.Time("engine_time", m.Time)}
	switch m.Level {
	case cec.LogLevelError:
		logger.Error(m.Message, fields...)
	case cec.LogLevelWarning:
		logger.Warn(m.Message, fields...)
	case cec.LogLevelNotice:
		logger.Info(m.Message, fields...)
	default:
		logger.Debug(m.Message, fields...)
	}
}
