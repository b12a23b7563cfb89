// Package serve runs the collaboration service until interrupted.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opticut/collab/internal/conf"
	"github.com/opticut/collab/internal/datastore"
	"github.com/opticut/collab/internal/events"
	"github.com/opticut/collab/internal/locking"
	"github.com/opticut/collab/internal/logging"
	"github.com/opticut/collab/internal/mqtt"
	"github.com/opticut/collab/internal/observability"
	"github.com/opticut/collab/internal/presence"
)

const shutdownTimeout = 10 * time.Second

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration service",
		Long:  "Start the document lock service, the presence registry, and the broadcast fan-out, and run until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().DurationVar(&settings.Realtime.Collaboration.LockLeaseDuration, "lease", viper.GetDuration("realtime.collaboration.lockleaseduration"), "Document lock lease duration")
	cmd.Flags().DurationVar(&settings.Realtime.Collaboration.InactivityThreshold, "inactivity", viper.GetDuration("realtime.collaboration.inactivitythreshold"), "Inactivity threshold before a user is marked away")
	cmd.Flags().BoolVar(&settings.Realtime.MQTT.Enabled, "mqtt", viper.GetBool("realtime.mqtt.enabled"), "Enable MQTT broadcast fan-out")
	cmd.Flags().StringVar(&settings.Realtime.MQTT.Broker, "broker", viper.GetString("realtime.mqtt.broker"), "MQTT broker URL")
	cmd.Flags().BoolVar(&settings.Realtime.Telemetry.Enabled, "telemetry", viper.GetBool("realtime.telemetry.enabled"), "Enable Prometheus telemetry endpoint")
	cmd.Flags().StringVar(&settings.Realtime.Telemetry.Listen, "listen", viper.GetString("realtime.telemetry.listen"), "Listen address and port of telemetry endpoint")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func run(settings *conf.Settings) error {
	logger := logging.ForService("serve")
	collab := settings.Realtime.Collaboration

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing datastore", "error", err)
		}
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	bus := events.NewBus(events.Config{
		BufferSize: collab.EventBusBufferSize,
		Workers:    collab.EventBusWorkers,
	})

	var mqttClient mqtt.Client
	if settings.Realtime.MQTT.Enabled {
		mqttClient = mqtt.NewClient(settings)
		ctx, cancel := context.WithTimeout(context.Background(), settings.Realtime.MQTT.ConnectTimeout)
		err := mqttClient.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to mqtt broker: %w", err)
		}
		if err := bus.RegisterConsumer(mqtt.NewConsumer(mqttClient, settings.Realtime.MQTT.TopicPrefix)); err != nil {
			return fmt.Errorf("registering mqtt consumer: %w", err)
		}
	}

	lockService := locking.New(locking.Config{
		Store:           store,
		Events:          bus,
		Metrics:         metrics.Locking,
		LeaseDuration:   collab.LockLeaseDuration,
		CleanupInterval: collab.LockCleanupInterval,
	})

	registry := presence.New(presence.Config{
		Events:              bus,
		Metrics:             metrics.Presence,
		InactivityThreshold: collab.InactivityThreshold,
		SweepInterval:       collab.PresenceSweepInterval,
		OnOffline: func(ctx context.Context, tenantID, userID string) {
			// A user going offline abandons every lock they still hold.
			released, err := lockService.ReleaseAllUserLocks(ctx, tenantID, userID)
			if err != nil {
				logger.Error("releasing locks for offline user", "user", userID, "tenant", tenantID, "error", err)
				return
			}
			if released > 0 {
				logger.Info("released locks for offline user", "user", userID, "tenant", tenantID, "count", released)
			}
		},
	})

	lockService.Start()
	registry.Start()

	var telemetryServer *http.Server
	if settings.Realtime.Telemetry.Enabled {
		telemetryServer = startTelemetry(settings.Realtime.Telemetry.Listen, metrics)
	}

	logger.Info("collaboration service started",
		"name", settings.Main.Name,
		"version", settings.Version,
		"lease", collab.LockLeaseDuration,
		"inactivity_threshold", collab.InactivityThreshold,
		"mqtt", settings.Realtime.MQTT.Enabled)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	// Stop producers before draining the bus.
	registry.Stop()
	lockService.Stop()
	if err := bus.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("event bus shutdown", "error", err)
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if telemetryServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetryServer.Shutdown(ctx); err != nil {
			logger.Warn("telemetry server shutdown", "error", err)
		}
	}

	stats := bus.Stats()
	logger.Info("collaboration service stopped",
		"events_received", stats.EventsReceived,
		"events_processed", stats.EventsProcessed,
		"events_dropped", stats.EventsDropped)
	return nil
}

func startTelemetry(listen string, metrics *observability.Metrics) *http.Server {
	logger := logging.ForService("telemetry")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("telemetry endpoint listening", "addr", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("telemetry endpoint failed", "error", err)
		}
	}()
	return server
}
