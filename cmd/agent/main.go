package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/driver-agent/internal/chat"
	"github.com/example/driver-agent/internal/config"
	"github.com/example/driver-agent/internal/duty"
	"github.com/example/driver-agent/internal/gateway"
	httpapi "github.com/example/driver-agent/internal/http"
	"github.com/example/driver-agent/internal/location"
	"github.com/example/driver-agent/internal/logging"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/offer"
	"github.com/example/driver-agent/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("driver agent starting", "driver_id", cfg.DriverID, "http_addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := location.NewSource(location.NewFixClient(cfg.FixProviderURL), location.Options{
		HighAccuracyTimeout: cfg.HighAccuracyTimeout,
		LowAccuracyTimeout:  cfg.LowAccuracyTimeout,
		MinInterval:         cfg.MinSampleInterval,
		MinDistanceM:        cfg.MinSampleDistanceM,
	}, logger)

	presence := gateway.NewPresenceClient(cfg.PresenceBaseURL)
	if len(cfg.KafkaBrokers) > 0 {
		telemetry := gateway.NewKafkaTelemetry(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer telemetry.Close()
		presence.Telemetry = telemetry
		logger.Info("location telemetry via kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	ctrl := duty.NewController(cfg.DriverID, presence, duty.Options{
		StaleBound:     cfg.StaleBound,
		GatewayTimeout: cfg.GatewayTimeout,
		OnChange: func(s duty.State) {
			logger.Info("duty state changed", "state", s.String())
		},
	}, logger)

	inbox := offer.NewInbox(cfg.DriverID, gateway.NewDispatchClient(cfg.DispatchBaseURL), ctrl.Online, offer.InboxOptions{
		GatewayTimeout:  cfg.GatewayTimeout,
		DefaultDeadline: cfg.OfferDeadline,
	}, logger)
	defer inbox.Close()

	msgStream := stream.NewRedisStream(cfg.RedisAddr, cfg.RedisPassword, logger)
	defer msgStream.Close()
	chatSync := chat.NewSync(msgStream, cfg.DriverID, logger)
	defer chatSync.Close()

	watch := source.StartTracking(ctx, ctrl.HandleSample)
	defer watch.Stop()

	offers := gateway.NewOfferStream(cfg.DispatchWSURL, logger)
	go offers.Run(ctx, func(off models.RideOffer) {
		if _, err := inbox.Receive(ctx, off); err != nil {
			logger.Info("offer refused", "offer_id", off.OfferID, "reason", err)
		}
	})

	api := httpapi.NewServer(cfg.DriverID, ctrl, inbox, chatSync, msgStream.Ping, logger)
	defer api.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control api listening", "addr", cfg.HTTPAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
	}

	logger.Info("driver agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control api shutdown forced", "error", err)
	}

	// Tracking stops before the controller goes away; a final offline push
	// is not attempted because the server marks idle drivers away on its own.
	watch.Stop()
	<-watch.Done()
	return nil
}
