package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dsyorkd/hydro-controller/internal/api"
	"github.com/dsyorkd/hydro-controller/internal/config"
	"github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/hardware"
	"github.com/dsyorkd/hydro-controller/internal/telemetry"
	"github.com/dsyorkd/hydro-controller/pkg/discovery"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	Long: `Open the hardware, restore persisted jobs and relays, then poll active jobs and
serve the REST API, metrics and optional MQTT events until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting hydro-controller")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	system, err := hardware.New(ctx, cfg, log)
	if err != nil {
		return errors.Wrapf(err, "failed to open hardware")
	}
	defer system.Close()

	if err := system.Initialize(ctx); err != nil {
		// Restored jobs that could not be reconciled stay in the error state
		log.WithError(err).Warn("Some persisted jobs could not be reconciled")
	}

	// Connect before any goroutine starts so a failure here returns with
	// nothing still using the hardware
	var publisher *telemetry.Publisher
	if cfg.MQTT.Enabled {
		client, err := telemetry.Connect(cfg.MQTT, log)
		if err != nil {
			return errors.Wrapf(err, "failed to connect to MQTT broker")
		}
		publisher = telemetry.NewPublisher(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, log)
	}

	g, gctx := errgroup.WithContext(ctx)

	if publisher != nil {
		g.Go(func() error {
			publisher.Run(gctx, system.Events)
			return nil
		})
	}

	if cfg.Poll.Enabled {
		poller := hardware.NewPoller(system, config.Duration(cfg.Poll.Interval, hardware.DefaultPollInterval), log)
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return system.Metrics.Serve(gctx, cfg.Metrics.Listen, cfg.Metrics.Path, log)
		})
	}

	if cfg.API.Enabled {
		server := api.New(&cfg.API, system, cfg.App.DataDir, log)
		g.Go(func() error {
			return server.Start(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
	}

	if cfg.Discovery.Enabled {
		advertiser := discovery.NewAdvertiser(discovery.Config{
			ServiceName: cfg.Discovery.ServiceName,
			ServiceType: cfg.Discovery.ServiceType,
			Domain:      cfg.Discovery.Domain,
			Interface:   cfg.Discovery.Interface,
			Port:        cfg.API.Port,
			TXTRecords: map[string]string{
				"version": version,
				"pumps":   fmt.Sprint(len(cfg.Devices.Pumps)),
				"relays":  fmt.Sprint(len(cfg.Devices.Relays)),
			},
		}, log)
		if err := advertiser.Start(); err != nil {
			log.WithError(err).Warn("mDNS advertising disabled")
		} else {
			defer advertiser.Stop()
		}
	}

	log.Info("Controller running")
	<-gctx.Done()
	log.Info("Shutting down")

	// Running jobs are left to the devices and restored on the next start
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("hydro-controller shutdown complete")
	return nil
}
