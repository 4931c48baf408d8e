package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"rtlbridge/internal/app/executor"
	"rtlbridge/internal/app/ingest"
	"rtlbridge/internal/app/queue"
	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/infra/docker"
	kafkainfra "rtlbridge/internal/infra/kafka"
	mqttinfra "rtlbridge/internal/infra/mqtt"
	"rtlbridge/internal/infra/process"
	"rtlbridge/internal/logging"
	"rtlbridge/internal/ports"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags flagValues

	cmd := &cobra.Command{
		Use:          "rtlbridge",
		Short:        "Subscribe to an MQTT topic and execute received commands in rtl_433.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}
	bindFlags(cmd, &flags)
	return cmd
}

func run(ctx context.Context, cfg appConfig) error {
	logger, err := logging.New(logging.Config{
		Debug:  cfg.Debug,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.Close()

	if cfg.Debug {
		logger.Info("Enabling debug logging")
		pahomqtt.DEBUG = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	}
	pahomqtt.ERROR = slog.NewLogLogger(logger.Handler(), slog.LevelError)
	cfg.warnMissingCredentials(logger.Logger)

	grace, err := cfg.terminationGrace()
	if err != nil {
		return err
	}

	hostRunner := process.NewRunner(process.Config{TerminationGrace: grace, Logger: logger.Logger})
	runner, err := buildRunner(cfg, hostRunner, grace, logger.Logger)
	if err != nil {
		return fmt.Errorf("initialize runner: %w", err)
	}

	service, err := executor.NewService(executor.Config{
		Runner:                      runner,
		Recoverer:                   process.NewRecoverer(hostRunner, logger.Logger),
		Logger:                      logger.Logger,
		SkipRecoveryOnLaunchFailure: !cfg.RecoverOnLaunchFailure,
	})
	if err != nil {
		_ = runner.Close()
		return fmt.Errorf("initialize executor: %w", err)
	}
	defer func() {
		if cerr := service.Close(); cerr != nil {
			logger.Warn("failed to close runner", "error", cerr)
		}
	}()

	wiring, err := buildTransport(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer wiring.close(logger.Logger)

	requests := queue.New()
	handler := ingest.NewHandler(requests, logger.Logger)

	if err := wiring.start(ctx, handler.DeliverFunc()); err != nil {
		return err
	}

	logger.Info("waiting for commands", "transport", cfg.Transport, "runtime", cfg.Runtime)
	execErr := service.ExecuteFromProducer(ctx, requests, cfg.MaxRequests, func(report command.Report) {
		publishReport(ctx, wiring.publishers, report, logger.Logger)
	})

	requests.Close()
	if pending := requests.Len(); pending > 0 {
		logger.Warn("discarding queued requests on shutdown", "pending", pending)
	}
	if execErr != nil {
		return fmt.Errorf("execute requests: %w", execErr)
	}
	logger.Info("shutting down")
	return nil
}

func buildRunner(cfg appConfig, hostRunner *process.Runner, grace time.Duration, logger *slog.Logger) (ports.Runner, error) {
	switch cfg.Runtime {
	case runtimeLocal:
		return hostRunner, nil
	case runtimeDocker:
		runner, err := docker.New(docker.Config{
			Image:     cfg.Docker.Image,
			SkipPull:  cfg.Docker.SkipPull,
			StopGrace: grace,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return runner, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
}

// transport holds the message source, the report publishers and everything
// that must be closed on shutdown.
type transport struct {
	source ports.MessageSource
	// publishOnly is set for an MQTT client that only carries reports.
	publishOnly *mqttinfra.Client
	publishers  []ports.ReportPublisher
	closers     []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func buildTransport(cfg appConfig, logger *slog.Logger) (*transport, error) {
	t := &transport{}

	var mqttClient *mqttinfra.Client
	if cfg.usesMQTT() {
		client, err := mqttinfra.New(mqttinfra.Config{
			Host:        cfg.MQTT.Host,
			Port:        cfg.MQTT.Port,
			Username:    cfg.MQTT.User,
			Password:    cfg.MQTT.Password,
			CACert:      cfg.MQTT.CACert,
			Topic:       cfg.MQTT.Topic,
			QoS:         byte(cfg.MQTT.QoS),
			StatusTopic: cfg.MQTT.StatusTopic,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize mqtt client: %w", err)
		}
		mqttClient = client
		t.closers = append(t.closers, namedCloser{"mqtt client", client.Close})
		if cfg.MQTT.StatusTopic != "" {
			t.publishers = append(t.publishers, client)
		}
	}

	switch cfg.Transport {
	case transportMQTT:
		t.source = mqttClient
	case transportKafka:
		t.publishOnly = mqttClient
		consumer, err := kafkainfra.NewConsumer(kafkainfra.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
			Logger:  logger,
		})
		if err != nil {
			t.close(logger)
			return nil, fmt.Errorf("initialize kafka consumer: %w", err)
		}
		t.source = consumer
		t.closers = append(t.closers, namedCloser{"kafka consumer", consumer.Close})
	default:
		t.close(logger)
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	if cfg.Kafka.ResultsTopic != "" {
		publisher, err := kafkainfra.NewPublisher(kafkainfra.PublisherConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.ResultsTopic,
			Logger:  logger,
		})
		if err != nil {
			t.close(logger)
			return nil, fmt.Errorf("initialize kafka publisher: %w", err)
		}
		t.publishers = append(t.publishers, publisher)
		t.closers = append(t.closers, namedCloser{"kafka publisher", publisher.Close})
	}

	return t, nil
}

func (t *transport) start(ctx context.Context, deliver ports.DeliverFunc) error {
	if err := t.source.Start(ctx, deliver); err != nil {
		return fmt.Errorf("start message source: %w", err)
	}
	if t.publishOnly != nil {
		if err := t.publishOnly.Connect(ctx); err != nil {
			return fmt.Errorf("connect mqtt client: %w", err)
		}
	}
	return nil
}

func (t *transport) close(logger *slog.Logger) {
	for i := len(t.closers) - 1; i >= 0; i-- {
		c := t.closers[i]
		if err := c.close(); err != nil {
			logger.Warn("failed to close "+c.name, "error", err)
		}
	}
	t.closers = nil
}

// publishReport hands report to every publisher. Shutdown does not cut a
// publish short; each attempt is bounded by defaultPublishWindow instead.
func publishReport(ctx context.Context, publishers []ports.ReportPublisher, report command.Report, logger *slog.Logger) {
	if len(publishers) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishWindow)
	defer cancel()

	var errs []error
	for _, publisher := range publishers {
		if err := publisher.PublishReport(pubCtx, report); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to publish report", "request_id", report.Request.ID, "error", err)
	}
}
