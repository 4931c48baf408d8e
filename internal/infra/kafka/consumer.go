package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"rtlbridge/internal/ports"
)

const readRetryDelay = time.Second

// Config describes how to connect to a Kafka cluster for consuming command requests.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	Logger   *slog.Logger
}

var _ ports.MessageSource = (*Consumer)(nil)

// Consumer wraps a kafka-go reader to implement ports.MessageSource.
type Consumer struct {
	reader     messageReader
	logger     *slog.Logger
	retryDelay time.Duration

	wg sync.WaitGroup
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// NewConsumer builds a new Consumer from the provided configuration.
func NewConsumer(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must be provided")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "rtlbridge"
	}

	readerConfig := kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	}

	if readerConfig.MinBytes == 0 {
		readerConfig.MinBytes = 1
	}
	if readerConfig.MaxBytes == 0 {
		readerConfig.MaxBytes = 10 * 1024 * 1024
	}
	if readerConfig.MaxWait == 0 {
		readerConfig.MaxWait = time.Second
	}

	return newConsumer(kafkago.NewReader(readerConfig), cfg.Logger), nil
}

func newConsumer(reader messageReader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, logger: logger, retryDelay: readRetryDelay}
}

// Start reads records in the background and hands each one to deliver until
// ctx ends or the consumer is closed.
func (c *Consumer) Start(ctx context.Context, deliver ports.DeliverFunc) error {
	if deliver == nil {
		return fmt.Errorf("deliver callback must be provided")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx, deliver)
	}()
	return nil
}

func (c *Consumer) readLoop(ctx context.Context, deliver ports.DeliverFunc) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("kafka read failed", "error", err)
			select {
			case <-time.After(c.retryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		deliver(ports.Message{
			Payload: msg.Value,
			Key:     string(msg.Key),
			Topic:   msg.Topic,
		})
	}
}

// Close releases the underlying Kafka reader and waits for the read loop to stop.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	c.wg.Wait()
	return err
}
