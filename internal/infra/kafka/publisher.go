package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/infra/wire"
	"rtlbridge/internal/ports"
)

// outcomeHeader lets consumers filter reports without decoding the value.
const outcomeHeader = "rtlbridge-outcome"

var _ ports.ReportPublisher = (*Publisher)(nil)

// PublisherConfig describes the results topic.
type PublisherConfig struct {
	Brokers []string
	Topic   string
	Logger  *slog.Logger
}

// Publisher writes one record per executed request to the results topic.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewPublisher validates cfg and opens a writer for the results topic.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, errors.New("results topic must be provided")
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
	}
	p := newPublisher(writer, cfg.Logger)
	p.topic = cfg.Topic
	return p, nil
}

func newPublisher(writer messageWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: writer, logger: logger}
}

// PublishReport writes report keyed by request ID so reports for the same
// request land on one partition.
func (p *Publisher) PublishReport(ctx context.Context, report command.Report) error {
	if p.writer == nil {
		return errors.New("publisher is not initialized")
	}

	payload, err := wire.EncodeReport(report)
	if err != nil {
		return err
	}

	outcome := "rejected"
	if report.Outcome != nil {
		outcome = string(report.Outcome.Kind)
	}

	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:     []byte(report.Request.ID),
		Value:   payload,
		Headers: []kafkago.Header{{Key: outcomeHeader, Value: []byte(outcome)}},
		Time:    time.Now(),
	})
	if err != nil {
		p.logger.Warn("kafka report write failed", "topic", p.topic, "request_id", report.Request.ID, "error", err)
		return fmt.Errorf("write report to %s: %w", p.topic, err)
	}

	p.logger.Debug("kafka report written", "topic", p.topic, "request_id", report.Request.ID, "outcome", outcome)
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
