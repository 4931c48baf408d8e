package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/infra/wire"
	"rtlbridge/internal/ports"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewConsumer(Config{}); err == nil {
		t.Fatalf("expected error when brokers missing")
	}
	if _, err := NewConsumer(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error when topic missing")
	}
}

func TestNewConsumerAppliesDefaults(t *testing.T) {
	t.Parallel()

	consumer, err := NewConsumer(Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "rtl-433-cmd",
	})
	if err != nil {
		t.Fatalf("NewConsumer returned error: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestConsumerDeliversRecords(t *testing.T) {
	t.Parallel()

	reader := newFakeReader(
		kafkago.Message{Topic: "rtl-433-cmd", Key: []byte("req-1"), Value: []byte(`{"cmd": "-f 433920000"}`)},
		kafkago.Message{Topic: "rtl-433-cmd", Value: []byte(`{"cmd": "-R 40"}`)},
	)
	consumer := newConsumer(reader, discardLogger())

	var mu sync.Mutex
	var got []ports.Message
	delivered := make(chan struct{}, 2)
	if err := consumer.Start(context.Background(), func(msg ports.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		delivered <- struct{}{}
	}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}

	if err := consumer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(got))
	}
	if got[0].Key != "req-1" || string(got[0].Payload) != `{"cmd": "-f 433920000"}` || got[0].Topic != "rtl-433-cmd" {
		t.Fatalf("unexpected first delivery %+v", got[0])
	}
	if got[1].Key != "" || string(got[1].Payload) != `{"cmd": "-R 40"}` {
		t.Fatalf("unexpected second delivery %+v", got[1])
	}
}

func TestConsumerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	consumer := newConsumer(reader, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	if err := consumer.Start(ctx, func(ports.Message) {}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		consumer.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not stop after cancellation")
	}
}

func TestConsumerRetriesAfterReadError(t *testing.T) {
	t.Parallel()

	reader := newFakeReader(kafkago.Message{Value: []byte(`{"cmd": "-f 1"}`)})
	reader.failFirst = errors.New("coordinator not available")
	consumer := newConsumer(reader, discardLogger())
	consumer.retryDelay = time.Millisecond

	delivered := make(chan ports.Message, 1)
	if err := consumer.Start(context.Background(), func(msg ports.Message) {
		delivered <- msg
	}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer consumer.Close()

	select {
	case msg := <-delivered:
		if string(msg.Payload) != `{"cmd": "-f 1"}` {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected delivery after transient read error")
	}
}

func TestConsumerStartRequiresDeliver(t *testing.T) {
	t.Parallel()

	consumer := newConsumer(newFakeReader(), nil)
	if err := consumer.Start(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil deliver")
	}
}

func TestConsumerCloseProxiesUnderlyingReader(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	consumer := newConsumer(reader, nil)

	if err := consumer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !reader.isClosed() {
		t.Fatalf("expected reader to be closed")
	}
}

func TestPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPublisher(PublisherConfig{}); err == nil {
		t.Fatalf("expected error when brokers missing")
	}
	if _, err := NewPublisher(PublisherConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error when topic missing")
	}
}

func TestNewPublisherValidConfig(t *testing.T) {
	t.Parallel()

	publisher, err := NewPublisher(PublisherConfig{Brokers: []string{"localhost:9092"}, Topic: "rtl-433-results"})
	if err != nil {
		t.Fatalf("NewPublisher returned error: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestPublisherPublishesReport(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	publisher := newPublisher(writer, discardLogger())

	report := command.Report{
		Request: command.Request{ID: "req-42", Command: "-f 433920000", Timeout: 5 * time.Second},
		Argv:    []string{"rtl_433", "-f", "433920000"},
		Outcome: &command.Outcome{
			Kind:       command.OutcomeNonZeroExit,
			ExitCode:   7,
			Duration:   1500 * time.Millisecond,
			StderrTail: "usb_open error -3",
		},
		Recovered:   true,
		RecoveryErr: errors.New("usbreset exited with 1"),
	}

	if err := publisher.PublishReport(context.Background(), report); err != nil {
		t.Fatalf("PublishReport returned error: %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	if string(writer.messages[0].Key) != "req-42" {
		t.Fatalf("expected message key req-42, got %q", writer.messages[0].Key)
	}
	if headers := writer.messages[0].Headers; len(headers) != 1 || headers[0].Key != outcomeHeader || string(headers[0].Value) != "non_zero_exit" {
		t.Fatalf("expected outcome header, got %+v", headers)
	}

	var envelope wire.ReportEnvelope
	if err := json.Unmarshal(writer.messages[0].Value, &envelope); err != nil {
		t.Fatalf("failed to unmarshal report envelope: %v", err)
	}

	if envelope.ID != "req-42" {
		t.Fatalf("unexpected ID in envelope: %q", envelope.ID)
	}
	if envelope.Outcome != command.OutcomeNonZeroExit {
		t.Fatalf("unexpected outcome: %q", envelope.Outcome)
	}
	if envelope.ExitCode == nil || *envelope.ExitCode != 7 {
		t.Fatalf("expected exit code 7")
	}
	if envelope.DurationMs == nil || *envelope.DurationMs != 1500 {
		t.Fatalf("expected duration 1500ms")
	}
	if !envelope.Recovered || envelope.RecoveryErr != "usbreset exited with 1" {
		t.Fatalf("expected recovery details, got %+v", envelope)
	}

	if err := publisher.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !writer.closed {
		t.Fatalf("expected writer to be closed")
	}
}

func TestPublisherCloseWithNilWriter(t *testing.T) {
	t.Parallel()

	publisher := &Publisher{}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close should succeed when writer nil, got %v", err)
	}
}

func TestPublisherPublishErrors(t *testing.T) {
	t.Parallel()

	t.Run("writer nil", func(t *testing.T) {
		publisher := &Publisher{}
		err := publisher.PublishReport(context.Background(), command.Report{})
		if err == nil || !strings.Contains(err.Error(), "not initialized") {
			t.Fatalf("expected not initialized error, got %v", err)
		}
	})

	t.Run("writer failure", func(t *testing.T) {
		var logs bytes.Buffer
		boom := errors.New("boom")
		publisher := newPublisher(&fakeWriter{err: boom}, slog.New(slog.NewTextHandler(&logs, nil)))
		publisher.topic = "rtl-433-results"

		err := publisher.PublishReport(context.Background(), command.Report{Request: command.Request{ID: "123"}})
		if !errors.Is(err, boom) || !strings.Contains(err.Error(), "rtl-433-results") {
			t.Fatalf("expected wrapped write failure, got %v", err)
		}
		if !strings.Contains(logs.String(), "kafka report write failed") || !strings.Contains(logs.String(), "request_id=123") {
			t.Fatalf("expected write failure to be logged, got %q", logs.String())
		}
	})

	t.Run("rejected request header", func(t *testing.T) {
		writer := &fakeWriter{}
		publisher := newPublisher(writer, nil)

		if err := publisher.PublishReport(context.Background(), command.Report{Request: command.Request{ID: "r"}, Err: command.ErrEmptyCommand}); err != nil {
			t.Fatalf("PublishReport returned error: %v", err)
		}
		if got := string(writer.messages[0].Headers[0].Value); got != "rejected" {
			t.Fatalf("expected rejected header, got %q", got)
		}
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeReader serves queued messages, then blocks until the context ends or
// the reader is closed.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafkago.Message
	failFirst error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReader(messages ...kafkago.Message) *fakeReader {
	return &fakeReader{messages: messages, closed: make(chan struct{})}
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if r.failFirst != nil {
		err := r.failFirst
		r.failFirst = nil
		r.mu.Unlock()
		return kafkago.Message{}, err
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	case <-r.closed:
		return kafkago.Message{}, io.EOF
	}
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}
