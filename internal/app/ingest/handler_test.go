package ingest

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/ports"
)

func TestDeliverQueuesDecodedRequest(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{accept: true}
	handler := NewHandler(queue, discardLogger())

	handler.Deliver(ports.Message{Payload: []byte(`{"cmd": "-f 433920000", "timeout": 2}`), Topic: "rtl-433-cmd/"})

	reqs := queue.snapshot()
	if len(reqs) != 1 {
		t.Fatalf("expected one queued request, got %d", len(reqs))
	}
	if reqs[0].Command != "-f 433920000" {
		t.Fatalf("unexpected command %q", reqs[0].Command)
	}
	if reqs[0].ID == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestDeliverUsesKeyAsFallbackID(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{accept: true}
	handler := NewHandler(queue, discardLogger())

	handler.Deliver(ports.Message{Payload: []byte(`{"cmd": "-f 1"}`), Key: "record-key"})
	handler.Deliver(ports.Message{Payload: []byte(`{"cmd": "-f 1", "id": "payload-id"}`), Key: "record-key"})
	handler.Deliver(ports.Message{Payload: []byte(`{"cmd": "-f 433920000", "id": 42}`), Key: "other-key"})

	reqs := queue.snapshot()
	if len(reqs) != 3 {
		t.Fatalf("expected three queued requests, got %d", len(reqs))
	}
	if reqs[0].ID != "record-key" {
		t.Fatalf("expected key as id, got %q", reqs[0].ID)
	}
	if reqs[1].ID != "payload-id" {
		t.Fatalf("expected payload id to win, got %q", reqs[1].ID)
	}
	if reqs[2].ID != "other-key" {
		t.Fatalf("expected non-string id to fall back to key, got %q", reqs[2].ID)
	}
}

func TestDeliverDropsMalformedPayloads(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	queue := &recordingQueue{accept: true}
	handler := NewHandler(queue, slog.New(slog.NewTextHandler(&logs, nil)))

	for _, payload := range []string{`{"timeout": 5}`, `{"cmd": 7}`, `not json`} {
		handler.Deliver(ports.Message{Payload: []byte(payload)})
	}

	if n := len(queue.snapshot()); n != 0 {
		t.Fatalf("expected no queued requests, got %d", n)
	}
	if !strings.Contains(logs.String(), "dropping message") {
		t.Fatalf("expected drop diagnostic, got %q", logs.String())
	}
	if !strings.Contains(logs.String(), "not json") {
		t.Fatalf("expected offending payload in log, got %q", logs.String())
	}
}

func TestDeliverAfterQueueClosed(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{accept: false}
	handler := NewHandler(queue, discardLogger())

	handler.DeliverFunc()(ports.Message{Payload: []byte(`{"cmd": "-f 1"}`)})
	if queue.calls != 1 {
		t.Fatalf("expected enqueue attempt, got %d", queue.calls)
	}
}

type recordingQueue struct {
	mu     sync.Mutex
	accept bool
	calls  int
	reqs   []command.Request
}

func (q *recordingQueue) Enqueue(req command.Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if !q.accept {
		return false
	}
	q.reqs = append(q.reqs, req)
	return true
}

func (q *recordingQueue) snapshot() []command.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]command.Request(nil), q.reqs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
