// Package ingest decodes transport messages and queues them for execution.
package ingest

import (
	"log/slog"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/ports"
)

// Enqueuer accepts decoded requests without blocking.
type Enqueuer interface {
	Enqueue(req command.Request) bool
}

// Handler is the delivery callback shared by every message source.
type Handler struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewHandler builds a Handler feeding queue.
func NewHandler(queue Enqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queue: queue, logger: logger}
}

// Deliver decodes msg and queues the resulting request. Malformed payloads are
// logged and dropped.
func (h *Handler) Deliver(msg ports.Message) {
	h.logger.Debug("message received", "topic", msg.Topic, "payload", string(msg.Payload))

	req, err := Decode(msg.Payload)
	if err != nil {
		h.logger.Error("dropping message", "topic", msg.Topic, "payload", string(msg.Payload), "error", err)
		return
	}

	if req.ID == "" {
		req.ID = msg.Key
	}
	if req.ID == "" {
		req.ID = newRequestID()
	}

	if !h.queue.Enqueue(req) {
		h.logger.Warn("queue closed, dropping request", "request_id", req.ID)
		return
	}
	h.logger.Debug("request queued", "request_id", req.ID, "cmd", req.Command, "timeout", req.Timeout)
}

// DeliverFunc adapts the handler to ports.DeliverFunc.
func (h *Handler) DeliverFunc() ports.DeliverFunc {
	return h.Deliver
}
