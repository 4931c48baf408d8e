package ports

import "context"

// Message is a raw payload delivered by a transport.
type Message struct {
	Payload []byte
	// Key is an optional transport-level identifier (Kafka record key).
	Key   string
	Topic string
}

// DeliverFunc receives messages on the transport's own goroutines and must not block.
type DeliverFunc func(Message)

// MessageSource connects to a transport and delivers every received message.
//
// Start returns once delivery has been set up; messages keep arriving until
// the context ends or Close is called.
type MessageSource interface {
	Start(ctx context.Context, deliver DeliverFunc) error
	Close() error
}
