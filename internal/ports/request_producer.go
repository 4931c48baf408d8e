package ports

import (
	"context"

	"rtlbridge/internal/domain/command"
)

// RequestProducer hands decoded command requests to the executor one at a time.
type RequestProducer interface {
	NextRequest(ctx context.Context) (command.Request, error)
}
