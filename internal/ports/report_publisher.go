package ports

import (
	"context"

	"rtlbridge/internal/domain/command"
)

// ReportPublisher publishes execution reports to an external system.
type ReportPublisher interface {
	PublishReport(ctx context.Context, report command.Report) error
	Close() error
}
