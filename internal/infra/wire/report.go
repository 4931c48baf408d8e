// Package wire holds the JSON shapes published to external systems.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"rtlbridge/internal/domain/command"
)

// ReportEnvelope is the published form of a command.Report.
type ReportEnvelope struct {
	ID          string              `json:"id"`
	Cmd         string              `json:"cmd"`
	Argv        []string            `json:"argv,omitempty"`
	Outcome     command.OutcomeKind `json:"outcome,omitempty"`
	ExitCode    *int                `json:"exit_code,omitempty"`
	DurationMs  *int64              `json:"duration_ms,omitempty"`
	TimeoutMs   int64               `json:"timeout_ms,omitempty"`
	Stderr      string              `json:"stderr,omitempty"`
	Error       string              `json:"error,omitempty"`
	Recovered   bool                `json:"recovered"`
	RecoveryErr string              `json:"recovery_error,omitempty"`
	ReceivedAt  time.Time           `json:"received_at"`
	Timestamp   time.Time           `json:"timestamp"`
}

// EncodeReport serializes report as a ReportEnvelope.
func EncodeReport(report command.Report) ([]byte, error) {
	payload, err := json.Marshal(MakeReportEnvelope(report))
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return payload, nil
}

// MakeReportEnvelope flattens a report for publishing.
func MakeReportEnvelope(report command.Report) ReportEnvelope {
	envelope := ReportEnvelope{
		ID:         report.Request.ID,
		Cmd:        report.Request.Command,
		Argv:       report.Argv,
		TimeoutMs:  report.Request.Timeout.Milliseconds(),
		Recovered:  report.Recovered,
		ReceivedAt: report.Request.ReceivedAt,
		Timestamp:  time.Now().UTC(),
	}

	if outcome := report.Outcome; outcome != nil {
		exit := outcome.ExitCode
		dur := outcome.Duration.Milliseconds()
		envelope.Outcome = outcome.Kind
		envelope.ExitCode = &exit
		envelope.DurationMs = &dur
		envelope.Stderr = outcome.StderrTail
		if outcome.Err != nil {
			envelope.Error = outcome.Err.Error()
		}
	}

	if report.Err != nil {
		envelope.Error = report.Err.Error()
	}
	if report.RecoveryErr != nil {
		envelope.RecoveryErr = report.RecoveryErr.Error()
	}

	return envelope
}
