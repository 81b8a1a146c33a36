// Package peripheral drives the workbench hardware attached through the IO
// gateway: the label printer and the overhead camera. Peripheral work is
// best effort and observes committed lifecycle events; a printer jam or a
// camera outage never blocks or rolls back unit state.
package peripheral

import (
	"context"
	"log/slog"

	"benchline/internal/config"
)

// Label kinds the printer renders.
const (
	LabelBarcode     = "barcode"
	LabelQR          = "qr"
	LabelSecurityTag = "security_tag"
)

// PrintJob describes one label.
type PrintJob struct {
	Kind    string
	UnitID  string
	Payload string
}

type Printer interface {
	Print(ctx context.Context, job PrintJob) error
}

type Camera interface {
	// StartRecording begins capture and returns the recording id.
	StartRecording(ctx context.Context, tag string) (string, error)
	// StopRecording ends capture and returns the stored media references.
	StopRecording(ctx context.Context, recordingID string) ([]string, error)
}

// NewPrinter selects the gateway-backed printer or the noop one by config.
func NewPrinter(cfg *config.Config, log *slog.Logger) Printer {
	if !cfg.Printer.Enable {
		return noopPrinter{log: log}
	}
	return newGatewayPrinter(cfg)
}

// NewCamera selects the gateway-backed camera or the noop one by config.
func NewCamera(cfg *config.Config, log *slog.Logger) Camera {
	if !cfg.Camera.Enable {
		return noopCamera{log: log}
	}
	return newGatewayCamera(cfg)
}

type noopPrinter struct {
	log *slog.Logger
}

func (n noopPrinter) Print(_ context.Context, job PrintJob) error {
	if n.log != nil {
		n.log.Debug("printer disabled, dropping job", "kind", job.Kind, "unit", job.UnitID)
	}
	return nil
}

type noopCamera struct {
	log *slog.Logger
}

func (n noopCamera) StartRecording(_ context.Context, tag string) (string, error) {
	if n.log != nil {
		n.log.Debug("camera disabled, not recording", "tag", tag)
	}
	return "", nil
}

func (n noopCamera) StopRecording(context.Context, string) ([]string, error) {
	return nil, nil
}
