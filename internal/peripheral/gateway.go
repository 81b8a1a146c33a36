package peripheral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"benchline/internal/config"
)

const gatewayTimeout = 30 * time.Second

// gatewayPrinter posts label jobs to the printer gateway.
type gatewayPrinter struct {
	base      string
	timestamp bool
	client    *http.Client
}

func newGatewayPrinter(cfg *config.Config) *gatewayPrinter {
	return &gatewayPrinter{
		base:      strings.TrimRight(cfg.Printer.GatewayURL, "/"),
		timestamp: cfg.Printer.TimestampOnTag,
		client:    &http.Client{Timeout: gatewayTimeout},
	}
}

func (g *gatewayPrinter) Print(ctx context.Context, job PrintJob) error {
	req := map[string]any{
		"kind":    job.Kind,
		"unit_id": job.UnitID,
		"payload": job.Payload,
	}
	if job.Kind == LabelSecurityTag && g.timestamp {
		req["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	var resp struct {
		OK     bool   `json:"ok"`
		Detail string `json:"detail"`
	}
	if err := gatewayPost(ctx, g.client, g.base+"/print", req, &resp); err != nil {
		return fmt.Errorf("printer gateway: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("printer gateway rejected %s label: %s", job.Kind, resp.Detail)
	}
	return nil
}

// gatewayCamera drives a recording device through the camera gateway.
type gatewayCamera struct {
	base   string
	device string
	client *http.Client
}

func newGatewayCamera(cfg *config.Config) *gatewayCamera {
	return &gatewayCamera{
		base:   strings.TrimRight(cfg.Camera.GatewayURL, "/"),
		device: cfg.Camera.Device,
		client: &http.Client{Timeout: gatewayTimeout},
	}
}

func (g *gatewayCamera) StartRecording(ctx context.Context, tag string) (string, error) {
	var resp struct {
		RecordingID string `json:"recording_id"`
	}
	req := map[string]string{"device": g.device, "tag": tag}
	if err := gatewayPost(ctx, g.client, g.base+"/recordings/start", req, &resp); err != nil {
		return "", fmt.Errorf("camera gateway: %w", err)
	}
	if resp.RecordingID == "" {
		return "", fmt.Errorf("camera gateway returned no recording id")
	}
	return resp.RecordingID, nil
}

func (g *gatewayCamera) StopRecording(ctx context.Context, recordingID string) ([]string, error) {
	var resp struct {
		Media []string `json:"media"`
	}
	req := map[string]string{"recording_id": recordingID}
	if err := gatewayPost(ctx, g.client, g.base+"/recordings/stop", req, &resp); err != nil {
		return nil, fmt.Errorf("camera gateway: %w", err)
	}
	return resp.Media, nil
}

func gatewayPost(ctx context.Context, client *http.Client, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
