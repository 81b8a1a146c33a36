package peripheral

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"benchline/internal/config"
	"benchline/internal/events"
	"benchline/internal/logging"
)

type fakePrinter struct {
	mu   sync.Mutex
	jobs []PrintJob
	fail bool
}

func (f *fakePrinter) Print(_ context.Context, job PrintJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("out of labels")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeCamera struct {
	mu      sync.Mutex
	started []string
	stopped []string
	media   []string
}

func (f *fakeCamera) StartRecording(_ context.Context, tag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, tag)
	return fmt.Sprintf("rec-%d", len(f.started)), nil
}

func (f *fakeCamera) StopRecording(_ context.Context, recordingID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, recordingID)
	return f.media, nil
}

type fakeSink struct {
	mu       sync.Mutex
	stageIDs []int64
	media    [][]string
}

func (f *fakeSink) AttachStageMedia(_ context.Context, stageID int64, media []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageIDs = append(f.stageIDs, stageID)
	f.media = append(f.media, media)
	return nil
}

func peripheralConfig() *config.Config {
	cfg := config.Default()
	cfg.Printer.Enable = true
	cfg.Printer.GatewayURL = "http://gw"
	cfg.Printer.PrintSecurityTag = true
	cfg.Camera.Enable = true
	cfg.Camera.GatewayURL = "http://gw"
	// Synchronous dispatch keeps the tests deterministic.
	cfg.Peripherals.AckWait = true
	cfg.Peripherals.AckTimeoutSeconds = 5
	return cfg
}

func TestDispatcherPrintsLifecycleLabels(t *testing.T) {
	printer := &fakePrinter{}
	d := NewDispatcher(peripheralConfig(), printer, &fakeCamera{}, nil, logging.Nop())
	ctx := context.Background()

	d.Handle(ctx, events.Signal{Type: events.SignalUnitCreated, UnitID: "u1"})
	d.Handle(ctx, events.Signal{Type: events.SignalUnitCompleted, UnitID: "u1", Payload: events.EventPayload{"digest": "sha256:abc"}})

	if len(printer.jobs) != 3 {
		t.Fatalf("jobs = %d, want barcode + qr + security tag", len(printer.jobs))
	}
	if printer.jobs[0].Kind != LabelBarcode || printer.jobs[0].Payload != "u1" {
		t.Fatalf("first job = %+v", printer.jobs[0])
	}
	if printer.jobs[1].Kind != LabelQR || printer.jobs[1].Payload != "sha256:abc" {
		t.Fatalf("qr job = %+v, want digest payload", printer.jobs[1])
	}
	if printer.jobs[2].Kind != LabelSecurityTag {
		t.Fatalf("third job = %+v", printer.jobs[2])
	}
}

func TestDispatcherRecordsStages(t *testing.T) {
	camera := &fakeCamera{media: []string{"video:rec-1"}}
	sink := &fakeSink{}
	d := NewDispatcher(peripheralConfig(), &fakePrinter{}, camera, sink, logging.Nop())
	ctx := context.Background()

	d.Handle(ctx, events.Signal{Type: events.SignalStageOpened, UnitID: "u1", StageID: 7, StageName: "soldering"})
	d.Handle(ctx, events.Signal{Type: events.SignalStageClosed, UnitID: "u1", StageID: 7, StageName: "soldering"})

	if len(camera.started) != 1 || camera.started[0] != "u1/soldering" {
		t.Fatalf("started = %v", camera.started)
	}
	if len(camera.stopped) != 1 {
		t.Fatalf("stopped = %v", camera.stopped)
	}
	if len(sink.stageIDs) != 1 || sink.stageIDs[0] != 7 {
		t.Fatalf("sink stages = %v", sink.stageIDs)
	}
	if len(sink.media[0]) != 1 || sink.media[0][0] != "video:rec-1" {
		t.Fatalf("sink media = %v", sink.media)
	}
}

func TestDispatcherStopWithoutRecording(t *testing.T) {
	camera := &fakeCamera{}
	d := NewDispatcher(peripheralConfig(), &fakePrinter{}, camera, &fakeSink{}, logging.Nop())

	d.Handle(context.Background(), events.Signal{Type: events.SignalStageClosed, UnitID: "u1", StageID: 1})
	if len(camera.stopped) != 0 {
		t.Fatalf("stopped = %v, want none without an open recording", camera.stopped)
	}
}

func TestDispatcherSwallowsPrinterFailure(t *testing.T) {
	printer := &fakePrinter{fail: true}
	d := NewDispatcher(peripheralConfig(), printer, &fakeCamera{}, nil, logging.Nop())

	// Must not panic or propagate, the lifecycle already committed.
	d.Handle(context.Background(), events.Signal{Type: events.SignalUnitCreated, UnitID: "u1"})
}

func TestDispatcherHonorsDisabledPeripherals(t *testing.T) {
	cfg := peripheralConfig()
	cfg.Printer.Enable = false
	cfg.Camera.Enable = false
	printer := &fakePrinter{}
	camera := &fakeCamera{}
	d := NewDispatcher(cfg, printer, camera, nil, logging.Nop())
	ctx := context.Background()

	d.Handle(ctx, events.Signal{Type: events.SignalUnitCreated, UnitID: "u1"})
	d.Handle(ctx, events.Signal{Type: events.SignalStageOpened, UnitID: "u1", StageID: 1})
	if len(printer.jobs) != 0 || len(camera.started) != 0 {
		t.Fatal("disabled peripherals must not receive work")
	}
}
