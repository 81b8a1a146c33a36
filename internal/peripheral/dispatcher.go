package peripheral

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"benchline/internal/config"
	"benchline/internal/events"
)

// MediaSink receives recordings that finished after their stage closed.
type MediaSink interface {
	AttachStageMedia(ctx context.Context, stageID int64, media []string) error
}

// Dispatcher reacts to committed lifecycle events: labels are printed when
// units are created and completed, the camera records while a stage is open.
// All peripheral failures are logged and swallowed.
type Dispatcher struct {
	Config  *config.Config
	Printer Printer
	Camera  Camera
	Sink    MediaSink
	Log     *slog.Logger

	mu         sync.Mutex
	recordings map[string]recording

	// wg tracks fire-and-forget jobs so tests can drain them.
	wg sync.WaitGroup
}

type recording struct {
	id      string
	stageID int64
}

func NewDispatcher(cfg *config.Config, printer Printer, camera Camera, sink MediaSink, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Config:     cfg,
		Printer:    printer,
		Camera:     camera,
		Sink:       sink,
		Log:        log,
		recordings: make(map[string]recording),
	}
}

// Run consumes signals until the context is done.
func (d *Dispatcher) Run(ctx context.Context, signals <-chan events.Signal) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case sig, ok := <-signals:
			if !ok {
				d.wg.Wait()
				return
			}
			d.Handle(ctx, sig)
		}
	}
}

// Handle dispatches one signal. With ack_wait on, gateway calls run inline
// with a deadline; otherwise they run in the background.
func (d *Dispatcher) Handle(ctx context.Context, sig events.Signal) {
	switch sig.Type {
	case events.SignalUnitCreated:
		if d.Config.Printer.Enable && d.Config.Printer.PrintBarcode {
			d.submit(ctx, func(ctx context.Context) {
				d.print(ctx, PrintJob{Kind: LabelBarcode, UnitID: sig.UnitID, Payload: sig.UnitID})
			})
		}
	case events.SignalStageOpened:
		if d.Config.Camera.Enable {
			d.submit(ctx, func(ctx context.Context) { d.startRecording(ctx, sig) })
		}
	case events.SignalStageClosed:
		if d.Config.Camera.Enable {
			d.submit(ctx, func(ctx context.Context) { d.stopRecording(ctx, sig) })
		}
	case events.SignalUnitCompleted:
		if d.Config.Printer.Enable && d.Config.Printer.PrintQR {
			payload := sig.UnitID
			if digest, ok := sig.Payload["digest"].(string); ok {
				payload = digest
			}
			d.submit(ctx, func(ctx context.Context) {
				d.print(ctx, PrintJob{Kind: LabelQR, UnitID: sig.UnitID, Payload: payload})
			})
		}
		if d.Config.Printer.Enable && d.Config.Printer.PrintSecurityTag {
			d.submit(ctx, func(ctx context.Context) {
				d.print(ctx, PrintJob{Kind: LabelSecurityTag, UnitID: sig.UnitID, Payload: sig.UnitID})
			})
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, fn func(context.Context)) {
	if d.Config.Peripherals.AckWait {
		deadline := time.Duration(d.Config.Peripherals.AckTimeoutSeconds) * time.Second
		ctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		fn(ctx)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// Wait blocks until background jobs drain.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) print(ctx context.Context, job PrintJob) {
	if err := d.Printer.Print(ctx, job); err != nil {
		d.Log.Warn("label print failed", "kind", job.Kind, "unit", job.UnitID, "error", err)
		return
	}
	d.Log.Info("label printed", "kind", job.Kind, "unit", job.UnitID)
}

func (d *Dispatcher) startRecording(ctx context.Context, sig events.Signal) {
	id, err := d.Camera.StartRecording(ctx, sig.UnitID+"/"+sig.StageName)
	if err != nil {
		d.Log.Warn("recording start failed", "unit", sig.UnitID, "stage", sig.StageName, "error", err)
		return
	}
	if id == "" {
		return
	}
	d.mu.Lock()
	d.recordings[sig.UnitID] = recording{id: id, stageID: sig.StageID}
	d.mu.Unlock()
	d.Log.Info("recording started", "unit", sig.UnitID, "stage", sig.StageName)
}

func (d *Dispatcher) stopRecording(ctx context.Context, sig events.Signal) {
	d.mu.Lock()
	rec, ok := d.recordings[sig.UnitID]
	delete(d.recordings, sig.UnitID)
	d.mu.Unlock()
	if !ok {
		return
	}
	media, err := d.Camera.StopRecording(ctx, rec.id)
	if err != nil {
		d.Log.Warn("recording stop failed", "unit", sig.UnitID, "error", err)
		return
	}
	if len(media) == 0 || d.Sink == nil {
		return
	}
	if err := d.Sink.AttachStageMedia(ctx, rec.stageID, media); err != nil {
		d.Log.Warn("attach recording to stage failed", "unit", sig.UnitID, "stage_id", rec.stageID, "error", err)
		return
	}
	d.Log.Info("recording attached", "unit", sig.UnitID, "stage_id", rec.stageID, "files", len(media))
}
