// Package anchor publishes completed passports to external provenance
// backends. Each unit has one durable anchor record; the pipeline retries
// pending sub-steps with exponential backoff until they succeed or exhaust
// their attempt budget. No sub-step outcome is ever silently lost.
package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"benchline/internal/config"
	"benchline/internal/domain"
	"benchline/internal/repo"
)

type Pipeline struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Log       *slog.Logger
	Now       func() time.Time
	Content   ContentPublisher
	Ledger    LedgerClient
	Shortener ShortLinker

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New wires the pipeline with the HTTP backends selected by config. Disabled
// backends stay nil; their sub-steps are enqueued as skipped and never reach
// a client call.
func New(db *sql.DB, cfg *config.Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	if cfg.ContentStore.Enable {
		p.Content = NewContentPublisher(cfg)
	}
	if cfg.Ledger.Enable {
		p.Ledger = NewLedgerClient(cfg)
	}
	if cfg.Shortener.Enable {
		p.Shortener = NewShortLinker(cfg)
	}
	return p
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) timestamp() string {
	return p.now().UTC().Format(time.RFC3339Nano)
}

// Run polls for due anchor records until the context is done. One sweep runs
// immediately so work interrupted by a restart resumes without waiting a full
// poll interval.
func (p *Pipeline) Run(ctx context.Context) {
	interval := time.Duration(p.Config.Anchoring.PollSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p.Sweep(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep dispatches every due record to the worker pool and waits for the
// batch to finish.
func (p *Pipeline) Sweep(ctx context.Context) {
	records, err := p.Repo.PendingAnchorRecords(ctx, p.timestamp(), 0)
	if err != nil {
		p.Log.Error("list pending anchor records", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	workers := p.Config.Anchoring.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := make(chan domain.AnchorRecord)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range queue {
				if err := p.Process(ctx, rec); err != nil {
					p.Log.Error("anchor record", "unit", rec.UnitID, "error", err)
				}
			}
		}()
	}
	for _, rec := range records {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return
		case queue <- rec:
		}
	}
	close(queue)
	wg.Wait()
}

// claim marks a record in flight so overlapping sweeps never double-run it.
func (p *Pipeline) claim(unitID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[unitID]; busy {
		return false
	}
	p.inflight[unitID] = struct{}{}
	return true
}

func (p *Pipeline) release(unitID string) {
	p.mu.Lock()
	delete(p.inflight, unitID)
	p.mu.Unlock()
}

// Process advances one record as far as it can go in a single pass: each
// pending sub-step runs in order, a sub-step failure schedules the next retry
// and ends the pass. Steps run content store first, then ledger, then short
// link, because the ledger payload and the short link target both reference
// the content id.
func (p *Pipeline) Process(ctx context.Context, rec domain.AnchorRecord) error {
	if !p.claim(rec.UnitID) {
		return nil
	}
	defer p.release(rec.UnitID)

	// Re-read: the record may have moved since the sweep listed it.
	rec, err := p.Repo.GetAnchorRecord(ctx, rec.UnitID)
	if err != nil {
		return err
	}

	for {
		advanced, err := p.step(ctx, &rec)
		if err != nil {
			p.fail(ctx, &rec, err)
			return nil
		}
		if !advanced {
			return nil
		}
		rec.Attempts = 0
		rec.NextAttemptAt = nil
		now := p.timestamp()
		rec.LastAttemptAt = &now
		rec.UpdatedAt = now
		if err := p.Repo.UpdateAnchorRecord(ctx, nil, rec); err != nil {
			return err
		}
	}
}

// step runs the first pending sub-step. It returns true when a sub-step
// succeeded and the record should be persisted and re-examined.
func (p *Pipeline) step(ctx context.Context, rec *domain.AnchorRecord) (bool, error) {
	switch {
	case rec.ContentStatus == domain.StepPending:
		pass, err := p.Repo.GetPassport(ctx, rec.UnitID)
		if err != nil {
			return false, fmt.Errorf("load passport: %w", err)
		}
		ref, err := p.Content.Publish(ctx, passportFilename(rec.UnitID), []byte(pass.BodyYAML))
		if err != nil {
			return false, err
		}
		rec.ContentStatus = domain.StepDone
		rec.ContentRef = &ref
		p.Log.Info("passport published", "unit", rec.UnitID, "ref", ref)
		return true, nil

	case rec.LedgerStatus == domain.StepPending:
		txn, err := p.Ledger.Record(ctx, ledgerPayload(*rec))
		if err != nil {
			return false, err
		}
		rec.LedgerStatus = domain.StepDone
		rec.LedgerTx = &txn
		p.Log.Info("digest anchored", "unit", rec.UnitID, "txn", txn)
		return true, nil

	case rec.ShortlinkStatus == domain.StepPending:
		if rec.ContentStatus != domain.StepDone || rec.ContentRef == nil {
			// Nothing to link to; the content step failed terminally.
			rec.ShortlinkStatus = domain.StepFailed
			rec.UpdatedAt = p.timestamp()
			return false, p.Repo.UpdateAnchorRecord(ctx, nil, *rec)
		}
		long := strings.TrimRight(p.Config.ContentStore.PublicBase, "/") + "/" + *rec.ContentRef
		short, err := p.Shortener.Shorten(ctx, long, rec.UnitID)
		if err != nil {
			return false, err
		}
		rec.ShortlinkStatus = domain.StepDone
		rec.ShortLink = &short
		p.Log.Info("short link issued", "unit", rec.UnitID, "link", short)
		return true, nil
	}
	return false, nil
}

// fail records a sub-step failure: backoff and retry while budget remains,
// terminal failure once attempts are exhausted.
func (p *Pipeline) fail(ctx context.Context, rec *domain.AnchorRecord, cause error) {
	now := p.now().UTC()
	ts := now.Format(time.RFC3339Nano)
	rec.Attempts++
	rec.LastAttemptAt = &ts
	rec.UpdatedAt = ts

	if rec.Attempts >= p.Config.Anchoring.MaxAttempts {
		p.Log.Error("anchor step exhausted", "unit", rec.UnitID, "attempts", rec.Attempts, "error", cause)
		markFirstPendingFailed(rec)
		rec.NextAttemptAt = nil
		// A failed content step leaves no reference for the ledger payload or
		// the short link; both were waiting on it when it was enabled.
		if rec.ContentStatus == domain.StepFailed {
			if rec.LedgerStatus == domain.StepPending {
				rec.LedgerStatus = domain.StepFailed
			}
			if rec.ShortlinkStatus == domain.StepPending {
				rec.ShortlinkStatus = domain.StepFailed
			}
		}
	} else {
		backoff := time.Duration(p.Config.Anchoring.BackoffSeconds) * time.Second << (rec.Attempts - 1)
		next := now.Add(backoff).Format(time.RFC3339Nano)
		rec.NextAttemptAt = &next
		p.Log.Warn("anchor step failed, will retry", "unit", rec.UnitID, "attempt", rec.Attempts, "next", next, "error", cause)
	}
	if err := p.Repo.UpdateAnchorRecord(ctx, nil, *rec); err != nil {
		p.Log.Error("persist anchor failure", "unit", rec.UnitID, "error", err)
	}
}

func markFirstPendingFailed(rec *domain.AnchorRecord) {
	switch {
	case rec.ContentStatus == domain.StepPending:
		rec.ContentStatus = domain.StepFailed
	case rec.LedgerStatus == domain.StepPending:
		rec.LedgerStatus = domain.StepFailed
	case rec.ShortlinkStatus == domain.StepPending:
		rec.ShortlinkStatus = domain.StepFailed
	}
}

// ErrNotRedrivable rejects redrive of a record with no failed sub-step.
var ErrNotRedrivable = errors.New("anchor record has no failed step")

// Redrive resets failed sub-steps to pending with a fresh attempt budget so
// the next sweep retries them.
func (p *Pipeline) Redrive(ctx context.Context, unitID string) (domain.AnchorRecord, error) {
	rec, err := p.Repo.GetAnchorRecord(ctx, unitID)
	if err != nil {
		return rec, err
	}
	redriven := false
	if rec.ContentStatus == domain.StepFailed {
		rec.ContentStatus = domain.StepPending
		redriven = true
	}
	if rec.LedgerStatus == domain.StepFailed {
		rec.LedgerStatus = domain.StepPending
		redriven = true
	}
	if rec.ShortlinkStatus == domain.StepFailed {
		rec.ShortlinkStatus = domain.StepPending
		redriven = true
	}
	if !redriven {
		return rec, ErrNotRedrivable
	}
	now := p.timestamp()
	rec.Attempts = 0
	rec.NextAttemptAt = &now
	rec.UpdatedAt = now
	if err := p.Repo.UpdateAnchorRecord(ctx, nil, rec); err != nil {
		return rec, err
	}
	p.Log.Info("anchor record redriven", "unit", unitID)
	return rec, nil
}

func passportFilename(unitID string) string {
	return "unit-passport-" + unitID + ".yaml"
}

// ledgerPayload is the digest plus the content reference when one exists. The
// digest alone still anchors the passport when the content store is off.
func ledgerPayload(rec domain.AnchorRecord) string {
	if rec.ContentRef != nil {
		return rec.Digest + " " + *rec.ContentRef
	}
	return rec.Digest
}
