package anchor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"benchline/internal/config"
	"benchline/internal/db"
	"benchline/internal/domain"
	"benchline/internal/migrate"
)

type fakeContent struct {
	failures int
	calls    int
	lastName string
}

func (f *fakeContent) Publish(_ context.Context, name string, _ []byte) (string, error) {
	f.calls++
	f.lastName = name
	if f.calls <= f.failures {
		return "", fmt.Errorf("gateway down")
	}
	return "Qm" + name, nil
}

type fakeLedger struct {
	failures int
	calls    int
	payloads []string
}

func (f *fakeLedger) Record(_ context.Context, payload string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", fmt.Errorf("node unreachable")
	}
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("txn-%d", f.calls), nil
}

type fakeShort struct {
	calls int
	last  string
}

func (f *fakeShort) Shorten(_ context.Context, longURL, keyword string) (string, error) {
	f.calls++
	f.last = longURL
	return "https://sho.rt/" + keyword, nil
}

func newTestPipeline(t *testing.T, cfg *config.Config) *Pipeline {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	p := New(conn, cfg, nil)
	return p
}

func fullConfig() *config.Config {
	cfg := config.Default()
	cfg.ContentStore.Enable = true
	cfg.ContentStore.GatewayURL = "http://gateway"
	cfg.Ledger.Enable = true
	cfg.Ledger.Endpoint = "http://ledger"
	cfg.Shortener.Enable = true
	cfg.Shortener.Server = "http://short"
	cfg.Anchoring.MaxAttempts = 3
	cfg.Anchoring.BackoffSeconds = 1
	return cfg
}

func seedRecord(t *testing.T, p *Pipeline, unitID string, cfg *config.Config) domain.AnchorRecord {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	step := func(enabled bool) string {
		if enabled {
			return domain.StepPending
		}
		return domain.StepSkipped
	}
	if err := p.Repo.InsertUnit(ctx, nil, domain.Unit{
		ID: unitID, Status: domain.UnitCompleted, Model: "sensor-board", CreatedBy: "op-1", CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert unit: %v", err)
	}
	rec := domain.AnchorRecord{
		UnitID:          unitID,
		Digest:          "sha256:deadbeef",
		ContentStatus:   step(cfg.ContentStore.Enable),
		LedgerStatus:    step(cfg.Ledger.Enable),
		ShortlinkStatus: step(cfg.Shortener.Enable && cfg.ContentStore.Enable),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.Repo.InsertAnchorRecord(ctx, nil, rec); err != nil {
		t.Fatalf("insert anchor record: %v", err)
	}
	if err := p.Repo.InsertPassport(ctx, nil, domain.Passport{
		UnitID: unitID, Digest: rec.Digest, BodyYAML: "unit_id: " + unitID + "\n", CanonicalJSON: "{}", CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert passport: %v", err)
	}
	return rec
}

func TestProcessRunsAllSteps(t *testing.T) {
	cfg := fullConfig()
	p := newTestPipeline(t, cfg)
	content := &fakeContent{}
	ledger := &fakeLedger{}
	short := &fakeShort{}
	p.Content, p.Ledger, p.Shortener = content, ledger, short

	rec := seedRecord(t, p, "u1", cfg)
	if err := p.Process(context.Background(), rec); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := p.Repo.GetAnchorRecord(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentStatus != domain.StepDone || got.LedgerStatus != domain.StepDone || got.ShortlinkStatus != domain.StepDone {
		t.Fatalf("steps = %q/%q/%q, want all done", got.ContentStatus, got.LedgerStatus, got.ShortlinkStatus)
	}
	if got.ContentRef == nil || got.LedgerTx == nil || got.ShortLink == nil {
		t.Fatalf("missing references: %+v", got)
	}
	if !got.Terminal() {
		t.Fatal("record not terminal after full run")
	}
	if len(ledger.payloads) != 1 || ledger.payloads[0] != "sha256:deadbeef "+*got.ContentRef {
		t.Fatalf("ledger payloads = %v", ledger.payloads)
	}
	if short.last != cfg.ContentStore.PublicBase+*got.ContentRef {
		t.Fatalf("short link target = %q", short.last)
	}
}

func TestStepFailureSchedulesRetry(t *testing.T) {
	cfg := fullConfig()
	p := newTestPipeline(t, cfg)
	content := &fakeContent{failures: 1}
	p.Content, p.Ledger, p.Shortener = content, &fakeLedger{}, &fakeShort{}

	rec := seedRecord(t, p, "u1", cfg)
	if err := p.Process(context.Background(), rec); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := p.Repo.GetAnchorRecord(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentStatus != domain.StepPending || got.Attempts != 1 {
		t.Fatalf("record after failure = %+v", got)
	}
	if got.NextAttemptAt == nil {
		t.Fatal("no retry scheduled")
	}

	// Not due yet, a sweep running before the backoff elapses skips it.
	before := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	due, err := p.Repo.PendingAnchorRecords(context.Background(), before, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("due records before backoff elapsed = %d, want 0", len(due))
	}

	// Once due, the retry succeeds and attempts reset before the next step.
	if err := p.Process(context.Background(), got); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = p.Repo.GetAnchorRecord(context.Background(), "u1")
	if got.ContentStatus != domain.StepDone || got.LedgerStatus != domain.StepDone {
		t.Fatalf("record after retry = %+v", got)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want reset to 0", got.Attempts)
	}
}

func TestExhaustionMarksStepFailed(t *testing.T) {
	cfg := fullConfig()
	p := newTestPipeline(t, cfg)
	content := &fakeContent{failures: 100}
	ledger := &fakeLedger{}
	p.Content, p.Ledger, p.Shortener = content, ledger, &fakeShort{}

	seedRecord(t, p, "u1", cfg)
	ctx := context.Background()
	for i := 0; i < cfg.Anchoring.MaxAttempts; i++ {
		cur, err := p.Repo.GetAnchorRecord(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Process(ctx, cur); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := p.Repo.GetAnchorRecord(ctx, "u1")
	if got.ContentStatus != domain.StepFailed {
		t.Fatalf("content status = %q, want failed", got.ContentStatus)
	}
	// With the content store enabled, the ledger payload needs the content
	// reference; a terminal content failure fails the downstream steps too.
	if got.LedgerStatus != domain.StepFailed {
		t.Fatalf("ledger status = %q, want failed", got.LedgerStatus)
	}
	if got.ShortlinkStatus != domain.StepFailed {
		t.Fatalf("shortlink status = %q, want failed", got.ShortlinkStatus)
	}
	if !got.Terminal() {
		t.Fatal("record not terminal after exhaustion")
	}
	// Nothing was ever anchored without its content reference.
	if ledger.calls != 0 {
		t.Fatalf("ledger called %d times, want 0", ledger.calls)
	}

	// A later sweep has nothing due.
	due, err := p.Repo.PendingAnchorRecords(ctx, time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("due records after exhaustion = %d, want 0", len(due))
	}
}

func TestLedgerAnchorsDigestWithoutContentStore(t *testing.T) {
	cfg := fullConfig()
	cfg.ContentStore.Enable = false
	cfg.Shortener.Enable = false
	p := newTestPipeline(t, cfg)
	ledger := &fakeLedger{}
	p.Ledger = ledger

	rec := seedRecord(t, p, "u1", cfg)
	if err := p.Process(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	got, _ := p.Repo.GetAnchorRecord(context.Background(), "u1")
	if got.ContentStatus != domain.StepSkipped || got.LedgerStatus != domain.StepDone || got.ShortlinkStatus != domain.StepSkipped {
		t.Fatalf("steps = %q/%q/%q", got.ContentStatus, got.LedgerStatus, got.ShortlinkStatus)
	}
	if len(ledger.payloads) != 1 || ledger.payloads[0] != "sha256:deadbeef" {
		t.Fatalf("ledger payloads = %v, want bare digest", ledger.payloads)
	}
}

func TestRedrive(t *testing.T) {
	cfg := fullConfig()
	cfg.Anchoring.MaxAttempts = 1
	p := newTestPipeline(t, cfg)
	content := &fakeContent{failures: 1}
	ledger := &fakeLedger{}
	short := &fakeShort{}
	p.Content, p.Ledger, p.Shortener = content, ledger, short

	ctx := context.Background()
	rec := seedRecord(t, p, "u1", cfg)
	if err := p.Process(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ := p.Repo.GetAnchorRecord(ctx, "u1")
	if got.ContentStatus != domain.StepFailed {
		t.Fatalf("content status = %q, want failed after single attempt budget", got.ContentStatus)
	}

	redriven, err := p.Redrive(ctx, "u1")
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if redriven.ContentStatus != domain.StepPending || redriven.Attempts != 0 {
		t.Fatalf("redriven record = %+v", redriven)
	}

	// The fake now succeeds; the whole chain completes.
	if err := p.Process(ctx, redriven); err != nil {
		t.Fatal(err)
	}
	got, _ = p.Repo.GetAnchorRecord(ctx, "u1")
	if !got.Terminal() || got.ContentStatus != domain.StepDone || got.ShortlinkStatus != domain.StepDone {
		t.Fatalf("record after redrive = %+v", got)
	}
}

func TestRedriveWithoutFailedStep(t *testing.T) {
	cfg := fullConfig()
	p := newTestPipeline(t, cfg)
	p.Content, p.Ledger, p.Shortener = &fakeContent{}, &fakeLedger{}, &fakeShort{}

	ctx := context.Background()
	rec := seedRecord(t, p, "u1", cfg)
	if err := p.Process(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Redrive(ctx, "u1"); !errors.Is(err, ErrNotRedrivable) {
		t.Fatalf("err = %v, want not redrivable", err)
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	cfg := fullConfig()
	p := newTestPipeline(t, cfg)
	ctx := context.Background()
	seedRecord(t, p, "u1", cfg)

	// A second enqueue for the same unit is a no-op.
	dup := domain.AnchorRecord{
		UnitID: "u1", Digest: "sha256:other",
		ContentStatus: domain.StepSkipped, LedgerStatus: domain.StepSkipped, ShortlinkStatus: domain.StepSkipped,
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	}
	if err := p.Repo.InsertAnchorRecord(ctx, nil, dup); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	got, err := p.Repo.GetAnchorRecord(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Digest != "sha256:deadbeef" {
		t.Fatalf("digest = %q, original record was replaced", got.Digest)
	}
}
