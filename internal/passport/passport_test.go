package passport

import (
	"strings"
	"testing"

	"benchline/internal/domain"
)

func strptr(s string) *string { return &s }

func testUnit() domain.Unit {
	return domain.Unit{
		ID:          "u-1",
		Model:       "sensor-board",
		Status:      "completed",
		CreatedBy:   "op-1",
		CreatedAt:   "2026-08-30T10:00:00Z",
		CompletedAt: strptr("2026-08-30T11:30:00Z"),
	}
}

func testStages() []domain.Stage {
	return []domain.Stage{
		{
			ID: 1, UnitID: "u-1", Name: "soldering", OperatorID: "op-1",
			StartedAt: "2026-08-30T10:05:00Z", EndedAt: strptr("2026-08-30T10:40:00Z"),
			MediaJSON:    strptr(`["ipfs://QmAbc"]`),
			MetadataJSON: strptr(`{"iron_temp":"350C"}`),
		},
		{
			ID: 2, UnitID: "u-1", Name: "inspection", OperatorID: "op-2",
			StartedAt: "2026-08-30T10:45:00Z", EndedAt: strptr("2026-08-30T11:00:00Z"),
			ForceClosed: true,
		},
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	doc1, err := Build(testUnit(), testStages(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	doc2, err := Build(testUnit(), testStages(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	d1, err := Digest(doc1)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := Digest(doc2)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest not stable: %q vs %q", d1, d2)
	}
	if !strings.HasPrefix(d1, "sha256:") || len(d1) != len("sha256:")+64 {
		t.Fatalf("malformed digest %q", d1)
	}
}

func TestDigestChangesWithContent(t *testing.T) {
	base, err := Build(testUnit(), testStages(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	baseDigest, _ := Digest(base)

	stages := testStages()
	stages[0].OperatorID = "op-9"
	changed, err := Build(testUnit(), stages, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	changedDigest, _ := Digest(changed)
	if changedDigest == baseDigest {
		t.Fatal("digest did not change when a stage operator changed")
	}
}

func TestStageOrderAffectsDigest(t *testing.T) {
	stages := testStages()
	forward, _ := Build(testUnit(), stages, nil)
	reversed, _ := Build(testUnit(), []domain.Stage{stages[1], stages[0]}, nil)
	d1, _ := Digest(forward)
	d2, _ := Digest(reversed)
	if d1 == d2 {
		t.Fatal("stage order must be part of the digest input")
	}
}

func TestBuildRejectsOpenStage(t *testing.T) {
	stages := testStages()
	stages[1].EndedAt = nil
	if _, err := Build(testUnit(), stages, nil); err == nil {
		t.Fatal("expected error for a still open stage")
	}
}

func TestBuildRejectsIncompleteUnit(t *testing.T) {
	u := testUnit()
	u.CompletedAt = nil
	if _, err := Build(u, testStages(), nil); err == nil {
		t.Fatal("expected error for unit without completion timestamp")
	}
}

func TestComponentsEmbedInDocument(t *testing.T) {
	components := []ComponentEntry{
		{UnitID: "c-1", Model: "power-module", Digest: "sha256:aaaa"},
	}
	doc, err := Build(testUnit(), testStages(), components)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	withoutComponents, _ := Build(testUnit(), testStages(), nil)
	d1, _ := Digest(doc)
	d2, _ := Digest(withoutComponents)
	if d1 == d2 {
		t.Fatal("components must be part of the digest input")
	}

	body, err := RenderYAML(doc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"c-1", "power-module", "sha256:aaaa", "soldering", "iron_temp"} {
		if !strings.Contains(body, want) {
			t.Fatalf("rendered passport missing %q:\n%s", want, body)
		}
	}
}

func TestYAMLBodyDoesNotAffectDigest(t *testing.T) {
	// The digest covers the canonical JSON, not the rendered YAML.
	doc, err := Build(testUnit(), testStages(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	canonical, err := Canonical(doc)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if strings.HasPrefix(string(canonical), "unit_id:") {
		t.Fatal("canonical encoding should be JSON, not YAML")
	}
}
