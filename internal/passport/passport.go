// Package passport builds the immutable, order-preserving record of a
// completed unit's assembly history and computes its content digest.
package passport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"benchline/internal/domain"
)

// Document is the serializable passport shape. Field order is fixed; the
// canonical JSON encoding of a Document is the digest input and must never
// change for an already issued passport.
type Document struct {
	UnitID       string           `json:"unit_id" yaml:"unit_id"`
	Model        string           `json:"model,omitempty" yaml:"model,omitempty"`
	SerialNumber string           `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	CreatedAt    string           `json:"created_at" yaml:"created_at"`
	CompletedAt  string           `json:"completed_at" yaml:"completed_at"`
	Stages       []StageEntry     `json:"stages" yaml:"stages"`
	Components   []ComponentEntry `json:"components,omitempty" yaml:"components,omitempty"`
}

type StageEntry struct {
	Name        string            `json:"name" yaml:"name"`
	OperatorID  string            `json:"operator_id" yaml:"operator_id"`
	StartedAt   string            `json:"started_at" yaml:"started_at"`
	EndedAt     string            `json:"ended_at" yaml:"ended_at"`
	ForceClosed bool              `json:"force_closed,omitempty" yaml:"force_closed,omitempty"`
	Media       []string          `json:"media,omitempty" yaml:"media,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type ComponentEntry struct {
	UnitID string `json:"unit_id" yaml:"unit_id"`
	Model  string `json:"model,omitempty" yaml:"model,omitempty"`
	Digest string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// Build assembles a Document from the unit record, its ordered stage history
// and its direct components.
func Build(unit domain.Unit, stages []domain.Stage, components []ComponentEntry) (Document, error) {
	if unit.CompletedAt == nil {
		return Document{}, fmt.Errorf("unit %s has no completion timestamp", unit.ID)
	}
	doc := Document{
		UnitID:      unit.ID,
		Model:       unit.Model,
		CreatedAt:   unit.CreatedAt,
		CompletedAt: *unit.CompletedAt,
		Components:  components,
	}
	if unit.SerialNumber != nil {
		doc.SerialNumber = *unit.SerialNumber
	}
	for _, s := range stages {
		entry := StageEntry{
			Name:        s.Name,
			OperatorID:  s.OperatorID,
			StartedAt:   s.StartedAt,
			ForceClosed: s.ForceClosed,
		}
		if s.EndedAt == nil {
			return Document{}, fmt.Errorf("stage %q of unit %s is still open", s.Name, unit.ID)
		}
		entry.EndedAt = *s.EndedAt
		if s.MediaJSON != nil && *s.MediaJSON != "" {
			if err := json.Unmarshal([]byte(*s.MediaJSON), &entry.Media); err != nil {
				return Document{}, fmt.Errorf("stage %d media: %w", s.ID, err)
			}
		}
		if s.MetadataJSON != nil && *s.MetadataJSON != "" {
			if err := json.Unmarshal([]byte(*s.MetadataJSON), &entry.Metadata); err != nil {
				return Document{}, fmt.Errorf("stage %d metadata: %w", s.ID, err)
			}
		}
		doc.Stages = append(doc.Stages, entry)
	}
	return doc, nil
}

// Canonical returns the digest input bytes. json.Marshal emits struct fields
// in declaration order and sorts map keys, so equal documents always encode
// to equal bytes.
func Canonical(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// Digest computes the sha256 content digest over the canonical encoding.
func Digest(doc Document) (string, error) {
	data, err := Canonical(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// RenderYAML produces the human-readable passport body.
func RenderYAML(doc Document) (string, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
