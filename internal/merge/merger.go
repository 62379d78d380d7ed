package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/classify"
	"github.com/overhage/taxis/internal/fieldmap"
	"github.com/overhage/taxis/internal/metrics"
	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/store"
)

// RecordStore is the subset of store.Store the merger writes through.
type RecordStore interface {
	GetRecord(ctx context.Context, pairID string) (*model.MasterRecord, error)
	InsertRecord(ctx context.Context, rec *model.MasterRecord) (bool, error)
	UpdateRecord(ctx context.Context, pairID string, fn store.UpdateFunc) error
}

// Classifier is a cache-gated classification, normally a *classify.Gate.
type Classifier interface {
	Classify(ctx context.Context, pairID string, in classify.Input) (classify.Outcome, error)
}

// Provenance identifies the classifier stamped on new records.
type Provenance struct {
	Name    string
	Version string
}

// Outcome describes one merge.
type Outcome struct {
	IsNew  bool
	Record *model.MasterRecord
	// Fields is the flattened record after the write.
	Fields map[string]any
	// Classification is set when the new-pair path ran the gate.
	Classification *classify.Outcome
}

// Merger creates and re-merges MasterRecords.
type Merger struct {
	store      RecordStore
	classifier Classifier
	provenance Provenance

	nowFunc func() time.Time
}

// New creates a Merger.
func New(st RecordStore, c Classifier, p Provenance) *Merger {
	return &Merger{store: st, classifier: c, provenance: p, nowFunc: time.Now}
}

// Merge applies one enriched row to the record for pairID. A first sighting
// classifies and inserts; later sightings merge evidence without
// classifying. An insert lost to a concurrent writer falls through to the
// merge path.
func (m *Merger) Merge(ctx context.Context, pairID string, e Enriched, mapping *fieldmap.Mapping) (Outcome, error) {
	existing, err := m.store.GetRecord(ctx, pairID)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "merge: get record %s", pairID)
	}

	if existing == nil {
		out, inserted, err := m.create(ctx, pairID, e, mapping)
		if err != nil {
			return Outcome{}, err
		}
		if inserted {
			metrics.RecordsMerged.WithLabelValues("new").Inc()
			return out, nil
		}
		rec, err := m.update(ctx, pairID, e, mapping)
		if err != nil {
			return Outcome{}, err
		}
		metrics.RecordsMerged.WithLabelValues("merged").Inc()
		return Outcome{Record: rec, Fields: rec.Flatten(), Classification: out.Classification}, nil
	}

	rec, err := m.update(ctx, pairID, e, mapping)
	if err != nil {
		return Outcome{}, err
	}
	metrics.RecordsMerged.WithLabelValues("merged").Inc()
	return Outcome{Record: rec, Fields: rec.Flatten()}, nil
}

func (m *Merger) create(ctx context.Context, pairID string, e Enriched, mapping *fieldmap.Mapping) (Outcome, bool, error) {
	cls, err := m.classifier.Classify(ctx, pairID, classify.Input{
		ConceptA:     Text(e.ConceptA),
		ConceptB:     Text(e.ConceptB),
		CoOccurrence: e.CoOccurrence,
		Ratio:        e.Ratio,
	})
	if err != nil {
		return Outcome{}, false, eris.Wrapf(err, "merge: classify %s", pairID)
	}

	now := m.nowFunc().UTC()
	rec := &model.MasterRecord{
		PairID:            pairID,
		ConceptA:          e.ConceptA,
		ConceptB:          e.ConceptB,
		RelationshipCode:  cls.Result.Code,
		RelationshipType:  cls.Result.Label,
		Rationale:         cls.Result.Rationale,
		ClassifierName:    m.provenance.Name,
		ClassifierVersion: m.provenance.Version,
		ClassifiedAt:      &now,
		SourceCount:       1,
		Fields:            createFields(e.Row, mapping),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	inserted, err := m.store.InsertRecord(ctx, rec)
	if err != nil {
		return Outcome{}, false, eris.Wrapf(err, "merge: insert record %s", pairID)
	}
	return Outcome{IsNew: inserted, Record: rec, Fields: rec.Flatten(), Classification: &cls}, inserted, nil
}

func (m *Merger) update(ctx context.Context, pairID string, e Enriched, mapping *fieldmap.Mapping) (*model.MasterRecord, error) {
	var merged *model.MasterRecord
	err := m.store.UpdateRecord(ctx, pairID, func(rec *model.MasterRecord) error {
		mergeFields(rec, e.Row, mapping)
		refreshIdentity(&rec.ConceptA, e.ResolvedA)
		refreshIdentity(&rec.ConceptB, e.ResolvedB)
		rec.SourceCount++
		rec.UpdatedAt = m.nowFunc().UTC()
		merged = rec
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "merge: update record %s", pairID)
	}
	return merged, nil
}

// createFields collects mapped columns for a first sighting. Guarded targets
// are dropped so identity and classification always win.
func createFields(row model.Row, mapping *fieldmap.Mapping) map[string]any {
	fields := make(map[string]any)
	for _, v := range mapping.Apply(row) {
		if model.IsGuarded(v.Target) {
			continue
		}
		cat := mapping.Resolve(v.Target)
		prev, seen := fields[v.Target]
		switch {
		case !seen:
			fields[v.Target] = v.Raw
		case cat == fieldmap.Count:
			fields[v.Target] = fieldmap.Coerce(prev, fieldmap.Count).(int64) + fieldmap.Coerce(v.Raw, fieldmap.Count).(int64)
		case cat == fieldmap.Other && isEmpty(prev):
			fields[v.Target] = v.Raw
		}
	}
	mapping.CoerceFields(fields)
	return fields
}

// mergeFields applies update semantics: counts add, stats are write-once and
// other fields fill only when empty.
func mergeFields(rec *model.MasterRecord, row model.Row, mapping *fieldmap.Mapping) {
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	for _, v := range mapping.Apply(row) {
		if model.IsGuarded(v.Target) {
			continue
		}
		switch mapping.Resolve(v.Target) {
		case fieldmap.Count:
			sum := fieldmap.Coerce(rec.Fields[v.Target], fieldmap.Count).(int64) +
				fieldmap.Coerce(v.Raw, fieldmap.Count).(int64)
			rec.Fields[v.Target] = sum
		case fieldmap.Stat:
			continue
		default:
			if isEmpty(rec.Fields[v.Target]) && v.Raw != "" {
				rec.Fields[v.Target] = v.Raw
			}
		}
	}
	mapping.CoerceFields(rec.Fields)
}

func refreshIdentity(c *model.Concept, meta *model.ConceptMeta) {
	if meta != nil {
		applyMeta(c, meta)
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	return fmt.Sprint(v) == ""
}
