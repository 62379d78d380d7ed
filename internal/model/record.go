package model

import (
	"encoding/json"
	"time"
)

// Canonical MasterRecord field names. Mapping rules may not target these.
const (
	FieldPairID            = "pair_id"
	FieldConceptAName      = "concept_a_name"
	FieldConceptACode      = "concept_a_code"
	FieldConceptASystem    = "concept_a_system"
	FieldConceptAType      = "concept_a_type"
	FieldConceptBName      = "concept_b_name"
	FieldConceptBCode      = "concept_b_code"
	FieldConceptBSystem    = "concept_b_system"
	FieldConceptBType      = "concept_b_type"
	FieldRelationshipCode  = "relationship_code"
	FieldRelationshipType  = "relationship_type"
	FieldRationale         = "rationale"
	FieldClassifierName    = "classifier_name"
	FieldClassifierVersion = "classifier_version"
	FieldClassifiedAt      = "classified_at"
	FieldSourceCount       = "source_count"
	FieldReviewStatus      = "review_status"
	FieldReviewedBy        = "reviewed_by"
	FieldReviewNotes       = "review_notes"
	FieldReviewedAt        = "reviewed_at"
	FieldCreatedAt         = "created_at"
	FieldUpdatedAt         = "updated_at"
)

// GuardedFields lists the fields owned by identity, classification and provenance.
var GuardedFields = []string{
	FieldPairID,
	FieldConceptAName, FieldConceptACode, FieldConceptASystem, FieldConceptAType,
	FieldConceptBName, FieldConceptBCode, FieldConceptBSystem, FieldConceptBType,
	FieldRelationshipCode, FieldRelationshipType, FieldRationale,
	FieldClassifierName, FieldClassifierVersion, FieldClassifiedAt,
	FieldSourceCount,
	FieldReviewStatus, FieldReviewedBy, FieldReviewNotes, FieldReviewedAt,
	FieldCreatedAt, FieldUpdatedAt,
}

// IsGuarded reports whether name is a canonical MasterRecord field.
func IsGuarded(name string) bool {
	for _, g := range GuardedFields {
		if g == name {
			return true
		}
	}
	return false
}

// Concept is one side of a pair.
type Concept struct {
	Name   string `json:"name"`
	Code   string `json:"code"`
	System string `json:"system"`
	Type   string `json:"type"`
}

// MasterRecord is the aggregate row for one ordered concept pair.
type MasterRecord struct {
	PairID            string         `json:"pair_id"`
	ConceptA          Concept        `json:"concept_a"`
	ConceptB          Concept        `json:"concept_b"`
	RelationshipCode  int            `json:"relationship_code"`
	RelationshipType  string         `json:"relationship_type"`
	Rationale         string         `json:"rationale"`
	ClassifierName    string         `json:"classifier_name"`
	ClassifierVersion string         `json:"classifier_version"`
	ClassifiedAt      *time.Time     `json:"classified_at,omitempty"`
	SourceCount       int            `json:"source_count"`
	ReviewStatus      string         `json:"review_status,omitempty"`
	ReviewedBy        string         `json:"reviewed_by,omitempty"`
	ReviewNotes       string         `json:"review_notes,omitempty"`
	ReviewedAt        *time.Time     `json:"reviewed_at,omitempty"`
	Fields            map[string]any `json:"fields"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Flatten returns the record as a single field map keyed by canonical and
// mapping-driven names.
func (r *MasterRecord) Flatten() map[string]any {
	out := make(map[string]any, len(r.Fields)+16)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[FieldPairID] = r.PairID
	out[FieldConceptAName] = r.ConceptA.Name
	out[FieldConceptACode] = r.ConceptA.Code
	out[FieldConceptASystem] = r.ConceptA.System
	out[FieldConceptAType] = r.ConceptA.Type
	out[FieldConceptBName] = r.ConceptB.Name
	out[FieldConceptBCode] = r.ConceptB.Code
	out[FieldConceptBSystem] = r.ConceptB.System
	out[FieldConceptBType] = r.ConceptB.Type
	out[FieldRelationshipCode] = r.RelationshipCode
	out[FieldRelationshipType] = r.RelationshipType
	out[FieldRationale] = r.Rationale
	out[FieldClassifierName] = r.ClassifierName
	out[FieldClassifierVersion] = r.ClassifierVersion
	out[FieldSourceCount] = r.SourceCount
	return out
}

// EncodeFields serializes the mapping-driven fields for storage.
func (r *MasterRecord) EncodeFields() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// CacheEntry is a stored classifier answer keyed by prompt hash.
type CacheEntry struct {
	PromptKey        string    `json:"prompt_key"`
	PairID           string    `json:"pair_id"`
	Model            string    `json:"model"`
	Code             int       `json:"code"`
	Label            string    `json:"label"`
	Rationale        string    `json:"rationale"`
	Payload          []byte    `json:"payload,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConceptMeta is reference vocabulary metadata for one concept id.
type ConceptMeta struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	VocabularySystem string `json:"vocabulary_system"`
	ClassID          string `json:"class_id"`
}
