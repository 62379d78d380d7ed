// Package merge turns upload rows into MasterRecords: it resolves both
// concepts, derives the pair id and either creates or re-merges the record.
package merge

import (
	"context"
	"strconv"
	"strings"

	"github.com/overhage/taxis/internal/ident"
	"github.com/overhage/taxis/internal/model"
)

// Upload columns read by Enrich. Column names are case-sensitive.
const (
	ColConceptAID   = "concept_a_id"
	ColConceptBID   = "concept_b_id"
	ColNameA        = "concept_a"
	ColNameB        = "concept_b"
	ColSystemA      = "system_a"
	ColSystemB      = "system_b"
	ColCodeA        = "code_a"
	ColCodeB        = "code_b"
	ColTypeA        = "type_a"
	ColTypeB        = "type_b"
	ColCoOccurrence = "cooc_obs"
	ColRatio        = "ratio"
	ColLiftLower    = "lift_lower_95"
	ColLiftUpper    = "lift_upper_95"
)

// ConceptResolver looks up vocabulary metadata for a raw id.
type ConceptResolver interface {
	Resolve(ctx context.Context, rawID string) (*model.ConceptMeta, error)
}

// Enriched is an upload row with both concepts resolved.
type Enriched struct {
	Row          model.Row
	ConceptA     model.Concept
	ConceptB     model.Concept
	ResolvedA    *model.ConceptMeta
	ResolvedB    *model.ConceptMeta
	CoOccurrence int64
	Ratio        float64

	// pair key parts as given by the row, resolver values filling blanks
	systemA, codeA, systemB, codeB string
}

// PairID is the canonical, order-sensitive key of the row's pair.
func (e Enriched) PairID() string {
	return ident.MakePairID(e.systemA, e.codeA, e.systemB, e.codeB)
}

// Complete reports whether both sides carry a code.
func (e Enriched) Complete() bool {
	return e.codeA != "" && e.codeB != ""
}

// Enrich resolves both concepts of row. Resolver errors are returned as-is;
// an unknown or non-numeric id simply leaves the row's own values in place.
func Enrich(ctx context.Context, row model.Row, r ConceptResolver) (Enriched, error) {
	e := Enriched{Row: row}

	var err error
	if e.ConceptA, e.ResolvedA, err = side(ctx, row, r, ColConceptAID, ColNameA, ColSystemA, ColCodeA, ColTypeA); err != nil {
		return Enriched{}, err
	}
	if e.ConceptB, e.ResolvedB, err = side(ctx, row, r, ColConceptBID, ColNameB, ColSystemB, ColCodeB, ColTypeB); err != nil {
		return Enriched{}, err
	}
	e.systemA, e.codeA = pairKey(row, ColSystemA, e.ConceptA)
	e.systemB, e.codeB = pairKey(row, ColSystemB, e.ConceptB)

	e.CoOccurrence, _ = ident.ParseStrictInt(row.Value(ColCoOccurrence))
	e.Ratio = ratio(row)
	return e, nil
}

func side(ctx context.Context, row model.Row, r ConceptResolver, idCol, nameCol, systemCol, codeCol, typeCol string) (model.Concept, *model.ConceptMeta, error) {
	c := model.Concept{
		Name:   strings.TrimSpace(row.Value(nameCol)),
		System: strings.TrimSpace(row.Value(systemCol)),
		Code:   strings.TrimSpace(row.Value(codeCol)),
		Type:   strings.TrimSpace(row.Value(typeCol)),
	}

	rawID := row.Value(idCol)
	if strings.TrimSpace(rawID) == "" {
		rawID = c.Code
	}
	meta, err := r.Resolve(ctx, rawID)
	if err != nil {
		return model.Concept{}, nil, err
	}
	if meta != nil {
		applyMeta(&c, meta)
		if c.Code == "" {
			c.Code = strconv.FormatInt(meta.ID, 10)
		}
	}
	return c, meta, nil
}

// applyMeta overwrites identity fields with the resolver's non-empty values.
func applyMeta(c *model.Concept, meta *model.ConceptMeta) {
	if meta.Name != "" {
		c.Name = meta.Name
	}
	if meta.VocabularySystem != "" {
		c.System = meta.VocabularySystem
	}
	if meta.ClassID != "" {
		c.Type = meta.ClassID
	}
}

// pairKey keeps the row's own system so pair ids do not move when the
// vocabulary renames a system.
func pairKey(row model.Row, systemCol string, c model.Concept) (string, string) {
	system := strings.TrimSpace(row.Value(systemCol))
	if system == "" {
		system = c.System
	}
	return system, c.Code
}

// ratio prefers a direct ratio column, then the midpoint of the lift
// interval, then 1.0.
func ratio(row model.Row) float64 {
	if v, ok := parseFloat(row.Value(ColRatio)); ok {
		return v
	}
	lo, okLo := parseFloat(row.Value(ColLiftLower))
	hi, okHi := parseFloat(row.Value(ColLiftUpper))
	if okLo && okHi {
		return (lo + hi) / 2
	}
	return 1.0
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Text is the concept description sent to the classifier.
func Text(c model.Concept) string {
	if c.Name != "" {
		return c.Name
	}
	return strings.TrimSpace(c.System + " " + c.Code)
}
