package classify

import (
	"fmt"
	"strings"
)

// Relationship codes. Codes are directional: A is the first concept of the pair.
const (
	CodeACausesB            = 1
	CodeBCausesA            = 2
	CodeAIndirectlyCausesB  = 3
	CodeBIndirectlyCausesA  = 4
	CodeCommonCause         = 5
	CodeTreatmentACausesB   = 6
	CodeTreatmentBCausesA   = 7
	CodeSimilarPresentation = 8
	CodeASubsetOfB          = 9
	CodeBSubsetOfA          = 10
	CodeNoRelationship      = 11
)

// Labels indexed by code. Index 0 is unused.
var labels = [...]string{
	"",
	"A causes B",
	"B causes A",
	"A indirectly causes B",
	"B indirectly causes A",
	"Common cause",
	"Treatment of A causes B",
	"Treatment of B causes A",
	"Similar presentation",
	"A is a subset of B",
	"B is a subset of A",
	"No clear relationship",
}

// Label returns the taxonomy label for code, or "" when out of range.
func Label(code int) string {
	if code < 1 || code >= len(labels) {
		return ""
	}
	return labels[code]
}

// StrengthBand buckets an actual/expected co-occurrence ratio.
func StrengthBand(ratio float64) string {
	switch {
	case ratio >= 2.0:
		return "strong"
	case ratio >= 1.5:
		return "moderate"
	case ratio >= 1.0:
		return "weak"
	default:
		return "minimal"
	}
}

// Prompt is the rendered request for one pair.
type Prompt struct {
	System string
	User   string
}

const systemPrompt = `You are a clinical informatics expert. You classify the relationship between two clinical concepts that co-occur in patient records.
Answer with exactly one line in the form:
<code>: <label>: <rationale>
where <code> is a number from the list below, <label> is its name, and <rationale> is one sentence.`

// Context renders the statistical signals that shape the prompt. It is part
// of the cache key.
func Context(in Input) string {
	return fmt.Sprintf("cooccurrence=%d; ratio=%.2f; strength=%s", in.CoOccurrence, in.Ratio, StrengthBand(in.Ratio))
}

// BuildPrompt renders the deterministic prompt for in.
func BuildPrompt(in Input) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Concept A: %s\n", in.ConceptA)
	fmt.Fprintf(&b, "Concept B: %s\n\n", in.ConceptB)
	fmt.Fprintf(&b, "Observed co-occurrence count: %d\n", in.CoOccurrence)
	fmt.Fprintf(&b, "Actual/expected ratio: %.2f (%s association)\n\n", in.Ratio, StrengthBand(in.Ratio))
	b.WriteString("Association strength bands: >=2.0 strong, 1.5-1.99 moderate, 1.0-1.49 weak, <1.0 minimal.\n\n")
	b.WriteString("Relationship categories:\n")
	for code := 1; code < len(labels); code++ {
		fmt.Fprintf(&b, "%d. %s\n", code, labels[code])
	}
	b.WriteString("\nChoose the single best category.")
	return Prompt{System: systemPrompt, User: b.String()}
}
