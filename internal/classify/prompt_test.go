package classify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrengthBand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ratio float64
		want  string
	}{
		{5.0, "strong"},
		{2.0, "strong"},
		{1.99, "moderate"},
		{1.5, "moderate"},
		{1.49, "weak"},
		{1.0, "weak"},
		{0.99, "minimal"},
		{0, "minimal"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.ratio), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StrengthBand(tt.ratio))
		})
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "A causes B", Label(CodeACausesB))
	assert.Equal(t, "B is a subset of A", Label(CodeBSubsetOfA))
	assert.Equal(t, "No clear relationship", Label(CodeNoRelationship))
	assert.Empty(t, Label(0))
	assert.Empty(t, Label(12))
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	in := Input{ConceptA: "Asthma (SNOMED 195967001, Condition)", ConceptB: "Eczema (SNOMED 43116000, Condition)", CoOccurrence: 42, Ratio: 1.75}
	p := BuildPrompt(in)

	assert.Equal(t, p, BuildPrompt(in), "deterministic")
	assert.Contains(t, p.System, "<code>: <label>: <rationale>")
	assert.Contains(t, p.User, "Concept A: Asthma (SNOMED 195967001, Condition)")
	assert.Contains(t, p.User, "Concept B: Eczema")
	assert.Contains(t, p.User, "co-occurrence count: 42")
	assert.Contains(t, p.User, "1.75 (moderate association)")
	for code := 1; code <= CodeNoRelationship; code++ {
		assert.Contains(t, p.User, fmt.Sprintf("%d. %s\n", code, Label(code)))
	}
}

func TestContext(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "cooccurrence=3; ratio=2.50; strength=strong", Context(Input{CoOccurrence: 3, Ratio: 2.5}))
}
