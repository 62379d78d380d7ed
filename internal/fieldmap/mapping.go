package fieldmap

import (
	"github.com/overhage/taxis/internal/model"
)

// Rule maps one upload column to a MasterRecord field.
type Rule struct {
	UploadColumn string   `yaml:"upload_column"`
	Target       string   `yaml:"target"`
	Category     Category `yaml:"-"`
}

// Value is a rule applied to one row.
type Value struct {
	Target   string
	Category Category
	Raw      string
}

// Mapping is an ordered rule list with a target index.
type Mapping struct {
	rules    []Rule
	byTarget map[string]Category
}

// New builds a Mapping. The first rule for a target fixes its category.
func New(rules []Rule) *Mapping {
	m := &Mapping{rules: make([]Rule, 0, len(rules)), byTarget: make(map[string]Category, len(rules))}
	for _, r := range rules {
		if r.UploadColumn == "" || r.Target == "" {
			continue
		}
		m.rules = append(m.rules, r)
		if _, ok := m.byTarget[r.Target]; !ok {
			m.byTarget[r.Target] = r.Category
		}
	}
	return m
}

// Rules returns the rules in declaration order.
func (m *Mapping) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// CategoryOf returns the declared category for target.
func (m *Mapping) CategoryOf(target string) (Category, bool) {
	if m == nil {
		return Other, false
	}
	c, ok := m.byTarget[target]
	return c, ok
}

// Resolve returns the mapping category for name, falling back to the static
// table and finally Other.
func (m *Mapping) Resolve(name string) Category {
	if c, ok := m.CategoryOf(name); ok {
		return c
	}
	if c, ok := StaticCategory(name); ok {
		return c
	}
	return Other
}

// Apply extracts the mapped values present in row, in rule order. Columns
// absent from the row are skipped.
func (m *Mapping) Apply(row model.Row) []Value {
	out := make([]Value, 0, len(m.rules))
	for _, r := range m.rules {
		raw, ok := row.Get(r.UploadColumn)
		if !ok {
			continue
		}
		out = append(out, Value{Target: r.Target, Category: r.Category, Raw: raw})
	}
	return out
}

// CoerceFields coerces every field in place using m.Resolve.
func (m *Mapping) CoerceFields(fields map[string]any) {
	for k, v := range fields {
		if model.IsGuarded(k) {
			continue
		}
		fields[k] = Coerce(v, m.Resolve(k))
	}
}

// Default returns the legacy mapping used when no mapping file is available.
// Known numeric columns map onto fields of the same name.
func Default() *Mapping {
	return New([]Rule{
		{UploadColumn: "cooc_obs", Target: "cooc_obs", Category: Count},
		{UploadColumn: "cooc_persons", Target: "cooc_persons", Category: Count},
		{UploadColumn: "a_before_b", Target: "a_before_b", Category: Count},
		{UploadColumn: "same_day", Target: "same_day", Category: Count},
		{UploadColumn: "b_before_a", Target: "b_before_a", Category: Count},
		{UploadColumn: "expected_obs", Target: "expected_obs", Category: Stat},
		{UploadColumn: "lift_lower_95", Target: "lift_lower_95", Category: Stat},
		{UploadColumn: "lift_upper_95", Target: "lift_upper_95", Category: Stat},
		{UploadColumn: "ratio", Target: "ratio", Category: Stat},
		{UploadColumn: "source", Target: "source", Category: Other},
	})
}
