package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRow(t *testing.T) {
	t.Parallel()

	r := NewRow([]string{"b", "a", "c"}, []string{"1", "2"})
	assert.Equal(t, []string{"b", "a", "c"}, r.Keys())
	assert.Equal(t, "1", r.Value("b"))
	assert.Equal(t, "", r.Value("c"))

	v, ok := r.Get("c")
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRowSetKeepsOrder(t *testing.T) {
	t.Parallel()

	var r Row
	r.Set("x", "1")
	r.Set("y", "2")
	r.Set("x", "3")

	assert.Equal(t, []string{"x", "y"}, r.Keys())
	assert.Equal(t, "3", r.Value("x"))
	assert.Equal(t, 2, r.Len())
}

func TestRowClone(t *testing.T) {
	t.Parallel()

	r := NewRow([]string{"a"}, []string{"1"})
	c := r.Clone()
	c.Set("a", "2")
	c.Set("b", "3")

	assert.Equal(t, "1", r.Value("a"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"a", "b"}, c.Keys())
}
