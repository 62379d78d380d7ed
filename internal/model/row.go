package model

// Row is an ordered key/value record. Key order is the column order of the
// source it came from; Set on a new key appends it.
type Row struct {
	keys []string
	vals map[string]string
}

// NewRow builds a row from parallel header and value slices. Missing values
// are empty strings; extra values are dropped.
func NewRow(header, values []string) Row {
	r := Row{keys: make([]string, 0, len(header)), vals: make(map[string]string, len(header))}
	for i, h := range header {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		r.Set(h, v)
	}
	return r
}

// Get returns the value for key and whether it is present.
func (r Row) Get(key string) (string, bool) {
	v, ok := r.vals[key]
	return v, ok
}

// Value returns the value for key, or "" when absent.
func (r Row) Value(key string) string {
	return r.vals[key]
}

// Set assigns key, keeping its original position when it already exists.
func (r *Row) Set(key, value string) {
	if r.vals == nil {
		r.vals = make(map[string]string)
	}
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = value
}

// Keys returns the column names in order.
func (r Row) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of columns.
func (r Row) Len() int {
	return len(r.keys)
}

// Clone returns an independent copy.
func (r Row) Clone() Row {
	c := Row{keys: r.Keys(), vals: make(map[string]string, len(r.vals))}
	for k, v := range r.vals {
		c.vals[k] = v
	}
	return c
}
