package fieldmap

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/overhage/taxis/internal/model"
)

type yamlRule struct {
	UploadColumn string `yaml:"upload_column"`
	Target       string `yaml:"target"`
	Category     string `yaml:"category"`
}

// Load reads the mapping at path. A blank path, a missing or empty file, or a
// file that yields no rules degrades to Default with a warning.
func Load(path string) *Mapping {
	log := zap.L().With(zap.String("component", "fieldmap"), zap.String("path", path))
	if path == "" {
		return Default()
	}

	m, err := LoadFile(path)
	if err != nil {
		log.Warn("fieldmap: using default mapping", zap.Error(err))
		return Default()
	}
	if len(m.rules) == 0 {
		log.Warn("fieldmap: mapping file has no rules, using default mapping")
		return Default()
	}
	for _, r := range m.rules {
		if model.IsGuarded(r.Target) {
			log.Warn("fieldmap: rule targets a guarded field and is ignored on write",
				zap.String("target", r.Target))
		}
	}
	return m
}

// LoadFile parses a YAML (.yaml, .yml) or CSV mapping file.
func LoadFile(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(err, "fieldmap: mapping file %s not found", path)
		}
		return nil, eris.Wrapf(err, "fieldmap: read %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseCSV(data)
	}
}

// ParseYAML parses a document of the form:
//
//	rules:
//	  - upload_column: cooc_obs
//	    target: cooc_obs
//	    category: count
func ParseYAML(data []byte) (*Mapping, error) {
	var doc struct {
		Rules []yamlRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "fieldmap: parse yaml")
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i, yr := range doc.Rules {
		cat, err := ParseCategory(yr.Category)
		if err != nil {
			return nil, eris.Wrapf(err, "fieldmap: rule %d", i)
		}
		rules = append(rules, Rule{
			UploadColumn: strings.TrimSpace(yr.UploadColumn),
			Target:       strings.TrimSpace(yr.Target),
			Category:     cat,
		})
	}
	return New(rules), nil
}

// ParseCSV parses rows of upload_column,target_field,category with a header row.
func ParseCSV(data []byte) (*Mapping, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return New(nil), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "fieldmap: read csv header")
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	col, okCol := idx["upload_column"]
	tgt, okTgt := idx["target_field"]
	if !okTgt {
		tgt, okTgt = idx["target"]
	}
	if !okCol || !okTgt {
		return nil, eris.New("fieldmap: csv header must include upload_column and target_field")
	}
	catIdx, hasCat := idx["category"]

	var rules []Rule
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "fieldmap: read csv line %d", line)
		}
		get := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		cat := Other
		if hasCat {
			cat, err = ParseCategory(get(catIdx))
			if err != nil {
				return nil, eris.Wrapf(err, "fieldmap: csv line %d", line)
			}
		}
		rules = append(rules, Rule{UploadColumn: get(col), Target: get(tgt), Category: cat})
	}
	return New(rules), nil
}
