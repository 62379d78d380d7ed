package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overhage/taxis/internal/db"
	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/store"
)

const vocabBatchSize = 5000

var conceptColumns = []string{
	"concept_id", "concept_name", "domain_id", "vocabulary_id",
	"concept_class_id", "standard_concept", "concept_code", "invalid_reason",
}

// conceptRow is one line of a vocabulary CONCEPT file.
type conceptRow struct {
	ID              int64
	Name            string
	Domain          string
	Vocabulary      string
	Class           string
	StandardConcept string
	Code            string
	InvalidReason   string
}

func (c conceptRow) values() []any {
	return []any{c.ID, c.Name, c.Domain, c.Vocabulary, c.Class, c.StandardConcept, c.Code, c.InvalidReason}
}

func (c conceptRow) meta() model.ConceptMeta {
	return model.ConceptMeta{ID: c.ID, Name: c.Name, VocabularySystem: c.Vocabulary, ClassID: c.Class}
}

// readConcepts parses a tab-delimited CONCEPT file and hands rows to fn in
// batches. Lines with an unparseable concept_id are skipped and counted.
func readConcepts(r io.Reader, batchSize int, fn func([]conceptRow) error) (loaded, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, eris.Wrap(err, "vocab: read header")
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"concept_id", "concept_name"} {
		if _, ok := idx[required]; !ok {
			return 0, 0, eris.Errorf("vocab: missing column %q", required)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	batch := make([]conceptRow, 0, batchSize)
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return loaded, skipped, eris.Wrap(err, "vocab: read line")
		}
		id, perr := strconv.ParseInt(field(rec, "concept_id"), 10, 64)
		if perr != nil {
			skipped++
			continue
		}
		batch = append(batch, conceptRow{
			ID:              id,
			Name:            field(rec, "concept_name"),
			Domain:          field(rec, "domain_id"),
			Vocabulary:      field(rec, "vocabulary_id"),
			Class:           field(rec, "concept_class_id"),
			StandardConcept: field(rec, "standard_concept"),
			Code:            field(rec, "concept_code"),
			InvalidReason:   field(rec, "invalid_reason"),
		})
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return loaded, skipped, err
			}
			loaded += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return loaded, skipped, err
		}
		loaded += len(batch)
	}
	return loaded, skipped, nil
}

// conceptLoader returns the batch writer for the configured store.
func conceptLoader(ctx context.Context, st store.Store) (func([]conceptRow) error, error) {
	switch s := st.(type) {
	case *store.PostgresStore:
		pool := s.Pool()
		return func(batch []conceptRow) error {
			values := make([][]any, len(batch))
			for i, c := range batch {
				values[i] = c.values()
			}
			_, err := db.BulkUpsert(ctx, pool, db.UpsertConfig{
				Table:        "concept",
				Columns:      conceptColumns,
				ConflictKeys: []string{"concept_id"},
			}, values)
			return err
		}, nil
	case *store.SQLiteStore:
		return func(batch []conceptRow) error {
			for _, c := range batch {
				if err := s.PutConcept(ctx, c.meta()); err != nil {
					return err
				}
			}
			return nil
		}, nil
	default:
		return nil, eris.Errorf("vocab: store %T cannot load concepts", st)
	}
}

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Manage the concept vocabulary",
}

var vocabLoadCmd = &cobra.Command{
	Use:   "load <CONCEPT.csv>",
	Short: "Load a tab-delimited CONCEPT file into the concept table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		load, err := conceptLoader(ctx, env.Store)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close()

		log := zap.L().With(zap.String("component", "vocab"))
		loaded, skipped, err := readConcepts(f, vocabBatchSize, func(batch []conceptRow) error {
			if err := load(batch); err != nil {
				return err
			}
			log.Debug("concept batch loaded", zap.Int("rows", len(batch)))
			return nil
		})
		if err != nil {
			return err
		}
		log.Info("vocabulary loaded", zap.Int("concepts", loaded), zap.Int("skipped", skipped))
		return nil
	},
}

func init() {
	vocabCmd.AddCommand(vocabLoadCmd)
	rootCmd.AddCommand(vocabCmd)
}
