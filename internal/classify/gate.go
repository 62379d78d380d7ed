package classify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/ident"
	"github.com/overhage/taxis/internal/metrics"
	"github.com/overhage/taxis/internal/model"
)

// CacheStore persists classifier answers by prompt key. GetCacheEntry returns
// (nil, nil) for a missing key. PutCacheEntry reports false when an entry for
// the key already existed and nothing was written.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, promptKey string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e *model.CacheEntry) (bool, error)
}

// Service is the classifier behind a Gate.
type Service interface {
	Classify(ctx context.Context, in Input) Result
	ModelKey() string
	PromptVersion() string
}

// Outcome is a gated classification.
type Outcome struct {
	Result    Result
	PromptKey string
	// Hit is set when the answer came from the cache instead of the service.
	Hit bool
	// Entry is the cache entry written by this call, if any.
	Entry *model.CacheEntry
}

// Gate checks the classification cache before calling the service and
// records every new answer. A Gate belongs to one slice and is not safe for
// concurrent use.
type Gate struct {
	svc   Service
	store CacheStore
	seen  map[string]Result

	nowFunc func() time.Time
}

// NewGate creates a gate with an empty in-slice memo.
func NewGate(svc Service, store CacheStore) *Gate {
	return &Gate{svc: svc, store: store, seen: make(map[string]Result), nowFunc: time.Now}
}

// Key returns the prompt key for a pair.
func (g *Gate) Key(pairID string, in Input) string {
	return ident.PromptKey(ident.PromptKeyFields{
		Model:         g.svc.ModelKey(),
		PairID:        pairID,
		ConceptA:      in.ConceptA,
		ConceptB:      in.ConceptB,
		Context:       Context(in),
		PromptVersion: g.svc.PromptVersion(),
	})
}

// Classify returns the cached answer for the pair's prompt key or asks the
// service once and stores the answer. Default (fallback) answers are not
// stored, so a later run may retry the service.
func (g *Gate) Classify(ctx context.Context, pairID string, in Input) (Outcome, error) {
	key := g.Key(pairID, in)

	if res, ok := g.seen[key]; ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return Outcome{Result: res, PromptKey: key, Hit: true}, nil
	}

	stored, err := g.store.GetCacheEntry(ctx, key)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "classify: read cache entry %s", key)
	}
	if stored != nil {
		res := fromEntry(stored)
		g.seen[key] = res
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return Outcome{Result: res, PromptKey: key, Hit: true}, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	res := g.svc.Classify(ctx, in)
	g.seen[key] = res
	if res.Fallback {
		return Outcome{Result: res, PromptKey: key}, nil
	}

	entry := &model.CacheEntry{
		PromptKey:        key,
		PairID:           pairID,
		Model:            res.Model,
		Code:             res.Code,
		Label:            res.Label,
		Rationale:        res.Rationale,
		Payload:          res.Payload(),
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CreatedAt:        g.nowFunc().UTC(),
	}
	inserted, err := g.store.PutCacheEntry(ctx, entry)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "classify: write cache entry %s", key)
	}
	if !inserted {
		// another slice stored this key first; converge on its answer
		winner, err := g.store.GetCacheEntry(ctx, key)
		if err != nil {
			return Outcome{}, eris.Wrapf(err, "classify: reread cache entry %s", key)
		}
		if winner != nil {
			res = fromEntry(winner)
			g.seen[key] = res
			return Outcome{Result: res, PromptKey: key, Hit: true}, nil
		}
	}
	return Outcome{Result: res, PromptKey: key, Entry: entry}, nil
}

func fromEntry(e *model.CacheEntry) Result {
	return Result{
		Code:      e.Code,
		Label:     e.Label,
		Rationale: e.Rationale,
		Model:     e.Model,
		Usage:     Usage{PromptTokens: e.PromptTokens, CompletionTokens: e.CompletionTokens},
	}
}
