// Package resolver looks up reference vocabulary metadata for raw concept ids.
package resolver

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"

	"github.com/overhage/taxis/internal/ident"
	"github.com/overhage/taxis/internal/model"
)

// Vocabulary finds concepts by numeric id. A missing concept is (nil, nil).
type Vocabulary interface {
	LookupConcept(ctx context.Context, id int64) (*model.ConceptMeta, error)
}

// Memo holds lookups for the lifetime of one slice. Hits and misses are both
// kept. Entries never expire and no janitor goroutine runs.
type Memo struct {
	c *cache.Cache
}

// NewMemo returns an empty memo.
func NewMemo() *Memo {
	return &Memo{c: cache.New(cache.NoExpiration, 0)}
}

func (m *Memo) get(id int64) (*model.ConceptMeta, bool) {
	v, ok := m.c.Get(strconv.FormatInt(id, 10))
	if !ok {
		return nil, false
	}
	meta, _ := v.(*model.ConceptMeta)
	return meta, true
}

func (m *Memo) put(id int64, meta *model.ConceptMeta) {
	m.c.Set(strconv.FormatInt(id, 10), meta, cache.NoExpiration)
}

// Len returns the number of memoized ids.
func (m *Memo) Len() int {
	return m.c.ItemCount()
}

// Resolver resolves raw ids through a Memo.
type Resolver struct {
	vocab   Vocabulary
	memo    *Memo
	timeout time.Duration
	group   singleflight.Group

	lookups atomic.Int64
}

// New creates a resolver bound to memo. A zero timeout leaves lookups bounded
// only by ctx.
func New(vocab Vocabulary, memo *Memo, timeout time.Duration) *Resolver {
	if memo == nil {
		memo = NewMemo()
	}
	return &Resolver{vocab: vocab, memo: memo, timeout: timeout}
}

// Resolve returns the concept for rawID. A rawID that is not a strict integer
// resolves to nil without a lookup.
func (r *Resolver) Resolve(ctx context.Context, rawID string) (*model.ConceptMeta, error) {
	id, ok := ident.ParseStrictInt(rawID)
	if !ok {
		return nil, nil
	}
	if meta, ok := r.memo.get(id); ok {
		return meta, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if meta, ok := r.memo.get(id); ok {
			return meta, nil
		}
		lctx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		r.lookups.Add(1)
		meta, err := r.vocab.LookupConcept(lctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "resolver: lookup concept %d", id)
		}
		r.memo.put(id, meta)
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	meta, _ := v.(*model.ConceptMeta)
	return meta, nil
}

// Lookups returns how many vocabulary queries this resolver issued.
func (r *Resolver) Lookups() int64 {
	return r.lookups.Load()
}
