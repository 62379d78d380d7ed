package classify

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/overhage/taxis/internal/model"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Complete(ctx context.Context, model string, p Prompt, maxTokens int) (Reply, error) {
	args := m.Called(ctx, model, p, maxTokens)
	return args.Get(0).(Reply), args.Error(1)
}

type mockService struct {
	mock.Mock
}

func (m *mockService) Classify(ctx context.Context, in Input) Result {
	return m.Called(ctx, in).Get(0).(Result)
}

func (m *mockService) ModelKey() string      { return "m1,m2" }
func (m *mockService) PromptVersion() string { return "v1" }

// memCache is an in-memory CacheStore with first-write-wins semantics.
type memCache struct {
	entries map[string]*model.CacheEntry
	puts    int
	// preempt, when set, is stored under the key just before the first put
	// to simulate a concurrent writer.
	preempt *model.CacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*model.CacheEntry)}
}

func (c *memCache) GetCacheEntry(_ context.Context, key string) (*model.CacheEntry, error) {
	return c.entries[key], nil
}

func (c *memCache) PutCacheEntry(_ context.Context, e *model.CacheEntry) (bool, error) {
	c.puts++
	if c.preempt != nil {
		p := *c.preempt
		p.PromptKey = e.PromptKey
		c.entries[e.PromptKey] = &p
		c.preempt = nil
	}
	if _, ok := c.entries[e.PromptKey]; ok {
		return false, nil
	}
	c.entries[e.PromptKey] = e
	return true, nil
}
