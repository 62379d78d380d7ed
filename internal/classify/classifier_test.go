package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/overhage/taxis/internal/resilience"
)

var testInput = Input{ConceptA: "Asthma", ConceptB: "Eczema", CoOccurrence: 10, Ratio: 2.1}

func unavailableErr(model string) error {
	return &UnavailableError{Model: model, Err: errors.New("404 model_not_found")}
}

func TestClassify_FallsThroughUnavailableModels(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, 300).Return(Reply{}, unavailableErr("m1")).Once()
	p.On("Complete", mock.Anything, "m2", mock.Anything, 300).Return(Reply{}, unavailableErr("m2")).Once()
	p.On("Complete", mock.Anything, "m3", mock.Anything, 300).
		Return(Reply{Text: "5: Common cause: atopy", Usage: Usage{PromptTokens: 200, CompletionTokens: 9}}, nil).Once()

	c := New(p, Options{Models: []string{"m1", "m2", "m3", "m4"}})
	res := c.Classify(context.Background(), testInput)

	assert.Equal(t, "m3", res.Model)
	assert.Equal(t, 5, res.Code)
	assert.Equal(t, "Common cause", res.Label)
	assert.Equal(t, "atopy", res.Rationale)
	assert.Equal(t, 200, res.Usage.PromptTokens)
	assert.False(t, res.Fallback)
	p.AssertExpectations(t)
	p.AssertNotCalled(t, "Complete", mock.Anything, "m4", mock.Anything, mock.Anything)
}

func TestClassify_OtherErrorStops(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, mock.Anything).Return(Reply{}, errors.New("500 internal error")).Once()

	c := New(p, Options{Models: []string{"m1", "m2"}})
	res := c.Classify(context.Background(), testInput)

	assert.True(t, res.Fallback)
	assert.Equal(t, CodeNoRelationship, res.Code)
	assert.Equal(t, "No clear relationship", res.Label)
	assert.Contains(t, res.Rationale, "500 internal error")
	assert.Empty(t, res.Model)
	p.AssertNotCalled(t, "Complete", mock.Anything, "m2", mock.Anything, mock.Anything)
}

func TestClassify_AllUnavailable(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, mock.Anything).Return(Reply{}, unavailableErr("m1"))
	p.On("Complete", mock.Anything, "m2", mock.Anything, mock.Anything).Return(Reply{}, unavailableErr("m2"))

	res := New(p, Options{Models: []string{"m1", "m2"}}).Classify(context.Background(), testInput)
	assert.True(t, res.Fallback)
	assert.Equal(t, CodeNoRelationship, res.Code)
	assert.Contains(t, res.Rationale, "model m2 unavailable")
}

func TestClassify_NoModels(t *testing.T) {
	res := New(&mockProvider{}, Options{}).Classify(context.Background(), testInput)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Rationale, "no models configured")
}

func TestClassify_EmptyReplyDefaults(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, mock.Anything).Return(Reply{Text: "  "}, nil).Once()

	res := New(p, Options{Models: []string{"m1", "m2"}}).Classify(context.Background(), testInput)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Rationale, "empty reply")
	p.AssertNotCalled(t, "Complete", mock.Anything, "m2", mock.Anything, mock.Anything)
}

func TestClassify_UnparseableCodeIsNotFallback(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, mock.Anything).Return(Reply{Text: "maybe causal"}, nil).Once()

	res := New(p, Options{Models: []string{"m1"}}).Classify(context.Background(), testInput)
	assert.False(t, res.Fallback)
	assert.Equal(t, CodeNoRelationship, res.Code)
	assert.Equal(t, "m1", res.Model)
}

func TestClassify_OpenCircuitDefaults(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, mock.Anything).Return(Reply{}, errors.New("503")).Once()

	breaker := resilience.NewBreaker(BreakerConfig(1, time.Hour))
	c := New(p, Options{Models: []string{"m1"}, Breaker: breaker})

	first := c.Classify(context.Background(), testInput)
	assert.True(t, first.Fallback)
	assert.Equal(t, resilience.StateOpen, breaker.State())

	second := c.Classify(context.Background(), testInput)
	assert.True(t, second.Fallback)
	assert.Contains(t, second.Rationale, "circuit breaker is open")
	p.AssertNumberOfCalls(t, "Complete", 1)
}

func TestClassify_UnavailableDoesNotTrip(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, mock.Anything).Return(Reply{}, unavailableErr("m1"))
	p.On("Complete", mock.Anything, "m2", mock.Anything, mock.Anything).Return(Reply{Text: "1: A causes B: r"}, nil)

	breaker := resilience.NewBreaker(BreakerConfig(1, time.Hour))
	c := New(p, Options{Models: []string{"m1", "m2"}, Breaker: breaker})

	for range 3 {
		res := c.Classify(context.Background(), testInput)
		require.False(t, res.Fallback)
		assert.Equal(t, "m2", res.Model)
	}
	assert.Equal(t, resilience.StateClosed, breaker.State())
}

func TestClassify_CancelledContextDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(&mockProvider{}, Options{Models: []string{"m1"}, RequestsPerSec: 1})
	res := c.Classify(ctx, testInput)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Rationale, "rate limiter")
}

func TestClassify_TimeoutApplied(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, "m1", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			_, ok := ctx.Deadline()
			assert.True(t, ok)
		}).
		Return(Reply{Text: "2: B causes A: r"}, nil)

	res := New(p, Options{Models: []string{"m1"}, Timeout: time.Second}).Classify(context.Background(), testInput)
	assert.Equal(t, 2, res.Code)
}

func TestUnavailableError(t *testing.T) {
	err := unavailableErr("m9")
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Contains(t, err.Error(), "m9")
	assert.NotErrorIs(t, errors.New("x"), ErrModelUnavailable)
}

func TestClassifierAccessors(t *testing.T) {
	c := New(&mockProvider{}, Options{Models: []string{"a", "b"}})
	assert.Equal(t, "a,b", c.ModelKey())
	assert.Equal(t, "v1", c.PromptVersion())
	assert.Equal(t, "mock", c.Name())
}
