// Package continuation schedules the next slice of a job that ran out of
// time. Dispatch is fire-and-forget: the watchdog recovers jobs whose
// continuation was lost.
package continuation

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/config"
	"github.com/overhage/taxis/internal/metrics"
)

// Sink dispatches a continuation for a job.
type Sink interface {
	Continue(ctx context.Context, jobID string) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, jobID string) error

// Continue calls f.
func (f FuncSink) Continue(ctx context.Context, jobID string) error {
	err := f(ctx, jobID)
	observe("func", err)
	return err
}

// Nop drops continuations, leaving resumption to the watchdog.
type Nop struct{}

// Continue does nothing.
func (Nop) Continue(context.Context, string) error {
	observe("none", nil)
	return nil
}

// New builds the sink selected by cfg.Driver.
func New(cfg config.ContinuationConfig) (Sink, error) {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	switch cfg.Driver {
	case "http":
		s, err := NewHTTPSink(cfg.SelfURL, timeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := NewRedisSink(cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return Nop{}, nil
	}
	return nil, eris.Errorf("continuation: unknown driver %q", cfg.Driver)
}

func observe(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Continuations.WithLabelValues(sink, result).Inc()
}
