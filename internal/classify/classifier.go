// Package classify asks a language model how two clinical concepts relate.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/overhage/taxis/internal/cost"
	"github.com/overhage/taxis/internal/metrics"
	"github.com/overhage/taxis/internal/resilience"
)

// ErrModelUnavailable marks a model the service does not serve (not found,
// forbidden). The classifier moves on to the next model.
var ErrModelUnavailable = eris.New("classify: model unavailable")

// UnavailableError reports an unavailable model with the service's error.
type UnavailableError struct {
	Model string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("classify: model %s unavailable: %v", e.Model, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is matches ErrModelUnavailable.
func (e *UnavailableError) Is(target error) bool { return target == ErrModelUnavailable }

// Input describes one pair to classify.
type Input struct {
	ConceptA     string
	ConceptB     string
	CoOccurrence int64
	Ratio        float64
}

// Usage is token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is a classification. Fallback is set when no model produced an
// answer and the result is the default category.
type Result struct {
	Code      int    `json:"code"`
	Label     string `json:"label"`
	Rationale string `json:"rationale"`
	Model     string `json:"model"`
	Usage     Usage  `json:"usage"`
	Raw       string `json:"raw,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// Payload returns the result as stored in the classification cache.
func (r Result) Payload() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Reply is a provider answer.
type Reply struct {
	Text  string
	Model string
	Usage Usage
}

// Provider sends one prompt to one model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model string, p Prompt, maxTokens int) (Reply, error)
}

// Options configure a Classifier.
type Options struct {
	Models         []string
	MaxTokens      int
	Timeout        time.Duration
	RequestsPerSec float64
	PromptVersion  string
	Breaker        *resilience.Breaker
	Cost           *cost.Calculator
}

// Classifier calls a Provider through a prioritized model list.
type Classifier struct {
	provider  Provider
	models    []string
	maxTokens int
	timeout   time.Duration
	version   string
	limiter   *rate.Limiter
	breaker   *resilience.Breaker
	cost      *cost.Calculator
}

// New creates a Classifier. RequestsPerSec <= 0 disables pacing.
func New(p Provider, opts Options) *Classifier {
	c := &Classifier{
		provider:  p,
		models:    append([]string(nil), opts.Models...),
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
		version:   opts.PromptVersion,
		breaker:   opts.Breaker,
		cost:      opts.Cost,
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 300
	}
	if c.version == "" {
		c.version = "v1"
	}
	if opts.RequestsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	return c
}

// Name identifies the classifier for provenance.
func (c *Classifier) Name() string { return c.provider.Name() }

// PromptVersion is the prompt revision tag.
func (c *Classifier) PromptVersion() string { return c.version }

// ModelKey joins the fallback list. It stands in for the model id in cache keys.
func (c *Classifier) ModelKey() string { return strings.Join(c.models, ",") }

// Classify never returns an error. Unavailable models are skipped; any other
// failure, or running out of models, yields the default category with the
// last error in the rationale.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	log := zap.L().With(zap.String("component", "classifier"), zap.String("provider", c.provider.Name()))
	prompt := BuildPrompt(in)

	var lastErr error
	for _, m := range c.models {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = eris.Wrap(err, "classify: rate limiter")
				break
			}
		}

		reply, err := c.call(ctx, m, prompt)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrModelUnavailable) {
				metrics.ClassifierCalls.WithLabelValues(m, "unavailable").Inc()
				log.Warn("classify: model unavailable, trying next", zap.String("model", m), zap.Error(err))
				continue
			}
			metrics.ClassifierCalls.WithLabelValues(m, "error").Inc()
			log.Warn("classify: call failed, using default", zap.String("model", m), zap.Error(err))
			break
		}

		metrics.ClassifierCalls.WithLabelValues(m, "ok").Inc()
		metrics.ClassifierTokens.WithLabelValues("prompt").Add(float64(reply.Usage.PromptTokens))
		metrics.ClassifierTokens.WithLabelValues("completion").Add(float64(reply.Usage.CompletionTokens))
		if c.cost != nil {
			c.cost.Log(m, reply.Usage.PromptTokens, reply.Usage.CompletionTokens)
		}

		if strings.TrimSpace(reply.Text) == "" {
			lastErr = eris.Errorf("classify: empty reply from %s", m)
			break
		}
		code, label, rationale := ParseReply(reply.Text)
		return Result{
			Code:      code,
			Label:     label,
			Rationale: rationale,
			Model:     m,
			Usage:     reply.Usage,
			Raw:       reply.Text,
		}
	}

	return defaultResult(lastErr)
}

func (c *Classifier) call(ctx context.Context, model string, p Prompt) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	do := func(ctx context.Context) (Reply, error) {
		return c.provider.Complete(ctx, model, p, c.maxTokens)
	}
	if c.breaker == nil {
		return do(ctx)
	}
	return resilience.Execute(ctx, c.breaker, do)
}

func defaultResult(lastErr error) Result {
	rationale := "classification unavailable: no models configured"
	if lastErr != nil {
		rationale = "classification unavailable: " + lastErr.Error()
	}
	return Result{
		Code:      CodeNoRelationship,
		Label:     Label(CodeNoRelationship),
		Rationale: rationale,
		Fallback:  true,
	}
}

// BreakerConfig returns a breaker config that ignores unavailable models.
func BreakerConfig(failureThreshold int, resetTimeout time.Duration) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: failureThreshold,
		ResetTimeout:     resetTimeout,
		ShouldTrip: func(err error) bool {
			return err != nil && !errors.Is(err, ErrModelUnavailable) && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(from, to resilience.BreakerState) {
			zap.L().Warn("classify: circuit state change", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}
}
