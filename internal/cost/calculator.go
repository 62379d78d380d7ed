package cost

import "go.uber.org/zap"

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model ids to pricing.
type Rates map[string]ModelRate

// Calculator computes classifier spend.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator. Entries in overrides replace defaults.
func NewCalculator(overrides Rates) *Calculator {
	rates := DefaultRates()
	for model, r := range overrides {
		rates[model] = r
	}
	return &Calculator{rates: rates}
}

// Tokens returns the cost of one call. Unknown models cost 0.
func (c *Calculator) Tokens(model string, input, output int) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Log records token usage and estimated cost for one call.
func (c *Calculator) Log(model string, input, output int) {
	zap.L().Debug("cost attribution",
		zap.String("model", model),
		zap.Int("input_tokens", input),
		zap.Int("output_tokens", output),
		zap.Float64("estimated_cost_usd", c.Tokens(model, input, output)),
	)
}

// DefaultRates returns list prices for the models the classifier is usually
// configured with.
func DefaultRates() Rates {
	return Rates{
		"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"gpt-4o":                     {Input: 2.50, Output: 10.00},
		"gpt-4.1-mini":               {Input: 0.40, Output: 1.60},
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
	}
}
