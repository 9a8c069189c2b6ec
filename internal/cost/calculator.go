// Package cost converts provider usage into platform credits.
package cost

import (
	"math"
	"sync"
)

// Direction selects which rate applies to a token amount.
type Direction int

const (
	// Input prices prompt tokens.
	Input Direction = iota + 1
	// Output prices completion tokens.
	Output
)

// Calculator maps model keys to credit rates. Rates are looked up as
// "<model>" (flat), then "<model>-input" / "<model>-output" by direction.
// Unknown models cost zero credits rather than failing, matching the
// billing policy of treating unpriced models as free.
type Calculator struct {
	mu          sync.RWMutex
	rates       map[string]float64
	multipliers map[string]float64
}

// NewCalculator creates a calculator from a credit-rate table and a
// per-model estimate multiplier table. Both may be nil.
func NewCalculator(rates, multipliers map[string]float64) *Calculator {
	if rates == nil {
		rates = make(map[string]float64)
	}
	if multipliers == nil {
		multipliers = make(map[string]float64)
	}
	return &Calculator{rates: rates, multipliers: multipliers}
}

// SetRate adds or updates a credit rate.
func (c *Calculator) SetRate(key string, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[key] = rate
}

// Calculate prices an amount (typically a token count) for a model in the
// given direction.
func (c *Calculator) Calculate(amount float64, model string, dir Direction) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rate, ok := c.rates[model]; ok {
		return amount * rate
	}

	switch dir {
	case Input:
		if rate, ok := c.rates[model+"-input"]; ok {
			return amount * rate
		}
	case Output:
		if rate, ok := c.rates[model+"-output"]; ok {
			return amount * rate
		}
	}

	return 0
}

// CalculateUsage prices a completed call from its token counts.
func (c *Calculator) CalculateUsage(model string, inputTokens, outputTokens int) float64 {
	return c.Calculate(float64(inputTokens), model, Input) +
		c.Calculate(float64(outputTokens), model, Output)
}

// Estimate returns the pre-call credit estimate for a model: the model's
// configured multiplier priced at its flat or input rate. This is what a
// session reserves before the real usage is known.
func (c *Calculator) Estimate(model string) float64 {
	c.mu.RLock()
	multiplier, ok := c.multipliers[model]
	c.mu.RUnlock()

	if !ok || multiplier <= 0 {
		multiplier = 1
	}

	return c.Calculate(multiplier, model, Input)
}

// ImageTokens estimates the token cost of an image attachment from its
// pixel dimensions. The image is scaled to fit 2048x2048, then its short
// side to 768, and the result priced per 512-pixel tile. This is a capped
// tiling estimate, not an exact accounting.
func ImageTokens(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}

	if width > 2048 {
		height = int(2048.0 / float64(width) * float64(height))
		width = 2048
	}
	if height > 2048 {
		width = int(2048.0 / float64(height) * float64(width))
		height = 2048
	}

	if width <= height && width > 768 {
		height = int(768.0 / float64(width) * float64(height))
		width = 768
	} else if height < width && height > 768 {
		width = int(768.0 / float64(height) * float64(width))
		height = 768
	}

	tiles := int(math.Ceil(float64(width)/512) + math.Ceil(float64(height)/512))
	return 170*tiles + 85
}
