// Package correlation supplies pairwise asset-class correlations to the guardrails.
package correlation

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"trade-guardrails/internal/config"
	"trade-guardrails/internal/models"
)

// Provider returns the correlation between two asset classes, in [0, 1].
// Implementations must not block: evaluation reads it while holding the engine lock.
type Provider interface {
	Correlation(a, b models.AssetClass) float64
}

// Observer is implemented by providers that learn from observed returns.
type Observer interface {
	Observe(class models.AssetClass, ret float64)
}

// Pair is the correlation of one unordered asset-class pair.
type Pair struct {
	A     models.AssetClass `json:"a"`
	B     models.AssetClass `json:"b"`
	Value float64           `json:"value"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s (%.2f)", p.A, p.B, p.Value)
}

// Pairs evaluates every distinct asset-class pair in a stable order.
func Pairs(p Provider) []Pair {
	classes := models.AssetClasses
	pairs := make([]Pair, 0, len(classes)*(len(classes)-1)/2)
	for i := 0; i < len(classes); i++ {
		for j := i + 1; j < len(classes); j++ {
			pairs = append(pairs, Pair{
				A:     classes[i],
				B:     classes[j],
				Value: Clamp(p.Correlation(classes[i], classes[j])),
			})
		}
	}
	return pairs
}

// Clamp restricts v to [0, 1]. Negative correlation is treated as no co-movement.
func Clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// PairKey returns the canonical "a:b" key for a pair, ordered as in models.AssetClasses.
func PairKey(a, b models.AssetClass) string {
	if classIndex(b) < classIndex(a) {
		a, b = b, a
	}
	return string(a) + ":" + string(b)
}

// ParsePairKey splits an "a:b" key into its asset classes.
func ParsePairKey(key string) (models.AssetClass, models.AssetClass, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(key)), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("pair key %q must look like class_a:class_b", key)
	}
	a, b := models.AssetClass(parts[0]), models.AssetClass(parts[1])
	if !a.Valid() || !b.Valid() {
		return "", "", fmt.Errorf("pair key %q has an unknown asset class", key)
	}
	return a, b, nil
}

func classIndex(c models.AssetClass) int {
	for i, x := range models.AssetClasses {
		if x == c {
			return i
		}
	}
	return len(models.AssetClasses)
}

// FromConfig builds the provider selected by cfg.Source. The static matrix from
// cfg.Static seeds the redis provider until its first refresh.
func FromConfig(cfg config.CorrelationConfig, logger zerolog.Logger) (Provider, error) {
	static, err := NewStaticMatrix(cfg.Static)
	if err != nil {
		return nil, err
	}

	switch cfg.Source {
	case config.CorrelationStatic, "":
		return static, nil
	case config.CorrelationEstimator:
		return NewEstimator(cfg.Window), nil
	case config.CorrelationRedis:
		client := NewRedisClient(cfg.RedisAddr)
		return NewRedisMatrix(client, cfg.RedisKey, static, logger), nil
	default:
		return nil, fmt.Errorf("unknown correlation source: %s", cfg.Source)
	}
}
