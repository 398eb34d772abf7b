package correlation

import (
	"sync"

	"trade-guardrails/internal/models"
)

// StaticMatrix is a fixed correlation table keyed by asset-class pair.
// Pairs missing from the table are uncorrelated.
type StaticMatrix struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewStaticMatrix builds a matrix from "a:b" keyed values. Either key order is accepted.
func NewStaticMatrix(values map[string]float64) (*StaticMatrix, error) {
	m := &StaticMatrix{values: make(map[string]float64, len(values))}
	for key, v := range values {
		a, b, err := ParsePairKey(key)
		if err != nil {
			return nil, err
		}
		m.values[PairKey(a, b)] = Clamp(v)
	}
	return m, nil
}

// Correlation implements Provider.
func (m *StaticMatrix) Correlation(a, b models.AssetClass) float64 {
	if a == b {
		return 1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[PairKey(a, b)]
}

// Set replaces the value of one pair.
func (m *StaticMatrix) Set(a, b models.AssetClass, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[PairKey(a, b)] = Clamp(v)
}

// replace swaps in a whole table.
func (m *StaticMatrix) replace(values map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = values
}
