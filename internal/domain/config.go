package domain

// SearchPolicy holds the ranking and classification constants of the search engine.
type SearchPolicy struct {
	DefaultK       int
	MaxK           int
	AdmissionFloor float64
	HighThreshold  float64
}

// DefaultSearchPolicy returns the thresholds the engine ships with.
func DefaultSearchPolicy() SearchPolicy {
	return SearchPolicy{
		DefaultK:       20,
		MaxK:           100,
		AdmissionFloor: 0.3,
		HighThreshold:  0.75,
	}
}

// ClampK applies the default and the upper bound to a requested result count.
func (p SearchPolicy) ClampK(k int) int {
	if k <= 0 {
		k = p.DefaultK
	}
	if p.MaxK > 0 && k > p.MaxK {
		k = p.MaxK
	}
	return k
}
