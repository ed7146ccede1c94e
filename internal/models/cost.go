package models

// Cost is an (epsilon, delta) privacy budget pair. Budgets compose
// additively: the spent cost of a sequence of queries is the coordinate-wise
// sum of their individual costs.
type Cost struct {
	Epsilon float64 `json:"epsilon" bson:"epsilon" yaml:"epsilon"`
	Delta   float64 `json:"delta" bson:"delta" yaml:"delta"`
}

func (c Cost) Add(other Cost) Cost {
	return Cost{Epsilon: c.Epsilon + other.Epsilon, Delta: c.Delta + other.Delta}
}

func (c Cost) Sub(other Cost) Cost {
	return Cost{Epsilon: c.Epsilon - other.Epsilon, Delta: c.Delta - other.Delta}
}

// Exceeds reports whether either coordinate of c is strictly greater than
// the corresponding coordinate of limit.
func (c Cost) Exceeds(limit Cost) bool {
	return c.Epsilon > limit.Epsilon || c.Delta > limit.Delta
}

func (c Cost) IsZero() bool {
	return c.Epsilon == 0 && c.Delta == 0
}
