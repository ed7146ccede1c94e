// Package dummy generates deterministic synthetic datasets from metadata.
// The frame produced for a given (metadata, nb_rows, seed) triple is
// identical on every call, so clients can author queries offline against
// a reproducible stand-in without touching private rows or budgets.
package dummy

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

const (
	DefaultRows = 100
	DefaultSeed = 42

	// MaxRows bounds dummy generation on the public endpoint.
	MaxRows = 200_000

	defaultNumericalMin = -10000
	defaultNumericalMax = 10000

	// NullProbability applies to nullable columns.
	NullProbability = 0.0
)

var defaultDateLower = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
var defaultDateUpper = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

// randomStrings is the fallback category pool for string columns that
// declare a cardinality without listing categories.
var randomStrings = []string{
	"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z",
}

// Generate produces nbRows synthetic rows matching metadata, with column
// order and names taken verbatim from the metadata document.
func Generate(meta *models.Metadata, nbRows int, seed int64) (*connector.Frame, error) {
	if nbRows <= 0 {
		nbRows = DefaultRows
	}
	if nbRows > MaxRows {
		return nil, fmt.Errorf("dummy_nb_rows %d exceeds the maximum of %d", nbRows, MaxRows)
	}

	rng := rand.New(rand.NewSource(seed))

	frame := &connector.Frame{
		Columns: make([]string, 0, len(meta.Columns)),
		Rows:    make([][]any, nbRows),
	}
	for i := range frame.Rows {
		frame.Rows[i] = make([]any, len(meta.Columns))
	}

	for colIdx := range meta.Columns {
		spec := &meta.Columns[colIdx]
		frame.Columns = append(frame.Columns, spec.Name)

		values, err := generateColumn(rng, spec, nbRows)
		if err != nil {
			return nil, err
		}

		if spec.Nullable && NullProbability > 0 {
			for i := range values {
				if rng.Float64() < NullProbability {
					values[i] = nil
				}
			}
		}

		for i := range values {
			frame.Rows[i][colIdx] = values[i]
		}
	}

	return frame, nil
}

func generateColumn(rng *rand.Rand, spec *models.ColumnSpec, nbRows int) ([]any, error) {
	values := make([]any, nbRows)

	switch spec.Type {
	case models.ColumnInt:
		lower, upper := numericBounds(spec)
		lo, hi := int64(lower), int64(upper)
		for i := range values {
			// Inclusive upper bound for integers.
			values[i] = lo + rng.Int63n(hi-lo+1)
		}

	case models.ColumnFloat:
		lower, upper := numericBounds(spec)
		for i := range values {
			// Half-open upper bound for floats.
			values[i] = lower + rng.Float64()*(upper-lower)
		}

	case models.ColumnString:
		categories := spec.Categories
		if len(categories) == 0 {
			n := spec.Cardinality
			if n <= 0 || n > len(randomStrings) {
				n = len(randomStrings)
			}
			categories = randomStrings[:n]
		}
		for i := range values {
			values[i] = categories[rng.Intn(len(categories))]
		}

	case models.ColumnBoolean:
		for i := range values {
			values[i] = rng.Intn(2) == 1
		}

	case models.ColumnDatetime:
		lower, upper := dateBounds(spec)
		span := upper.Unix() - lower.Unix()
		if span <= 0 {
			span = 1
		}
		for i := range values {
			values[i] = time.Unix(lower.Unix()+rng.Int63n(span), 0).UTC()
		}

	default:
		return nil, fmt.Errorf("unknown column type %q in column %s", spec.Type, spec.Name)
	}

	return values, nil
}

func numericBounds(spec *models.ColumnSpec) (float64, float64) {
	lower, upper := float64(defaultNumericalMin), float64(defaultNumericalMax)
	if spec.Lower != nil {
		lower = *spec.Lower
	}
	if spec.Upper != nil {
		upper = *spec.Upper
	}
	return lower, upper
}

func dateBounds(spec *models.ColumnSpec) (time.Time, time.Time) {
	lower, upper := defaultDateLower, defaultDateUpper
	if spec.LowerDate != "" {
		if t, err := time.Parse("2006-01-02", spec.LowerDate); err == nil {
			lower = t
		}
	}
	if spec.UpperDate != "" {
		if t, err := time.Parse("2006-01-02", spec.UpperDate); err == nil {
			upper = t
		}
	}
	return lower, upper
}
