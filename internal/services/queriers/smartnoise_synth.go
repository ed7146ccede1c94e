package queriers

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

const libSmartnoiseSynth = string(models.LibrarySmartnoiseSynth)

// Recognized synthesizer tags.
var synthNames = map[string]bool{
	"dpctgan":   true,
	"patectgan": true,
	"dpgan":     true,
	"mwem":      true,
	"mst":       true,
	"aim":       true,
	"pacsynth":  true,
}

// SynthPayload requests a synthetic dataset. The privacy cost is declared
// up-front by the payload; the synthesizer is trusted to respect it.
type SynthPayload struct {
	SynthName   string            `json:"synth_name"`
	Epsilon     float64           `json:"epsilon"`
	Delta       float64           `json:"delta"`
	SelectCols  []string          `json:"select_cols,omitempty"`
	NbSamples   int               `json:"nb_samples,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

type SmartnoiseSynthQuerier struct{}

func NewSmartnoiseSynthQuerier() *SmartnoiseSynthQuerier { return &SmartnoiseSynthQuerier{} }

func (q *SmartnoiseSynthQuerier) Library() models.LibraryTag { return models.LibrarySmartnoiseSynth }

func (q *SmartnoiseSynthQuerier) parse(meta *models.Metadata, payload json.RawMessage) (*SynthPayload, error) {
	var p SynthPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if !synthNames[p.SynthName] {
		return nil, errs.InvalidQuery("unknown synthesizer %q", p.SynthName)
	}
	if p.Epsilon <= 0 {
		return nil, errs.InvalidQuery("epsilon must be > 0")
	}
	if p.Delta < 0 || p.Delta >= 1 {
		return nil, errs.InvalidQuery("delta must be in [0, 1)")
	}
	for _, col := range p.SelectCols {
		spec := meta.Column(col)
		if spec == nil {
			return nil, errs.InvalidQuery("unknown column %q in select_cols", col)
		}
		if spec.Type == models.ColumnDatetime {
			return nil, errs.InvalidQuery("synthesizer %q does not support datetime column %q", p.SynthName, col)
		}
	}
	return &p, nil
}

func (q *SmartnoiseSynthQuerier) Validate(meta *models.Metadata, payload json.RawMessage) error {
	_, err := q.parse(meta, payload)
	return err
}

func (q *SmartnoiseSynthQuerier) EstimateCost(meta *models.Metadata, payload json.RawMessage) (models.Cost, error) {
	p, err := q.parse(meta, payload)
	if err != nil {
		return models.Cost{}, err
	}
	return models.Cost{Epsilon: p.Epsilon, Delta: p.Delta}, nil
}

// Execute fits noisy per-column marginals on the private view and samples
// a synthetic frame from them. Columns are fit independently; the payload
// epsilon is split evenly across the selected columns.
func (q *SmartnoiseSynthQuerier) Execute(ctx context.Context, conn connector.Connector, payload json.RawMessage) (json.RawMessage, error) {
	meta := conn.Metadata()
	p, err := q.parse(meta, payload)
	if err != nil {
		return nil, err
	}

	frame, err := conn.Tabular(ctx)
	if err != nil {
		return nil, errs.Internal(err)
	}

	columns := p.SelectCols
	if len(columns) == 0 {
		for _, spec := range meta.Columns {
			if spec.Type != models.ColumnDatetime {
				columns = append(columns, spec.Name)
			}
		}
	}
	if len(columns) == 0 {
		return nil, errs.ExternalLib(libSmartnoiseSynth, "no synthesizable columns in dataset")
	}

	nbSamples := p.NbSamples
	if nbSamples <= 0 {
		nbSamples = frame.NumRows()
	}

	epsPerCol := p.Epsilon / float64(len(columns))

	synth := &connector.Frame{Columns: columns, Rows: make([][]any, nbSamples)}
	for i := range synth.Rows {
		synth.Rows[i] = make([]any, len(columns))
	}

	for colIdx, name := range columns {
		spec := meta.Column(name)
		values, err := q.sampleColumn(frame, spec, epsPerCol, nbSamples)
		if err != nil {
			return nil, err
		}
		for i := range values {
			synth.Rows[i][colIdx] = values[i]
		}
	}

	out, err := json.Marshal(synth)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func (q *SmartnoiseSynthQuerier) sampleColumn(frame *connector.Frame, spec *models.ColumnSpec, epsilon float64, nbSamples int) ([]any, error) {
	switch spec.Type {
	case models.ColumnInt, models.ColumnFloat:
		values, err := frame.FloatColumn(spec.Name)
		if err != nil {
			return nil, errs.ExternalLib(libSmartnoiseSynth, "%v", err)
		}
		lower, upper := numericBoundsOf(spec)
		mean, std := noisyMoments(values, lower, upper, epsilon)

		out := make([]any, nbSamples)
		for i := range out {
			v := mean + gaussian(1)*std
			v = math.Min(math.Max(v, lower), upper)
			if spec.Type == models.ColumnInt {
				out[i] = int64(math.Round(v))
			} else {
				out[i] = v
			}
		}
		return out, nil

	case models.ColumnString, models.ColumnBoolean:
		return q.sampleCategorical(frame, spec, epsilon, nbSamples)

	default:
		return nil, errs.InvalidQuery("cannot synthesize column %q of type %s", spec.Name, spec.Type)
	}
}

func (q *SmartnoiseSynthQuerier) sampleCategorical(frame *connector.Frame, spec *models.ColumnSpec, epsilon float64, nbSamples int) ([]any, error) {
	raw, err := frame.Column(spec.Name)
	if err != nil {
		return nil, errs.ExternalLib(libSmartnoiseSynth, "%v", err)
	}

	// Noisy histogram over the observed categories.
	hist := make(map[string]float64)
	for _, v := range raw {
		switch x := v.(type) {
		case string:
			hist[x]++
		case bool:
			if x {
				hist["true"]++
			} else {
				hist["false"]++
			}
		}
	}

	categories := make([]string, 0, len(hist))
	for c := range hist {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	weights := make([]float64, len(categories))
	var totalWeight float64
	for i, c := range categories {
		w := math.Max(0, hist[c]+laplace(1/epsilon))
		weights[i] = w
		totalWeight += w
	}
	if totalWeight == 0 {
		return nil, errs.ExternalLib(libSmartnoiseSynth, "noisy histogram for %q collapsed to zero", spec.Name)
	}

	out := make([]any, nbSamples)
	for i := range out {
		target := uniform() * totalWeight
		var acc float64
		choice := categories[len(categories)-1]
		for j, w := range weights {
			acc += w
			if target < acc {
				choice = categories[j]
				break
			}
		}
		if spec.Type == models.ColumnBoolean {
			out[i] = choice == "true"
		} else {
			out[i] = choice
		}
	}
	return out, nil
}

func noisyMoments(values []float64, lower, upper, epsilon float64) (mean, std float64) {
	if len(values) == 0 {
		return (lower + upper) / 2, (upper - lower) / 4
	}
	var sum, sumSq float64
	for _, v := range values {
		v = math.Min(math.Max(v, lower), upper)
		sum += v
		sumSq += v * v
	}
	n := float64(len(values))
	span := upper - lower
	mean = sum/n + laplace(span/(epsilon*n))
	variance := sumSq/n - mean*mean + laplace(span*span/(epsilon*n))
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func numericBoundsOf(spec *models.ColumnSpec) (float64, float64) {
	lower, upper := -10000.0, 10000.0
	if spec.Lower != nil {
		lower = *spec.Lower
	}
	if spec.Upper != nil {
		upper = *spec.Upper
	}
	return lower, upper
}
