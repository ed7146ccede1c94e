package queriers

import (
	"context"
	"encoding/json"
	"math"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

const libDiffPrivLib = string(models.LibraryDiffPrivLib)

// DiffPrivLibStep is one classical-DP estimator in a pipeline.
type DiffPrivLibStep struct {
	Model   string      `json:"model"` // count, sum, mean, std, var
	Column  string      `json:"column,omitempty"`
	Epsilon float64     `json:"epsilon"`
	Bounds  *[2]float64 `json:"bounds,omitempty"`
}

// DiffPrivLibPayload is a pipeline of classical estimators whose total
// cost is declared up-front as the sum of the step epsilons.
type DiffPrivLibPayload struct {
	Pipeline []DiffPrivLibStep `json:"pipeline"`
}

var diffprivlibModels = map[string]bool{
	"count": true,
	"sum":   true,
	"mean":  true,
	"std":   true,
	"var":   true,
}

type DiffPrivLibQuerier struct{}

func NewDiffPrivLibQuerier() *DiffPrivLibQuerier { return &DiffPrivLibQuerier{} }

func (q *DiffPrivLibQuerier) Library() models.LibraryTag { return models.LibraryDiffPrivLib }

func (q *DiffPrivLibQuerier) parse(meta *models.Metadata, payload json.RawMessage) (*DiffPrivLibPayload, error) {
	var p DiffPrivLibPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if len(p.Pipeline) == 0 {
		return nil, errs.InvalidQuery("pipeline must contain at least one estimator")
	}
	for _, step := range p.Pipeline {
		if !diffprivlibModels[step.Model] {
			return nil, errs.InvalidQuery("unknown estimator %q", step.Model)
		}
		if step.Epsilon <= 0 {
			return nil, errs.InvalidQuery("estimator %q: epsilon must be > 0", step.Model)
		}
		if step.Model != "count" {
			spec := meta.Column(step.Column)
			if spec == nil {
				return nil, errs.InvalidQuery("unknown column %q", step.Column)
			}
			if spec.Type != models.ColumnInt && spec.Type != models.ColumnFloat {
				return nil, errs.InvalidQuery("estimator %q requires a numeric column, %q is %s",
					step.Model, step.Column, spec.Type)
			}
		}
	}
	return &p, nil
}

func (q *DiffPrivLibQuerier) Validate(meta *models.Metadata, payload json.RawMessage) error {
	_, err := q.parse(meta, payload)
	return err
}

func (q *DiffPrivLibQuerier) EstimateCost(meta *models.Metadata, payload json.RawMessage) (models.Cost, error) {
	p, err := q.parse(meta, payload)
	if err != nil {
		return models.Cost{}, err
	}
	var cost models.Cost
	for _, step := range p.Pipeline {
		cost.Epsilon += step.Epsilon
	}
	return cost, nil
}

func (q *DiffPrivLibQuerier) Execute(ctx context.Context, conn connector.Connector, payload json.RawMessage) (json.RawMessage, error) {
	meta := conn.Metadata()
	p, err := q.parse(meta, payload)
	if err != nil {
		return nil, err
	}

	frame, err := conn.Tabular(ctx)
	if err != nil {
		return nil, errs.Internal(err)
	}

	type stepResult struct {
		Model  string  `json:"model"`
		Column string  `json:"column,omitempty"`
		Value  float64 `json:"value"`
	}

	results := make([]stepResult, 0, len(p.Pipeline))
	for _, step := range p.Pipeline {
		value, err := q.estimate(frame, meta, step)
		if err != nil {
			return nil, err
		}
		results = append(results, stepResult{Model: step.Model, Column: step.Column, Value: value})
	}

	out, err := json.Marshal(results)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func (q *DiffPrivLibQuerier) estimate(frame *connector.Frame, meta *models.Metadata, step DiffPrivLibStep) (float64, error) {
	if step.Model == "count" {
		return float64(frame.NumRows()) + laplace(float64(meta.MaxIDs)/step.Epsilon), nil
	}

	values, err := frame.FloatColumn(step.Column)
	if err != nil {
		return 0, errs.ExternalLib(libDiffPrivLib, "%v", err)
	}
	if len(values) == 0 {
		return 0, errs.ExternalLib(libDiffPrivLib, "column %q has no rows", step.Column)
	}

	lower, upper := q.bounds(step, meta)
	n := float64(len(values))
	span := upper - lower

	var sum, sumSq float64
	for _, v := range values {
		v = math.Min(math.Max(v, lower), upper)
		sum += v
		sumSq += v * v
	}

	switch step.Model {
	case "sum":
		sensitivity := math.Max(math.Abs(lower), math.Abs(upper)) * float64(meta.MaxIDs)
		return sum + laplace(sensitivity/step.Epsilon), nil
	case "mean":
		return sum/n + laplace(span/(step.Epsilon*n)), nil
	case "var", "std":
		mean := sum / n
		variance := sumSq/n - mean*mean + laplace(span*span/(step.Epsilon*n))
		if variance < 0 {
			variance = 0
		}
		if step.Model == "var" {
			return variance, nil
		}
		return math.Sqrt(variance), nil
	default:
		return 0, errs.InvalidQuery("unknown estimator %q", step.Model)
	}
}

func (q *DiffPrivLibQuerier) bounds(step DiffPrivLibStep, meta *models.Metadata) (float64, float64) {
	if step.Bounds != nil {
		return step.Bounds[0], step.Bounds[1]
	}
	if spec := meta.Column(step.Column); spec != nil && spec.Lower != nil && spec.Upper != nil {
		return *spec.Lower, *spec.Upper
	}
	return -10000, 10000
}
