package queriers

import (
	"context"
	"encoding/json"
	"math"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

const libOpenDP = string(models.LibraryOpenDP)

// Privacy divergences an opendp measurement can report.
const (
	divMaxDivergence              = "max_divergence"
	divSmoothedMaxDivergence      = "smoothed_max_divergence"
	divFixedSmoothedMaxDivergence = "fixed_smoothed_max_divergence"
	divZeroConcentrated           = "zero_concentrated_divergence"
)

// OpenDPPayload carries an opaque serialized pipeline built by the client.
// fixed_delta is required exactly when the pipeline's privacy relation is
// zCDP-shaped, to fix the delta of the approx-DP conversion.
type OpenDPPayload struct {
	OpendpJSON json.RawMessage `json:"opendp_json"`
	FixedDelta *float64        `json:"fixed_delta,omitempty"`
}

// openDPPipeline is the deserialized pipeline. The engine never sees this
// shape; only the worker deserializes it.
type openDPPipeline struct {
	Type       string      `json:"type"` // "measurement" or "transformation"
	Function   string      `json:"function"`
	Column     string      `json:"column,omitempty"`
	Mechanism  string      `json:"mechanism"`
	Divergence string      `json:"divergence"`
	Epsilon    float64     `json:"epsilon,omitempty"`
	Delta      float64     `json:"delta,omitempty"`
	Rho        float64     `json:"rho,omitempty"`
	Bounds     *[2]float64 `json:"bounds,omitempty"`
}

type OpenDPQuerier struct {
	cfg config.OpenDPConfig
}

func NewOpenDPQuerier(cfg config.OpenDPConfig) *OpenDPQuerier {
	return &OpenDPQuerier{cfg: cfg}
}

func (q *OpenDPQuerier) Library() models.LibraryTag { return models.LibraryOpenDP }

func (q *OpenDPQuerier) parse(payload json.RawMessage) (*OpenDPPayload, *openDPPipeline, error) {
	var p OpenDPPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, nil, err
	}
	if len(p.OpendpJSON) == 0 {
		return nil, nil, errs.InvalidQuery("opendp_json is required")
	}

	var pipe openDPPipeline
	if err := json.Unmarshal(p.OpendpJSON, &pipe); err != nil {
		return nil, nil, errs.ExternalLib(libOpenDP, "could not deserialize pipeline: %v", err)
	}
	return &p, &pipe, nil
}

func (q *OpenDPQuerier) Validate(meta *models.Metadata, payload json.RawMessage) error {
	_, pipe, err := q.parse(payload)
	if err != nil {
		return err
	}

	if !q.cfg.Contrib {
		return errs.ExternalLib(libOpenDP, "contrib features are disabled on this server")
	}
	if pipe.Mechanism == "gaussian" && !q.cfg.FloatingPoint {
		return errs.ExternalLib(libOpenDP, "floating-point features are disabled on this server")
	}
	if pipe.Column != "" && meta.Column(pipe.Column) == nil {
		return errs.InvalidQuery("unknown column %q", pipe.Column)
	}
	return nil
}

// EstimateCost maps the pipeline's privacy relation to an (epsilon, delta)
// pair. A transformation has no privacy relation and is refused; a
// zCDP-shaped relation composes to approx-DP with the supplied fixed_delta.
func (q *OpenDPQuerier) EstimateCost(_ *models.Metadata, payload json.RawMessage) (models.Cost, error) {
	p, pipe, err := q.parse(payload)
	if err != nil {
		return models.Cost{}, err
	}

	if pipe.Type != "measurement" {
		return models.Cost{}, errs.ExternalLib(libOpenDP,
			"the pipeline provided is not a measurement; it cannot be processed in this server")
	}

	switch pipe.Divergence {
	case divMaxDivergence:
		if p.FixedDelta != nil {
			return models.Cost{}, errs.InvalidQuery("fixed_delta must not be set for a pure-DP pipeline")
		}
		return models.Cost{Epsilon: pipe.Epsilon}, nil

	case divSmoothedMaxDivergence, divFixedSmoothedMaxDivergence:
		if p.FixedDelta != nil {
			return models.Cost{}, errs.InvalidQuery("fixed_delta must not be set for an approx-DP pipeline")
		}
		return models.Cost{Epsilon: pipe.Epsilon, Delta: pipe.Delta}, nil

	case divZeroConcentrated:
		if p.FixedDelta == nil {
			return models.Cost{}, errs.InvalidQuery(
				"fixed_delta must be set for zCDP-shaped pipelines")
		}
		delta := *p.FixedDelta
		if delta <= 0 || delta >= 1 {
			return models.Cost{}, errs.InvalidQuery("fixed_delta must be in (0, 1)")
		}
		// Standard zCDP to approx-DP conversion.
		epsilon := pipe.Rho + 2*math.Sqrt(pipe.Rho*math.Log(1/delta))
		return models.Cost{Epsilon: epsilon, Delta: delta}, nil

	default:
		return models.Cost{}, errs.ExternalLib(libOpenDP,
			"unknown divergence %q in privacy relation", pipe.Divergence)
	}
}

func (q *OpenDPQuerier) Execute(ctx context.Context, conn connector.Connector, payload json.RawMessage) (json.RawMessage, error) {
	_, pipe, err := q.parse(payload)
	if err != nil {
		return nil, err
	}
	if pipe.Type != "measurement" {
		return nil, errs.ExternalLib(libOpenDP,
			"the pipeline provided is not a measurement; it cannot be processed in this server")
	}

	frame, err := conn.Tabular(ctx)
	if err != nil {
		return nil, errs.Internal(err)
	}

	value, err := q.evaluate(frame, conn.Metadata(), pipe)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]float64{"value": value})
	if err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func (q *OpenDPQuerier) evaluate(frame *connector.Frame, meta *models.Metadata, pipe *openDPPipeline) (float64, error) {
	epsilon := pipe.Epsilon
	if epsilon <= 0 {
		// zCDP pipelines carry rho; fall back to a rho-equivalent scale.
		epsilon = math.Max(pipe.Rho, 1e-6)
	}

	addNoise := func(value, sensitivity float64) float64 {
		if pipe.Mechanism == "gaussian" {
			delta := pipe.Delta
			if delta <= 0 {
				delta = 1e-5
			}
			return value + gaussian(gaussianSigma(sensitivity, epsilon, delta))
		}
		return value + laplace(sensitivity/epsilon)
	}

	maxIDs := float64(meta.MaxIDs)

	switch pipe.Function {
	case "count":
		return addNoise(float64(frame.NumRows()), maxIDs), nil

	case "sum", "mean":
		values, err := frame.FloatColumn(pipe.Column)
		if err != nil {
			return 0, errs.ExternalLib(libOpenDP, "%v", err)
		}
		lower, upper := q.bounds(pipe, meta)
		var sum float64
		for _, v := range values {
			sum += math.Min(math.Max(v, lower), upper)
		}
		sensitivity := maxIDs * math.Max(math.Abs(lower), math.Abs(upper))
		if pipe.Function == "sum" {
			return addNoise(sum, sensitivity), nil
		}
		if len(values) == 0 {
			return 0, errs.ExternalLib(libOpenDP, "column %q has no rows", pipe.Column)
		}
		return addNoise(sum/float64(len(values)), sensitivity/float64(len(values))), nil

	default:
		return 0, errs.ExternalLib(libOpenDP, "unsupported measurement function %q", pipe.Function)
	}
}

func (q *OpenDPQuerier) bounds(pipe *openDPPipeline, meta *models.Metadata) (float64, float64) {
	if pipe.Bounds != nil {
		return pipe.Bounds[0], pipe.Bounds[1]
	}
	if spec := meta.Column(pipe.Column); spec != nil && spec.Lower != nil && spec.Upper != nil {
		return *spec.Lower, *spec.Upper
	}
	return -10000, 10000
}
