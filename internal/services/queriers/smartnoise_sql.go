package queriers

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

const libSmartnoiseSQL = string(models.LibrarySmartnoiseSQL)

// SQLPayload is the smartnoise_sql query shape. The query must select
// aggregates from the logical table `df`. The per-mechanism budget is the
// requested (epsilon, delta); mechanism assignment can push the measured
// total above it.
type SQLPayload struct {
	QueryStr    string            `json:"query_str"`
	Epsilon     float64           `json:"epsilon"`
	Delta       float64           `json:"delta"`
	Mechanisms  map[string]string `json:"mechanisms,omitempty"`
	Postprocess bool              `json:"postprocess"`
}

type sqlAggregate struct {
	fn     string // count, sum, avg
	column string // empty for COUNT(*)
	alias  string
}

type SmartnoiseSQLQuerier struct{}

func NewSmartnoiseSQLQuerier() *SmartnoiseSQLQuerier { return &SmartnoiseSQLQuerier{} }

func (q *SmartnoiseSQLQuerier) Library() models.LibraryTag { return models.LibrarySmartnoiseSQL }

var sqlQueryRe = regexp.MustCompile(`(?i)^\s*select\s+(.+?)\s+from\s+df\s*;?\s*$`)
var sqlAggRe = regexp.MustCompile(`(?i)^(count|sum|avg)\s*\(\s*(\*|[a-zA-Z_][a-zA-Z0-9_]*)\s*\)(?:\s+as\s+([a-zA-Z_][a-zA-Z0-9_]*))?$`)

func (q *SmartnoiseSQLQuerier) parse(meta *models.Metadata, payload json.RawMessage) (*SQLPayload, []sqlAggregate, error) {
	var p SQLPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, nil, err
	}
	if p.Epsilon <= 0 {
		return nil, nil, errs.InvalidQuery("epsilon must be > 0")
	}
	if p.Delta < 0 || p.Delta >= 1 {
		return nil, nil, errs.InvalidQuery("delta must be in [0, 1)")
	}

	m := sqlQueryRe.FindStringSubmatch(p.QueryStr)
	if m == nil {
		return nil, nil, errs.InvalidQuery("query must be of the form SELECT ... FROM df")
	}

	var aggs []sqlAggregate
	for _, part := range strings.Split(m[1], ",") {
		am := sqlAggRe.FindStringSubmatch(strings.TrimSpace(part))
		if am == nil {
			return nil, nil, errs.InvalidQuery("unsupported select expression %q", strings.TrimSpace(part))
		}
		agg := sqlAggregate{fn: strings.ToLower(am[1]), alias: am[3]}
		if am[2] != "*" {
			agg.column = am[2]
		} else if agg.fn != "count" {
			return nil, nil, errs.InvalidQuery("%s(*) is not a valid aggregate", agg.fn)
		}

		if agg.column != "" {
			spec := meta.Column(agg.column)
			if spec == nil {
				return nil, nil, errs.InvalidQuery("unknown column %q", agg.column)
			}
			if agg.fn != "count" && spec.Type != models.ColumnInt && spec.Type != models.ColumnFloat {
				return nil, nil, errs.InvalidQuery("%s requires a numeric column, %q is %s", agg.fn, agg.column, spec.Type)
			}
		}
		if agg.alias == "" {
			if agg.column == "" {
				agg.alias = agg.fn
			} else {
				agg.alias = agg.fn + "_" + agg.column
			}
		}
		aggs = append(aggs, agg)
	}
	if len(aggs) == 0 {
		return nil, nil, errs.InvalidQuery("query selects no aggregates")
	}
	return &p, aggs, nil
}

func (q *SmartnoiseSQLQuerier) Validate(meta *models.Metadata, payload json.RawMessage) error {
	_, _, err := q.parse(meta, payload)
	return err
}

// mechanisms returns the total mechanism count and how many of them are
// floating-point mechanisms. An AVG splits into a sum and a count.
func mechanisms(meta *models.Metadata, aggs []sqlAggregate) (total, float int) {
	for _, agg := range aggs {
		switch agg.fn {
		case "count":
			total++
		case "sum":
			total++
			if meta.Column(agg.column).Type == models.ColumnFloat {
				float++
			}
		case "avg":
			total += 2
			if meta.Column(agg.column).Type == models.ColumnFloat {
				float++
			}
		}
	}
	return total, float
}

// EstimateCost runs mechanism assignment for the query. Every mechanism
// consumes the full per-mechanism epsilon, so the measured epsilon is the
// requested value times the mechanism count; delta is only consumed by
// floating-point mechanisms.
func (q *SmartnoiseSQLQuerier) EstimateCost(meta *models.Metadata, payload json.RawMessage) (models.Cost, error) {
	p, aggs, err := q.parse(meta, payload)
	if err != nil {
		return models.Cost{}, err
	}
	total, float := mechanisms(meta, aggs)
	cost := models.Cost{
		Epsilon: p.Epsilon * float64(total),
	}
	if total > 0 {
		cost.Delta = p.Delta * float64(float) / float64(total)
	}
	return cost, nil
}

func (q *SmartnoiseSQLQuerier) Execute(ctx context.Context, conn connector.Connector, payload json.RawMessage) (json.RawMessage, error) {
	meta := conn.Metadata()
	p, aggs, err := q.parse(meta, payload)
	if err != nil {
		return nil, err
	}

	frame, err := conn.Tabular(ctx)
	if err != nil {
		return nil, errs.Internal(err)
	}

	columns := make([]string, 0, len(aggs))
	row := make([]any, 0, len(aggs))
	for _, agg := range aggs {
		value, err := q.aggregate(frame, meta, agg, p)
		if err != nil {
			return nil, err
		}
		columns = append(columns, agg.alias)
		row = append(row, value)
	}

	result := connector.Frame{Columns: columns, Rows: [][]any{row}}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func (q *SmartnoiseSQLQuerier) aggregate(frame *connector.Frame, meta *models.Metadata, agg sqlAggregate, p *SQLPayload) (float64, error) {
	maxIDs := float64(meta.MaxIDs)

	noisyCount := func() float64 {
		count := float64(frame.NumRows()) + laplace(maxIDs/p.Epsilon)
		if p.Postprocess {
			count = math.Max(0, math.Round(count))
		}
		return count
	}

	noisySum := func(column string) (float64, error) {
		values, err := frame.FloatColumn(column)
		if err != nil {
			return 0, errs.ExternalLib(libSmartnoiseSQL, "%v", err)
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		spec := meta.Column(column)
		sensitivity := maxIDs
		if spec.Lower != nil && spec.Upper != nil {
			sensitivity = maxIDs * math.Max(math.Abs(*spec.Lower), math.Abs(*spec.Upper))
		}

		mech := p.Mechanisms[spec.Type]
		if mech == "gaussian" && spec.Type == models.ColumnFloat {
			return sum + gaussian(gaussianSigma(sensitivity, p.Epsilon, p.Delta)), nil
		}
		return sum + laplace(sensitivity/p.Epsilon), nil
	}

	switch agg.fn {
	case "count":
		return noisyCount(), nil
	case "sum":
		return noisySum(agg.column)
	case "avg":
		sum, err := noisySum(agg.column)
		if err != nil {
			return 0, err
		}
		count := noisyCount()
		if count == 0 {
			return 0, errs.ExternalLib(libSmartnoiseSQL, "noisy count is zero, cannot compute average")
		}
		return sum / count, nil
	default:
		return 0, errs.InvalidQuery("unsupported aggregate %q", agg.fn)
	}
}
