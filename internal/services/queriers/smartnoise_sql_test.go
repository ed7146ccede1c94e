package queriers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

func sqlTestMetadata() *models.Metadata {
	ageLo, ageHi := 0.0, 100.0
	incomeLo, incomeHi := 0.0, 100000.0
	return &models.Metadata{
		DatasetName: "CENSUS",
		MaxIDs:      1,
		Columns: []models.ColumnSpec{
			{Name: "age", Type: models.ColumnInt, Lower: &ageLo, Upper: &ageHi},
			{Name: "income", Type: models.ColumnFloat, Lower: &incomeLo, Upper: &incomeHi},
			{Name: "region", Type: models.ColumnString, Categories: []string{"north", "south"}},
		},
	}
}

func sqlPayload(query string, epsilon, delta float64) json.RawMessage {
	p := SQLPayload{QueryStr: query, Epsilon: epsilon, Delta: delta, Postprocess: true}
	raw, _ := json.Marshal(p)
	return raw
}

func TestSQLEstimateCostMechanismAssignment(t *testing.T) {
	q := NewSmartnoiseSQLQuerier()
	meta := sqlTestMetadata()

	tests := []struct {
		name        string
		query       string
		epsilon     float64
		delta       float64
		wantEpsilon float64
		wantDelta   float64
	}{
		{
			// AVG over a float column splits into a sum and a count; only
			// the sum is a floating-point mechanism.
			name:        "avg over float column",
			query:       "SELECT AVG(income) AS avg_income FROM df",
			epsilon:     0.5,
			delta:       1e-4,
			wantEpsilon: 1.0,
			wantDelta:   5e-5,
		},
		{
			name:        "count star",
			query:       "SELECT COUNT(*) AS n FROM df",
			epsilon:     0.3,
			delta:       1e-4,
			wantEpsilon: 0.3,
			wantDelta:   0,
		},
		{
			name:        "sum over int column",
			query:       "SELECT SUM(age) AS total FROM df",
			epsilon:     0.2,
			delta:       1e-4,
			wantEpsilon: 0.2,
			wantDelta:   0,
		},
		{
			name:        "sum over float column",
			query:       "SELECT SUM(income) FROM df",
			epsilon:     0.2,
			delta:       1e-4,
			wantEpsilon: 0.2,
			wantDelta:   1e-4,
		},
		{
			name:        "count plus avg",
			query:       "SELECT COUNT(*) AS n, AVG(income) AS m FROM df",
			epsilon:     0.1,
			delta:       3e-4,
			wantEpsilon: 0.3,
			wantDelta:   1e-4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := q.EstimateCost(meta, sqlPayload(tt.query, tt.epsilon, tt.delta))
			require.NoError(t, err)
			assert.InDelta(t, tt.wantEpsilon, cost.Epsilon, 1e-12)
			assert.InDelta(t, tt.wantDelta, cost.Delta, 1e-12)
		})
	}
}

func TestSQLValidateRejections(t *testing.T) {
	q := NewSmartnoiseSQLQuerier()
	meta := sqlTestMetadata()

	tests := []struct {
		name  string
		query string
	}{
		{"not a select from df", "DELETE FROM df"},
		{"unknown column", "SELECT SUM(height) FROM df"},
		{"sum star", "SELECT SUM(*) FROM df"},
		{"sum over string column", "SELECT SUM(region) FROM df"},
		{"unsupported expression", "SELECT MAX(age) FROM df"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Validate(meta, sqlPayload(tt.query, 0.5, 1e-4))
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalidQuery, errs.KindOf(err))
		})
	}

	t.Run("nonpositive epsilon", func(t *testing.T) {
		err := q.Validate(meta, sqlPayload("SELECT COUNT(*) FROM df", 0, 1e-4))
		assert.Equal(t, errs.KindInvalidQuery, errs.KindOf(err))
	})
}

func TestSQLExecute(t *testing.T) {
	q := NewSmartnoiseSQLQuerier()
	meta := sqlTestMetadata()

	frame := &connector.Frame{
		Columns: []string{"age", "income", "region"},
		Rows:    make([][]any, 100),
	}
	for i := range frame.Rows {
		frame.Rows[i] = []any{int64(30 + i%20), float64(1000 * (i%10 + 1)), "north"}
	}
	conn := connector.NewMemoryConnector("CENSUS", meta, frame)

	// With a huge epsilon the noise is negligible, so the released values
	// sit next to the true aggregates.
	payload := sqlPayload("SELECT COUNT(*) AS n, AVG(age) AS mean_age FROM df", 1e6, 1e-4)
	raw, err := q.Execute(context.Background(), conn, payload)
	require.NoError(t, err)

	var result connector.Frame
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, []string{"n", "mean_age"}, result.Columns)
	require.Len(t, result.Rows, 1)

	n := result.Rows[0][0].(float64)
	meanAge := result.Rows[0][1].(float64)
	assert.InDelta(t, 100, n, 1)
	assert.InDelta(t, 39.5, meanAge, 1)
}

func TestSQLAliasDefaults(t *testing.T) {
	q := NewSmartnoiseSQLQuerier()
	meta := sqlTestMetadata()

	_, aggs, err := q.parse(meta, sqlPayload("SELECT count(*), sum(age) FROM df", 0.1, 0))
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, "count", aggs[0].alias)
	assert.Equal(t, "sum_age", aggs[1].alias)
}

func ExampleSmartnoiseSQLQuerier_EstimateCost() {
	q := NewSmartnoiseSQLQuerier()
	meta := sqlTestMetadata()
	cost, _ := q.EstimateCost(meta, sqlPayload("SELECT AVG(income) FROM df", 0.5, 1e-4))
	fmt.Printf("epsilon=%g delta=%g\n", cost.Epsilon, cost.Delta)
	// Output: epsilon=1 delta=5e-05
}
