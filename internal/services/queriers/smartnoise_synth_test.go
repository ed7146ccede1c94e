package queriers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/connector"
)

func synthPayload(t *testing.T, p SynthPayload) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestSynthEstimateCostIsDeclared(t *testing.T) {
	q := NewSmartnoiseSynthQuerier()
	meta := sqlTestMetadata()

	cost, err := q.EstimateCost(meta, synthPayload(t, SynthPayload{
		SynthName: "mst", Epsilon: 2.5, Delta: 1e-5,
	}))
	require.NoError(t, err)
	assert.Equal(t, models.Cost{Epsilon: 2.5, Delta: 1e-5}, cost)
}

func TestSynthValidate(t *testing.T) {
	q := NewSmartnoiseSynthQuerier()
	meta := sqlTestMetadata()

	tests := []struct {
		name    string
		payload SynthPayload
	}{
		{"unknown synthesizer", SynthPayload{SynthName: "gan9000", Epsilon: 1}},
		{"zero epsilon", SynthPayload{SynthName: "mst"}},
		{"unknown column", SynthPayload{SynthName: "mst", Epsilon: 1, SelectCols: []string{"height"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Validate(meta, synthPayload(t, tt.payload))
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalidQuery, errs.KindOf(err))
		})
	}
}

func TestSynthExecuteShape(t *testing.T) {
	q := NewSmartnoiseSynthQuerier()
	meta := sqlTestMetadata()

	frame := &connector.Frame{
		Columns: []string{"age", "income", "region"},
		Rows:    make([][]any, 60),
	}
	for i := range frame.Rows {
		region := "north"
		if i%3 == 0 {
			region = "south"
		}
		frame.Rows[i] = []any{int64(20 + i%40), float64(500 * (i%8 + 1)), region}
	}
	conn := connector.NewMemoryConnector("CENSUS", meta, frame)

	payload := synthPayload(t, SynthPayload{
		SynthName:  "dpctgan",
		Epsilon:    10,
		SelectCols: []string{"age", "region"},
		NbSamples:  25,
	})

	raw, err := q.Execute(context.Background(), conn, payload)
	require.NoError(t, err)

	var synth connector.Frame
	require.NoError(t, json.Unmarshal(raw, &synth))
	assert.Equal(t, []string{"age", "region"}, synth.Columns)
	require.Len(t, synth.Rows, 25)

	for _, row := range synth.Rows {
		age := row[0].(float64)
		assert.GreaterOrEqual(t, age, 0.0)
		assert.LessOrEqual(t, age, 100.0)
		assert.Contains(t, []string{"north", "south"}, row[1].(string))
	}
}
