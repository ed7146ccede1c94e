package dummy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpserve/dpserve/internal/models"
)

func testMetadata() *models.Metadata {
	ageLo, ageHi := 0.0, 100.0
	incomeLo, incomeHi := 1000.0, 90000.0
	return &models.Metadata{
		DatasetName: "CENSUS",
		MaxIDs:      1,
		Rows:        500,
		Columns: []models.ColumnSpec{
			{Name: "age", Type: models.ColumnInt, Lower: &ageLo, Upper: &ageHi},
			{Name: "income", Type: models.ColumnFloat, Lower: &incomeLo, Upper: &incomeHi},
			{Name: "region", Type: models.ColumnString, Categories: []string{"north", "south", "east"}},
			{Name: "employed", Type: models.ColumnBoolean},
			{Name: "joined", Type: models.ColumnDatetime, LowerDate: "2010-01-01", UpperDate: "2020-01-01"},
		},
	}
}

func TestGenerateDeterministic(t *testing.T) {
	meta := testMetadata()

	a, err := Generate(meta, 200, 42)
	require.NoError(t, err)
	b, err := Generate(meta, 200, 42)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestGenerateSeedChangesFrame(t *testing.T) {
	meta := testMetadata()

	a, err := Generate(meta, 100, 1)
	require.NoError(t, err)
	b, err := Generate(meta, 100, 2)
	require.NoError(t, err)

	assert.NotEqual(t, a.Rows, b.Rows)
}

func TestGenerateShapeAndBounds(t *testing.T) {
	meta := testMetadata()

	frame, err := Generate(meta, 0, DefaultSeed)
	require.NoError(t, err)

	assert.Equal(t, []string{"age", "income", "region", "employed", "joined"}, frame.Columns)
	require.Len(t, frame.Rows, DefaultRows)

	categories := map[string]bool{"north": true, "south": true, "east": true}
	dateLo := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	dateHi := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, row := range frame.Rows {
		age := row[0].(int64)
		assert.GreaterOrEqual(t, age, int64(0))
		assert.LessOrEqual(t, age, int64(100))

		income := row[1].(float64)
		assert.GreaterOrEqual(t, income, 1000.0)
		assert.Less(t, income, 90000.0)

		assert.True(t, categories[row[2].(string)])

		_, ok := row[3].(bool)
		assert.True(t, ok)

		joined := row[4].(time.Time)
		assert.False(t, joined.Before(dateLo))
		assert.True(t, joined.Before(dateHi.Add(time.Second)))
	}
}

func TestGenerateRowLimit(t *testing.T) {
	_, err := Generate(testMetadata(), MaxRows+1, DefaultSeed)
	assert.Error(t, err)
}

func TestGenerateStringFallbackPool(t *testing.T) {
	meta := &models.Metadata{
		MaxIDs: 1,
		Columns: []models.ColumnSpec{
			{Name: "code", Type: models.ColumnString, Cardinality: 3},
		},
	}

	frame, err := Generate(meta, 50, 7)
	require.NoError(t, err)

	for _, row := range frame.Rows {
		assert.Contains(t, []string{"a", "b", "c"}, row[0].(string))
	}
}
