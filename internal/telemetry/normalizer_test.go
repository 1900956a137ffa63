package telemetry

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numericDef(scale, offset float64, precision int) *models.DatapointDefinition {
	return &models.DatapointDefinition{
		Name:        "power_kw",
		DataType:    models.DataTypeNumber,
		ScaleFactor: &scale,
		Offset:      offset,
		Precision:   &precision,
	}
}

func TestNormalize_NumericFormula(t *testing.T) {
	tests := []struct {
		name     string
		raw      interface{}
		def      *models.DatapointDefinition
		expected float64
	}{
		{"scale and offset", 1234.0, numericDef(0.001, 0, 3), 1.234},
		{"offset only", 20.0, numericDef(1, -273.15, 2), -253.15},
		{"rounds half away from zero", 2.5, numericDef(1, 0, 0), 3},
		{"rounds negative half away from zero", -2.5, numericDef(1, 0, 0), -3},
		{"numeric string", "12.345", numericDef(2, 0, 1), 24.7},
		{"integer string", "7", numericDef(10, 1, 2), 71},
		{"json number", json.Number("3.14159"), numericDef(1, 0, 2), 3.14},
		{"boolean as one", true, numericDef(5, 0, 2), 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Normalize(tt.raw, tt.def)
			require.NoError(t, err)

			num, ok := v.Numeric()
			require.True(t, ok)
			assert.InDelta(t, tt.expected, num, 1e-9)
		})
	}
}

func TestNormalize_MatchesFormulaForRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		raw := (rng.Float64() - 0.5) * 1e6
		scale := rng.Float64() * 10
		offset := (rng.Float64() - 0.5) * 100
		precision := rng.Intn(5)

		v, err := Normalize(raw, numericDef(scale, offset, precision))
		require.NoError(t, err)

		pow := math.Pow(10, float64(precision))
		expected := math.Round((float64(raw*scale)+offset)*pow) / pow
		assert.Equal(t, expected, v.Num)
	}
}

func TestNormalize_Defaults(t *testing.T) {
	def := &models.DatapointDefinition{Name: "temp", DataType: models.DataTypeNumber}

	v, err := Normalize(21.456, def)
	require.NoError(t, err)
	assert.Equal(t, 21.46, v.Num)
}

func TestNormalize_IntegerDatapoint(t *testing.T) {
	precision := 0
	def := &models.DatapointDefinition{Name: "count", DataType: models.DataTypeInteger, Precision: &precision}

	v, err := Normalize(41.6, def)
	require.NoError(t, err)
	assert.Equal(t, models.KindInteger, v.Kind)
	assert.Equal(t, 42.0, v.Num)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name     string
		raw      interface{}
		expected models.Value
	}{
		{"true word", "true", models.BoolValue(true)},
		{"on word", "ON", models.BoolValue(true)},
		{"no word", "no", models.BoolValue(false)},
		{"decimal string", "3.5", models.FloatValue(3.5)},
		{"integer string", "-12", models.IntValue(-12)},
		{"plain string", "auto", models.StringValue("auto")},
		{"dotted non number", "v1.2.3", models.StringValue("v1.2.3")},
		{"native bool", false, models.BoolValue(false)},
		{"native int", 5, models.IntValue(5)},
		{"json integer", json.Number("17"), models.IntValue(17)},
		{"exponent string", "1e5", models.StringValue("1e5")},
		{"json exponent", json.Number("1e5"), models.FloatValue(100000)},
		{"small uint64", uint64(7), models.IntValue(7)},
		{"uint64 above int64", uint64(math.MaxUint64), models.FloatValue(float64(uint64(math.MaxUint64)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Coerce(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestNormalize_UnknownDatapointIsOnlyCoerced(t *testing.T) {
	v, err := Normalize("12.3456", nil)
	require.NoError(t, err)
	assert.Equal(t, models.FloatValue(12.3456), v)
}

func TestNormalize_StringDatapointKeepsCoercion(t *testing.T) {
	def := &models.DatapointDefinition{Name: "mode", DataType: models.DataTypeString}

	v, err := Normalize("yes", def)
	require.NoError(t, err)
	assert.Equal(t, models.BoolValue(true), v)
}

func TestNormalize_Failures(t *testing.T) {
	for name, raw := range map[string]interface{}{
		"nil":    nil,
		"object": map[string]interface{}{"a": 1},
		"array":  []interface{}{1, 2},
		"nan":    math.NaN(),
		"inf":    math.Inf(1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(raw, numericDef(1, 0, 2))
			assert.ErrorIs(t, err, utils.ErrValueNormalization)
		})
	}
}

func TestRawString(t *testing.T) {
	assert.Equal(t, "12.5", RawString(12.5))
	assert.Equal(t, "abc", RawString("abc"))
	assert.Equal(t, "true", RawString(true))
	assert.Equal(t, "", RawString(nil))
}
