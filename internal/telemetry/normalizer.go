// Package telemetry turns raw device readings into typed values and stores them.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/utils"
)

// Normalize converts a raw reading into a typed value.
// Numeric definitions get round(raw*scale+offset, precision); everything else is only coerced.
// A nil definition means the datapoint is unknown to the model.
func Normalize(raw interface{}, def *models.DatapointDefinition) (models.Value, error) {
	coerced, err := Coerce(raw)
	if err != nil {
		return models.Value{}, err
	}

	if def == nil || !def.IsNumeric() {
		return coerced, nil
	}

	num, ok := numericOf(coerced)
	if !ok {
		// Non-numeric reading on a numeric datapoint is stored as coerced
		return coerced, nil
	}

	scaled := Round(float64(num*def.Scale())+def.Offset, def.Decimals())
	if math.IsNaN(scaled) || math.IsInf(scaled, 0) {
		return models.Value{}, fmt.Errorf("%w: %s overflows after scaling", utils.ErrValueNormalization, def.Name)
	}

	if def.DataType == models.DataTypeInteger && scaled == math.Trunc(scaled) {
		return models.IntValue(int64(scaled)), nil
	}
	return models.FloatValue(scaled), nil
}

// Coerce maps a decoded JSON value to the closest of boolean, integer, float and string
func Coerce(raw interface{}) (models.Value, error) {
	switch v := raw.(type) {
	case nil:
		return models.Value{}, fmt.Errorf("%w: null value", utils.ErrValueNormalization)
	case bool:
		return models.BoolValue(v), nil
	case int:
		return models.IntValue(int64(v)), nil
	case int32:
		return models.IntValue(int64(v)), nil
	case int64:
		return models.IntValue(v), nil
	case uint:
		return unsigned(uint64(v))
	case uint32:
		return models.IntValue(int64(v)), nil
	case uint64:
		return unsigned(v)
	case float32:
		return finite(float64(v))
	case float64:
		return finite(v)
	case json.Number:
		return coerceString(v.String(), true)
	case string:
		return coerceString(v, false)
	default:
		return models.Value{}, fmt.Errorf("%w: unsupported type %T", utils.ErrValueNormalization, raw)
	}
}

// Round rounds half away from zero to the given number of decimals
func Round(f float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(f*pow) / pow
}

// unsigned keeps values above MaxInt64 as floats instead of wrapping them negative
func unsigned(u uint64) (models.Value, error) {
	if u > math.MaxInt64 {
		return finite(float64(u))
	}
	return models.IntValue(int64(u)), nil
}

func finite(f float64) (models.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return models.Value{}, fmt.Errorf("%w: non-finite number", utils.ErrValueNormalization)
	}
	return models.FloatValue(f), nil
}

// coerceString applies the string rules: boolean-like words, then decimals, then integers.
// JSON numbers skip the boolean check, may use an exponent and fail instead of falling back
// to string.
func coerceString(s string, isNumber bool) (models.Value, error) {
	trimmed := strings.TrimSpace(s)

	if !isNumber {
		if b, ok := parseBoolLike(trimmed); ok {
			return models.BoolValue(b), nil
		}
	}

	decimal := strings.Contains(trimmed, ".") || (isNumber && strings.ContainsAny(trimmed, "eE"))
	if decimal {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return finite(f)
		}
	} else if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return models.IntValue(i), nil
	}

	if isNumber {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return finite(f)
		}
		return models.Value{}, fmt.Errorf("%w: invalid number %q", utils.ErrValueNormalization, s)
	}

	return models.StringValue(s), nil
}

func parseBoolLike(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true, true
	case "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// numericOf reads booleans as 1/0 so switches can feed numeric datapoints
func numericOf(v models.Value) (float64, bool) {
	if n, ok := v.Numeric(); ok {
		return n, true
	}
	if v.Kind == models.KindBoolean {
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// RawString renders the raw reading for the audit column
func RawString(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
