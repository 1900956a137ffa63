package models

import (
	"strconv"
)

// ValueKind is the storage type of a normalized value
type ValueKind string

const (
	KindFloat   ValueKind = "float"
	KindInteger ValueKind = "integer"
	KindBoolean ValueKind = "boolean"
	KindString  ValueKind = "string"
)

// Value is a normalized telemetry value
type Value struct {
	Kind ValueKind `json:"kind"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Str  string    `json:"str,omitempty"`
}

// FloatValue builds a float value
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Num: f} }

// IntValue builds an integer value
func IntValue(i int64) Value { return Value{Kind: KindInteger, Num: float64(i)} }

// BoolValue builds a boolean value
func BoolValue(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// StringValue builds a string value
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// Numeric returns the value as a float when it is a number
func (v Value) Numeric() (float64, bool) {
	switch v.Kind {
	case KindFloat, KindInteger:
		return v.Num, true
	default:
		return 0, false
	}
}

// Equal compares two values; integers and floats compare numerically
func (v Value) Equal(o Value) bool {
	a, aNum := v.Numeric()
	b, bNum := o.Numeric()
	if aNum || bNum {
		return aNum && bNum && a == b
	}
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindBoolean {
		return v.Bool == o.Bool
	}
	return v.Str == o.Str
}

// String renders the value for messages and logs
func (v Value) String() string {
	switch v.Kind {
	case KindFloat:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindInteger:
		return strconv.FormatInt(int64(v.Num), 10)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Interface returns the plain Go value, for JSON responses
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindFloat:
		return v.Num
	case KindInteger:
		return int64(v.Num)
	case KindBoolean:
		return v.Bool
	default:
		return v.Str
	}
}

// ValueColumns is the column layout shared by every table that stores a Value
type ValueColumns struct {
	ValueType string   `gorm:"type:varchar(20)" json:"value_type,omitempty"`
	ValueNum  *float64 `json:"value_num,omitempty"`
	ValueBool *bool    `json:"value_bool,omitempty"`
	ValueStr  *string  `json:"value_str,omitempty"`
}

// Columns spreads a value over its storage columns
func (v Value) Columns() ValueColumns {
	c := ValueColumns{ValueType: string(v.Kind)}
	switch v.Kind {
	case KindFloat, KindInteger:
		n := v.Num
		c.ValueNum = &n
	case KindBoolean:
		b := v.Bool
		c.ValueBool = &b
	default:
		s := v.Str
		c.ValueStr = &s
	}
	return c
}

// Value rebuilds the value from its columns; nil when nothing is stored
func (c ValueColumns) Value() *Value {
	switch ValueKind(c.ValueType) {
	case KindFloat, KindInteger:
		if c.ValueNum == nil {
			return nil
		}
		return &Value{Kind: ValueKind(c.ValueType), Num: *c.ValueNum}
	case KindBoolean:
		if c.ValueBool == nil {
			return nil
		}
		return &Value{Kind: KindBoolean, Bool: *c.ValueBool}
	case KindString:
		if c.ValueStr == nil {
			return nil
		}
		return &Value{Kind: KindString, Str: *c.ValueStr}
	default:
		return nil
	}
}
