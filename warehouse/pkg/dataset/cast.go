package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCast is returned when a value cannot be converted at all.
	ErrCast = errors.New("cast failed")
	// ErrLossyCast is returned by strict casts that would lose information.
	ErrLossyCast = errors.New("lossy cast")
)

// Largest integers that float32 and float64 represent exactly.
const (
	maxExactFloat32 = 1 << 24
	maxExactFloat64 = 1 << 53
)

// Layouts accepted when text is cast to a timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"1/2/2006",
}

const textTimestampLayout = "2006-01-02 15:04:05.999999"

// CastOptions controls how strictly values are converted.
type CastOptions struct {
	// Strict rejects conversions that lose information (truncated fractions,
	// float rounding). The default only fails when conversion is impossible.
	Strict bool
}

// Cast converts v to the Go representation of typ.
func Cast(v any, typ ColumnType, opts CastOptions) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeInt32:
		n, err := toInt(v, math.MinInt32, math.MaxInt32, opts)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case TypeInt64:
		return toInt(v, math.MinInt64, math.MaxInt64, opts)
	case TypeFloat32:
		f, err := toFloat(v, maxExactFloat32, opts)
		if err != nil {
			return nil, err
		}
		f32 := float32(f)
		if opts.Strict && !math.IsNaN(f) && float64(f32) != f {
			return nil, fmt.Errorf("%w: %v does not fit float32 exactly", ErrLossyCast, v)
		}
		if !math.IsInf(f, 0) && math.IsInf(float64(f32), 0) {
			return nil, fmt.Errorf("%w: %v overflows float32", ErrCast, v)
		}
		return f32, nil
	case TypeFloat64:
		return toFloat(v, maxExactFloat64, opts)
	case TypeString, TypeCategorical:
		return toText(v)
	case TypeTimestamp:
		return toTimestamp(v)
	}
	return nil, fmt.Errorf("%w: unknown column type %q", ErrCast, typ)
}

func toInt(v any, lo, hi int64, opts CastOptions) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int32:
		n = int64(x)
	case int64:
		n = x
	case int:
		n = int64(x)
	case float32:
		return floatToInt(float64(x), lo, hi, opts)
	case float64:
		return floatToInt(x, lo, hi, opts)
	case string:
		s := strings.TrimSpace(x)
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrCast, x)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%w: cannot convert %T to integer", ErrCast, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d out of range", ErrCast, n)
	}
	return n, nil
}

func floatToInt(f float64, lo, hi int64, opts CastOptions) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not finite", ErrCast, f)
	}
	t := math.Trunc(f)
	if t < float64(lo) || t >= float64(hi)+1 {
		return 0, fmt.Errorf("%w: %v out of range", ErrCast, f)
	}
	if opts.Strict && t != f {
		return 0, fmt.Errorf("%w: %v has a fractional part", ErrLossyCast, f)
	}
	return int64(t), nil
}

func toFloat(v any, exact int64, opts CastOptions) (float64, error) {
	switch x := v.(type) {
	case int32:
		return intToFloat(int64(x), exact, opts)
	case int64:
		return intToFloat(x, exact, opts)
	case int:
		return intToFloat(int64(x), exact, opts)
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrCast, x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: cannot convert %T to float", ErrCast, v)
}

func intToFloat(n, exact int64, opts CastOptions) (float64, error) {
	if opts.Strict && (n > exact || n < -exact) {
		return 0, fmt.Errorf("%w: %d exceeds the exact integer range of the float", ErrLossyCast, n)
	}
	return float64(n), nil
}

func toText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case time.Time:
		return x.UTC().Format(textTimestampLayout), nil
	}
	return "", fmt.Errorf("%w: cannot convert %T to text", ErrCast, v)
}

func toTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return normalizeTime(x), nil
	case int64:
		return time.UnixMicro(x).UTC(), nil
	case int32:
		return time.UnixMicro(int64(x)).UTC(), nil
	case string:
		return ParseTimestamp(x)
	}
	return time.Time{}, fmt.Errorf("%w: cannot convert %T to timestamp", ErrCast, v)
}

// ParseTimestamp parses text in any of the accepted timestamp layouts.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return normalizeTime(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrCast, s)
}

// normalizeTime drops the location and anything below microseconds, which is
// what the file format stores.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func conforms(v any, typ ColumnType) bool {
	if v == nil {
		return true
	}
	switch typ {
	case TypeInt32:
		_, ok := v.(int32)
		return ok
	case TypeInt64:
		_, ok := v.(int64)
		return ok
	case TypeFloat32:
		_, ok := v.(float32)
		return ok
	case TypeFloat64:
		_, ok := v.(float64)
		return ok
	case TypeString, TypeCategorical:
		_, ok := v.(string)
		return ok
	case TypeTimestamp:
		_, ok := v.(time.Time)
		return ok
	}
	return false
}

// widenEdges lists, per type, the types it widens into.
// Types in different families never widen.
var widenEdges = map[ColumnType][]ColumnType{
	TypeInt32:       {TypeInt64, TypeFloat32, TypeFloat64},
	TypeInt64:       {TypeFloat64},
	TypeFloat32:     {TypeFloat64},
	TypeCategorical: {TypeString},
}

// IsWidening reports whether converting from -> to is a widening, i.e. to is
// strictly wider than from in the lattice int32 < int64 < float64,
// int32 < float32 < float64, categorical < string.
func IsWidening(from, to ColumnType) bool {
	for _, t := range widenEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Widen returns the narrowest type both a and b widen to.
func Widen(a, b ColumnType) (ColumnType, bool) {
	switch {
	case a == b:
		return a, true
	case IsWidening(a, b):
		return b, true
	case IsWidening(b, a):
		return a, true
	}
	if (a == TypeInt64 && b == TypeFloat32) || (a == TypeFloat32 && b == TypeInt64) {
		return TypeFloat64, true
	}
	return "", false
}
