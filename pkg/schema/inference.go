package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// Epoch window treated as a Unix timestamp by the numeric detection:
// [2000-01-01, 2100-01-01], both ends inclusive. Values outside stay
// plain numbers.
const (
	TimestampRangeStart int64 = 946684800
	TimestampRangeEnd   int64 = 4102444800
)

var errCannotCoerce = errors.New("cannot coerce value")

// NormalizeValue collapses the value into one of the canonical value
// representations: int64/uint64/*big.Int for integers, float64 for
// floats, json.Number resolved by magnitude.
func NormalizeValue(v any) any {
	switch tv := v.(type) {
	case int:
		return int64(tv)
	case int8:
		return int64(tv)
	case int16:
		return int64(tv)
	case int32:
		return int64(tv)
	case uint:
		return uint64(tv)
	case uint8:
		return uint64(tv)
	case uint16:
		return uint64(tv)
	case uint32:
		return uint64(tv)
	case float32:
		return float64(tv)
	case json.Number:
		return DecodeNumber(tv)
	default:
		return v
	}
}

// DecodeNumber resolves a JSON number the way dynamic inputs demand:
// integer forms become int64, then uint64, then *big.Int as magnitude
// grows; anything fractional becomes float64.
func DecodeNumber(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u
		}
		if b, ok := new(big.Int).SetString(s, 10); ok {
			return b
		}
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return f
}

// valueType maps a value to its natural column type
func valueType(v any) DataType {
	switch tv := NormalizeValue(v).(type) {
	case bool:
		return TypeBool
	case int64, uint64:
		return TypeBigInt
	case float64:
		return TypeDouble
	case []byte:
		return TypeBinary
	case map[string]any, []any:
		return TypeComplex
	case Decimal:
		return TypeDecimal
	case time.Time:
		return TypeTimestamp
	case *big.Int:
		if tv.IsInt64() || tv.IsUint64() {
			return TypeBigInt
		}
		return TypeWei
	default:
		return TypeText
	}
}

// canonicalJSON renders the value as compact JSON with sorted object
// keys and no HTML escaping. Complex values and digest inputs use it.
func canonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// coerceValue converts the value into the target column type. The
// source type is the value's natural type, never a detected one.
func coerceValue(to, from DataType, v any) (any, error) {
	v = NormalizeValue(v)

	if to == from {
		if to == TypeComplex {
			// complex values are always carried as their JSON form
			return canonicalJSON(v)
		}
		return v, nil
	}

	switch to {
	case TypeText:
		return coerceToText(from, v)
	case TypeBinary:
		return coerceToBinary(from, v)
	case TypeBigInt, TypeWei:
		return coerceToInteger(to, from, v)
	case TypeDouble:
		return coerceToDouble(from, v)
	case TypeDecimal:
		return coerceToDecimal(from, v)
	case TypeTimestamp:
		return coerceToTimestamp(from, v)
	}
	return nil, fmt.Errorf("%w: %v from %s to %s", errCannotCoerce, v, from, to)
}

func coerceToText(from DataType, v any) (any, error) {
	if from == TypeComplex {
		return canonicalJSON(v)
	}
	switch tv := v.(type) {
	case string:
		return tv, nil
	case bool:
		return strconv.FormatBool(tv), nil
	case int64:
		return strconv.FormatInt(tv, 10), nil
	case uint64:
		return strconv.FormatUint(tv, 10), nil
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64), nil
	case *big.Int:
		return tv.String(), nil
	case Decimal:
		return string(tv), nil
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(tv), nil
	default:
		return fmt.Sprint(tv), nil
	}
}

func coerceToBinary(from DataType, v any) (any, error) {
	switch from {
	case TypeText:
		s := v.(string)
		if strings.HasPrefix(s, "0x") {
			b, err := hex.DecodeString(s[2:])
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not hex encoded", errCannotCoerce, s)
			}
			return b, nil
		}
		b, err := base64.StdEncoding.Strict().DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not base64 encoded", errCannotCoerce, s)
		}
		return b, nil
	case TypeBigInt:
		var u uint64
		switch tv := v.(type) {
		case int64:
			if tv < 0 {
				return nil, fmt.Errorf("%w: negative integer %d to binary", errCannotCoerce, tv)
			}
			u = uint64(tv)
		case uint64:
			u = tv
		}
		// little-endian, minimal width; zero encodes to no bytes
		n := (bits.Len64(u) + 7) / 8
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(u >> (8 * i))
		}
		return b[:n], nil
	}
	return nil, fmt.Errorf("%w: %v from %s to binary", errCannotCoerce, v, from)
}

func coerceToInteger(to, from DataType, v any) (any, error) {
	sized := func(b *big.Int) (any, error) {
		if to == TypeWei {
			return b, nil
		}
		if b.IsInt64() {
			return b.Int64(), nil
		}
		if b.IsUint64() {
			return b.Uint64(), nil
		}
		return nil, fmt.Errorf("%w: %s overflows bigint", errCannotCoerce, b)
	}
	switch from {
	case TypeBigInt:
		switch tv := v.(type) {
		case int64:
			if to == TypeWei {
				return big.NewInt(tv), nil
			}
			return tv, nil
		case uint64:
			if to == TypeWei {
				return new(big.Int).SetUint64(tv), nil
			}
			return tv, nil
		case *big.Int:
			return sized(tv)
		}
	case TypeDouble:
		f := v.(float64)
		if math.Trunc(f) != f || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: %v has a fractional part", errCannotCoerce, f)
		}
		b, _ := big.NewFloat(f).Int(nil)
		return sized(b)
	case TypeDecimal:
		d := v.(Decimal)
		r, ok := d.Rat()
		if !ok || !r.IsInt() {
			return nil, fmt.Errorf("%w: %s has a fractional part", errCannotCoerce, d)
		}
		return sized(r.Num())
	case TypeText:
		s := strings.TrimSpace(v.(string))
		var b *big.Int
		var ok bool
		if strings.HasPrefix(s, "0x") {
			b, ok = new(big.Int).SetString(s[2:], 16)
		} else {
			b, ok = new(big.Int).SetString(s, 10)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an integer", errCannotCoerce, s)
		}
		return sized(b)
	}
	return nil, fmt.Errorf("%w: %v from %s to %s", errCannotCoerce, v, from, to)
}

func coerceToDouble(from DataType, v any) (any, error) {
	switch from {
	case TypeBigInt, TypeWei:
		switch tv := v.(type) {
		case int64:
			return float64(tv), nil
		case uint64:
			return float64(tv), nil
		case *big.Int:
			f, _ := new(big.Float).SetInt(tv).Float64()
			return f, nil
		}
	case TypeDecimal:
		f, err := strconv.ParseFloat(string(v.(Decimal)), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCannotCoerce, err)
		}
		return f, nil
	case TypeText:
		s := strings.TrimSpace(v.(string))
		if strings.HasPrefix(s, "0x") {
			b, ok := new(big.Int).SetString(s[2:], 16)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not hex encoded", errCannotCoerce, s)
			}
			f, _ := new(big.Float).SetInt(b).Float64()
			return f, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", errCannotCoerce, s)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %v from %s to double", errCannotCoerce, v, from)
}

func coerceToDecimal(from DataType, v any) (any, error) {
	switch from {
	case TypeBigInt, TypeWei:
		switch tv := v.(type) {
		case int64:
			return Decimal(strconv.FormatInt(tv, 10)), nil
		case uint64:
			return Decimal(strconv.FormatUint(tv, 10)), nil
		case *big.Int:
			return Decimal(tv.String()), nil
		}
	case TypeDouble:
		return Decimal(strconv.FormatFloat(v.(float64), 'f', -1, 64)), nil
	case TypeText:
		s := strings.TrimSpace(v.(string))
		if strings.HasPrefix(s, "0x") {
			b, ok := new(big.Int).SetString(s[2:], 16)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not hex encoded", errCannotCoerce, s)
			}
			return Decimal(b.String()), nil
		}
		if !strings.ContainsAny(s, ".eE") {
			if _, ok := new(big.Int).SetString(s, 10); !ok {
				return nil, fmt.Errorf("%w: %q is not an integer", errCannotCoerce, s)
			}
			return Decimal(s), nil
		}
		d := Decimal(s)
		if _, ok := d.Rat(); !ok {
			return nil, fmt.Errorf("%w: %q is not a decimal", errCannotCoerce, s)
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %v from %s to decimal", errCannotCoerce, v, from)
}

func coerceToTimestamp(from DataType, v any) (any, error) {
	switch from {
	case TypeBigInt:
		switch tv := v.(type) {
		case int64:
			return time.Unix(tv, 0).UTC(), nil
		case uint64:
			return time.Unix(int64(tv), 0).UTC(), nil
		}
	case TypeDouble:
		return timeFromEpochFloat(v.(float64)), nil
	case TypeText:
		s := v.(string)
		if t, err := parseISOTimestamp(s); err == nil {
			return t, nil
		}
		trimmed := strings.TrimSpace(s)
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return time.Unix(i, 0).UTC(), nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a timestamp", errCannotCoerce, s)
		}
		return timeFromEpochFloat(f), nil
	}
	return nil, fmt.Errorf("%w: %v from %s to timestamp", errCannotCoerce, v, from)
}

func timeFromEpochFloat(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Round(time.Microsecond)
}

// isoTimestampFormats accepts date-time and date forms. Time-only
// strings are rejected on purpose: a bare time is not a point in time.
var isoTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseISOTimestamp(s string) (time.Time, error) {
	for _, layout := range isoTimestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q does not parse as an ISO timestamp", s)
}

// detectionFunc inspects a value and may promote its natural type
type detectionFunc func(dt DataType, v any) (DataType, bool)

var detectionFuncs = map[string]detectionFunc{
	"timestamp":     detectTimestamp,
	"iso_timestamp": detectISOTimestamp,
}

// detectTimestamp promotes numbers inside the epoch window
func detectTimestamp(dt DataType, v any) (DataType, bool) {
	switch dt {
	case TypeBigInt:
		var i int64
		switch tv := NormalizeValue(v).(type) {
		case int64:
			i = tv
		case uint64:
			if tv > math.MaxInt64 {
				return "", false
			}
			i = int64(tv)
		default:
			return "", false
		}
		if i >= TimestampRangeStart && i <= TimestampRangeEnd {
			return TypeTimestamp, true
		}
	case TypeDouble:
		f, ok := NormalizeValue(v).(float64)
		if !ok {
			return "", false
		}
		if f >= float64(TimestampRangeStart) && f <= float64(TimestampRangeEnd) {
			return TypeTimestamp, true
		}
	}
	return "", false
}

// detectISOTimestamp promotes strings that parse as ISO timestamps
func detectISOTimestamp(dt DataType, v any) (DataType, bool) {
	if dt != TypeText {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	if _, err := parseISOTimestamp(s); err == nil {
		return TypeTimestamp, true
	}
	return "", false
}

// mapValueType runs detections over the natural type, then lets a
// preferred type override when the value can coerce into it.
func (s *Schema) mapValueType(name string, v any) DataType {
	vt := valueType(v)
	for _, dn := range s.normalizers.Detections {
		if f := detectionFuncs[dn]; f != nil {
			if dt, ok := f(vt, v); ok {
				vt = dt
				break
			}
		}
	}
	if pt, ok := s.PreferredType(name); ok {
		if _, err := coerceValue(pt, vt, v); err == nil {
			vt = pt
		}
	}
	return vt
}

// inferColumn builds a column definition for a newly seen field
func (s *Schema) inferColumn(name string, v any) *Column {
	return &Column{
		Name:       name,
		DataType:   s.mapValueType(name, v),
		Nullable:   !s.inferHint(HintNotNull, name),
		Partition:  s.inferHint(HintPartition, name),
		Cluster:    s.inferHint(HintCluster, name),
		Sort:       s.inferHint(HintSort, name),
		Unique:     s.inferHint(HintUnique, name),
		PrimaryKey: s.inferHint(HintPrimaryKey, name),
		ForeignKey: s.inferHint(HintForeignKey, name),
	}
}

func (s *Schema) inferHint(hint Hint, name string) bool {
	for _, re := range s.hints[hint] {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
