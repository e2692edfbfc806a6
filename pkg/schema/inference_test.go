package schema

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeNumber tests integer width resolution at the 64 bit
// boundaries
func TestDecodeNumber(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{
			name:  "small integer",
			input: "42",
			want:  int64(42),
		},
		{
			name:  "max int64",
			input: "9223372036854775807",
			want:  int64(9223372036854775807),
		},
		{
			name:  "above int64 fits uint64",
			input: "9223372036854775808",
			want:  uint64(9223372036854775808),
		},
		{
			name:  "max uint64",
			input: "18446744073709551615",
			want:  uint64(18446744073709551615),
		},
		{
			name:  "fraction",
			input: "1.5",
			want:  1.5,
		},
		{
			name:  "exponent",
			input: "1e3",
			want:  1000.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeNumber(json.Number(tt.input)))
		})
	}

	// 2^64 no longer fits any machine integer
	v := DecodeNumber(json.Number("18446744073709551616"))
	b, ok := v.(*big.Int)
	require.True(t, ok)
	assert.Equal(t, "18446744073709551616", b.String())
}

// TestValueTypeBoundaries tests column type inference at the integer
// width boundaries
func TestValueTypeBoundaries(t *testing.T) {
	assert.Equal(t, TypeBigInt, valueType(int64(1)))
	assert.Equal(t, TypeBigInt, valueType(uint64(18446744073709551615)))
	huge, _ := new(big.Int).SetString("18446744073709551616", 10)
	assert.Equal(t, TypeWei, valueType(huge))
	assert.Equal(t, TypeBigInt, valueType(big.NewInt(7)))
}

// TestValueTypes tests the natural type of each value representation
func TestValueTypes(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  DataType
	}{
		{name: "string", input: "a", want: TypeText},
		{name: "bool", input: true, want: TypeBool},
		{name: "float", input: 1.5, want: TypeDouble},
		{name: "bytes", input: []byte{1}, want: TypeBinary},
		{name: "map", input: map[string]any{"a": 1}, want: TypeComplex},
		{name: "list", input: []any{1}, want: TypeComplex},
		{name: "decimal", input: Decimal("1.5"), want: TypeDecimal},
		{name: "time", input: time.Now(), want: TypeTimestamp},
		{name: "json number", input: json.Number("12"), want: TypeBigInt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valueType(tt.input))
		})
	}
}

// TestCoerceValue tests the representative type conversions
func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name    string
		to      DataType
		from    DataType
		input   any
		want    any
		wantErr bool
	}{
		{
			name:  "bigint to text",
			to:    TypeText,
			from:  TypeBigInt,
			input: int64(42),
			want:  "42",
		},
		{
			name:  "hex text to binary",
			to:    TypeBinary,
			from:  TypeText,
			input: "0xdeadbeef",
			want:  []byte{0xde, 0xad, 0xbe, 0xef},
		},
		{
			name:  "base64 text to binary",
			to:    TypeBinary,
			from:  TypeText,
			input: "uWsLdA==",
			want:  []byte{0xb9, 0x6b, 0x0b, 0x74},
		},
		{
			name:    "garbage text to binary",
			to:      TypeBinary,
			from:    TypeText,
			input:   "not really!",
			wantErr: true,
		},
		{
			name:  "bigint to binary little endian",
			to:    TypeBinary,
			from:  TypeBigInt,
			input: int64(0x0102),
			want:  []byte{0x02, 0x01},
		},
		{
			name:  "hex text to bigint",
			to:    TypeBigInt,
			from:  TypeText,
			input: "0x10",
			want:  int64(16),
		},
		{
			name:  "integral double to bigint",
			to:    TypeBigInt,
			from:  TypeDouble,
			input: 3.0,
			want:  int64(3),
		},
		{
			name:    "fractional double to bigint",
			to:      TypeBigInt,
			from:    TypeDouble,
			input:   3.5,
			wantErr: true,
		},
		{
			name:  "bigint to wei",
			to:    TypeWei,
			from:  TypeBigInt,
			input: int64(10),
			want:  big.NewInt(10),
		},
		{
			name:  "text to decimal",
			to:    TypeDecimal,
			from:  TypeText,
			input: " 10.25 ",
			want:  Decimal("10.25"),
		},
		{
			name:  "integer text to decimal",
			to:    TypeDecimal,
			from:  TypeText,
			input: "10",
			want:  Decimal("10"),
		},
		{
			name:    "word to decimal",
			to:      TypeDecimal,
			from:    TypeText,
			input:   "not a number",
			wantErr: true,
		},
		{
			name:  "hex text to double",
			to:    TypeDouble,
			from:  TypeText,
			input: "0x10",
			want:  16.0,
		},
		{
			name:  "bigint to double",
			to:    TypeDouble,
			from:  TypeBigInt,
			input: int64(3),
			want:  3.0,
		},
		{
			name:  "epoch int to timestamp",
			to:    TypeTimestamp,
			from:  TypeBigInt,
			input: int64(1657011600),
			want:  time.Unix(1657011600, 0).UTC(),
		},
		{
			name:  "iso text to timestamp",
			to:    TypeTimestamp,
			from:  TypeText,
			input: "2022-07-05T10:00:00Z",
			want:  time.Date(2022, 7, 5, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "epoch text to timestamp",
			to:    TypeTimestamp,
			from:  TypeText,
			input: "1657011600",
			want:  time.Unix(1657011600, 0).UTC(),
		},
		{
			name:    "time only text to timestamp",
			to:      TypeTimestamp,
			from:    TypeText,
			input:   "10:00:00",
			wantErr: true,
		},
		{
			name:    "bool to bigint",
			to:      TypeBigInt,
			from:    TypeBool,
			input:   true,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerceValue(tt.to, tt.from, tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestCoerceComplexSameType tests that complex values always pass
// through as canonical JSON text
func TestCoerceComplexSameType(t *testing.T) {
	v, err := coerceValue(TypeComplex, TypeComplex, map[string]any{"b": 1, "a": "<tag>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<tag>","b":1}`, v)

	v, err = coerceValue(TypeText, TypeComplex, []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", v)
}

// TestTimestampDetection tests the epoch window detection boundaries
func TestTimestampDetection(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		detected bool
	}{
		{name: "window start", input: int64(946684800), detected: true},
		{name: "below window", input: int64(946684799), detected: false},
		{name: "window end included", input: int64(4102444800), detected: true},
		{name: "above window", input: int64(4102444801), detected: false},
		{name: "inside window", input: int64(1657011600), detected: true},
		{name: "float inside window", input: 1657011600.5, detected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dt, ok := detectTimestamp(valueType(tt.input), tt.input)
			assert.Equal(t, tt.detected, ok)
			if tt.detected {
				assert.Equal(t, TypeTimestamp, dt)
			}
		})
	}
}

// TestISOTimestampDetection tests string timestamp detection
func TestISOTimestampDetection(t *testing.T) {
	dt, ok := detectISOTimestamp(TypeText, "2022-07-05 10:00:00")
	assert.True(t, ok)
	assert.Equal(t, TypeTimestamp, dt)

	_, ok = detectISOTimestamp(TypeText, "not a date")
	assert.False(t, ok)

	// bare times are not points in time
	_, ok = detectISOTimestamp(TypeText, "10:00:00")
	assert.False(t, ok)

	// epoch strings are not promoted, only ISO forms
	_, ok = detectISOTimestamp(TypeText, "1657011600")
	assert.False(t, ok)
}

// TestCanonicalJSON tests key ordering and HTML handling
func TestCanonicalJSON(t *testing.T) {
	s, err := canonicalJSON(map[string]any{"z": 1, "a": "x<y&z", "m": []any{true}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x<y&z","m":[true],"z":1}`, s)
}
