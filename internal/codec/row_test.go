package codec

import (
	"strconv"
	"strings"
	"testing"

	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(payload []byte) model.LookupEntry {
	return model.LookupEntry{
		Locus:        model.LocusA,
		TypingMethod: model.TypingMethodMolecular,
		LookupName:   "01:01:01:01",
		PayloadType:  "SingleAlleleScoringInfo",
		Payload:      payload,
	}
}

func TestRowCodec_RoundTripLengths(t *testing.T) {
	codec := NewRowCodec(0)
	limit := codec.MaxColumnSize()

	lengths := []int{0, 1, 100, limit - 1, limit, limit + 1, 2 * limit, 2*limit + 1, 100000, 200000}
	for _, n := range lengths {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			payload := []byte(strings.Repeat("x", n))
			row, err := codec.Encode(testEntry(payload))
			require.NoError(t, err)

			_, split := row.Columns[ColumnIsPayloadSplit]
			assert.Equal(t, n > limit, split)
			for name, value := range row.Columns {
				assert.LessOrEqual(t, len([]rune(value)), limit, "column %s over limit", name)
			}

			decoded, err := codec.Decode(row, "SingleAlleleScoringInfo")
			require.NoError(t, err)
			assert.Equal(t, len(payload), len(decoded.Payload))
			assert.Equal(t, payload, decoded.Payload)
			assert.Equal(t, "SingleAlleleScoringInfo", decoded.PayloadType)
		})
	}
}

func TestRowCodec_SplitColumnNames(t *testing.T) {
	codec := NewRowCodec(10)
	row, err := codec.Encode(testEntry([]byte(strings.Repeat("a", 25))))
	require.NoError(t, err)

	assert.Equal(t, "true", row.Columns[ColumnIsPayloadSplit])
	assert.Equal(t, strings.Repeat("a", 10), row.Columns["Payload"])
	assert.Equal(t, strings.Repeat("a", 10), row.Columns["Payload1"])
	assert.Equal(t, strings.Repeat("a", 5), row.Columns["Payload2"])
	assert.NotContains(t, row.Columns, "Payload3")
}

func TestRowCodec_SplitsOnRuneBoundaries(t *testing.T) {
	codec := NewRowCodec(4)
	payload := []byte("αβγδεζηθι")

	row, err := codec.Encode(testEntry(payload))
	require.NoError(t, err)
	assert.Equal(t, "αβγδ", row.Columns["Payload"])
	assert.Equal(t, "εζηθ", row.Columns["Payload1"])
	assert.Equal(t, "ι", row.Columns["Payload2"])

	decoded, err := codec.Decode(row)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
}

func TestRowCodec_DecodeOrdersByNumericSuffix(t *testing.T) {
	codec := NewRowCodec(1)
	columns := map[string]string{
		ColumnLocus:          "B",
		ColumnTypingMethod:   "Molecular",
		ColumnLookupName:     "07:02",
		ColumnPayloadType:    "MatchingPGroups",
		ColumnIsPayloadSplit: "true",
		"Payload":            "a",
	}
	for i := 1; i <= 11; i++ {
		columns["Payload"+strconv.Itoa(i)] = string(rune('a' + i))
	}

	decoded, err := codec.Decode(model.Row{PartitionKey: "B", RowKey: "07:02-Molecular", Columns: columns})
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijkl", string(decoded.Payload))
}

func TestRowCodec_DecodeMissingChunk(t *testing.T) {
	codec := NewRowCodec(1)
	row := model.Row{
		PartitionKey: "B",
		RowKey:       "07:02-Molecular",
		Columns: map[string]string{
			ColumnLocus:          "B",
			ColumnTypingMethod:   "Molecular",
			ColumnLookupName:     "07:02",
			ColumnPayloadType:    "MatchingPGroups",
			ColumnIsPayloadSplit: "true",
			"Payload":            "a",
			"Payload2":           "c",
		},
	}

	_, err := codec.Decode(row)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInternal))
}

func TestRowCodec_NullTag(t *testing.T) {
	codec := NewRowCodec(0)
	entry := model.LookupEntry{
		Locus:        model.LocusC,
		TypingMethod: model.TypingMethodSerology,
		LookupName:   "10",
	}

	row, err := codec.Encode(entry)
	require.NoError(t, err)
	assert.NotContains(t, row.Columns, ColumnPayloadType)
	assert.NotContains(t, row.Columns, ColumnPayload)

	decoded, err := codec.Decode(row, "SerologyScoringInfo")
	require.NoError(t, err)
	assert.Equal(t, "", decoded.PayloadType)
	assert.Nil(t, decoded.Payload)
	assert.Equal(t, entry, decoded)
}

func TestRowCodec_PayloadTypeMismatch(t *testing.T) {
	codec := NewRowCodec(0)
	row, err := codec.Encode(testEntry([]byte(`{"a":1}`)))
	require.NoError(t, err)

	_, err = codec.Decode(row, "MatchingPGroups")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodePayloadTypeMismatch))

	_, err = codec.Decode(row)
	assert.NoError(t, err)
}

func TestRowCodec_EncodeInvalid(t *testing.T) {
	codec := NewRowCodec(0)

	tests := []struct {
		name  string
		entry model.LookupEntry
	}{
		{
			name: "payload without tag",
			entry: model.LookupEntry{
				Locus: model.LocusA, TypingMethod: model.TypingMethodMolecular,
				LookupName: "01:01", Payload: []byte("{}"),
			},
		},
		{
			name:  "invalid utf8",
			entry: testEntry([]byte{0xff, 0xfe}),
		},
		{
			name:  "NUL in payload",
			entry: testEntry([]byte("[\"01:01P\u0000\"]")),
		},
		{
			name: "NUL in payload type",
			entry: model.LookupEntry{
				Locus: model.LocusA, TypingMethod: model.TypingMethodMolecular,
				LookupName: "01:01", PayloadType: "Single\x00Allele",
			},
		},
		{
			name: "bad locus",
			entry: model.LookupEntry{
				Locus: "DRB4", TypingMethod: model.TypingMethodMolecular, LookupName: "01:01",
			},
		},
		{
			name: "forbidden key character",
			entry: model.LookupEntry{
				Locus: model.LocusA, TypingMethod: model.TypingMethodMolecular, LookupName: "01:01/02",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Encode(tt.entry)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
		})
	}
}

func TestRowCodec_DecodeCorruptRow(t *testing.T) {
	codec := NewRowCodec(0)
	_, err := codec.Decode(model.Row{
		PartitionKey: "A",
		RowKey:       "01-Molecular",
		Columns:      map[string]string{ColumnLocus: "Z", ColumnTypingMethod: "Molecular", ColumnLookupName: "01"},
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInternal))
}
