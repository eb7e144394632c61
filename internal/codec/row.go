// Package codec converts lookup entries to and from partitioned-table rows.
//
// Payloads longer than the store's per-column limit are split across
// Payload, Payload1, Payload2, ... and flagged with IsPayloadSplit so that
// Decode can reassemble them in suffix order.
package codec

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/model"
)

const (
	ColumnLocus          = "Locus"
	ColumnTypingMethod   = "TypingMethod"
	ColumnLookupName     = "LookupName"
	ColumnPayloadType    = "PayloadType"
	ColumnPayload        = "Payload"
	ColumnIsPayloadSplit = "IsPayloadSplit"

	// DefaultMaxColumnSize is the per-column character limit of the store
	DefaultMaxColumnSize = 32000

	flagTrue = "true"
)

// RowCodec encodes entries into rows under a per-column size limit
type RowCodec struct {
	maxColumnSize int
}

// NewRowCodec creates a codec; a non-positive size selects the default
func NewRowCodec(maxColumnSize int) *RowCodec {
	if maxColumnSize <= 0 {
		maxColumnSize = DefaultMaxColumnSize
	}
	return &RowCodec{maxColumnSize: maxColumnSize}
}

// MaxColumnSize returns the configured column limit in characters
func (c *RowCodec) MaxColumnSize() int {
	return c.maxColumnSize
}

// Encode converts an entry into a row
func (c *RowCodec) Encode(entry model.LookupEntry) (model.Row, error) {
	partitionKey, rowKey, err := keys.EntryKeys(entry)
	if err != nil {
		return model.Row{}, err
	}

	if entry.PayloadType == "" && entry.Payload != nil {
		return model.Row{}, errors.InvalidArgument("payload without a payload type", nil).
			WithDetail("partition_key", partitionKey).
			WithDetail("row_key", rowKey)
	}

	columns := map[string]string{
		ColumnLocus:        string(entry.Locus),
		ColumnTypingMethod: string(entry.TypingMethod),
		ColumnLookupName:   entry.LookupName,
	}

	if entry.PayloadType != "" {
		if strings.IndexByte(entry.PayloadType, 0) >= 0 {
			return model.Row{}, errors.InvalidArgument("payload type cannot contain NUL", nil).
				WithDetail("partition_key", partitionKey).
				WithDetail("row_key", rowKey)
		}
		columns[ColumnPayloadType] = entry.PayloadType
	}

	if entry.Payload != nil {
		if !utf8.Valid(entry.Payload) {
			return model.Row{}, errors.InvalidArgument("payload is not valid UTF-8", nil).
				WithDetail("partition_key", partitionKey).
				WithDetail("row_key", rowKey)
		}
		// Column values must be storable as JSON text in every backend
		if bytes.IndexByte(entry.Payload, 0) >= 0 {
			return model.Row{}, errors.InvalidArgument("payload cannot contain NUL", nil).
				WithDetail("partition_key", partitionKey).
				WithDetail("row_key", rowKey)
		}
		payload := string(entry.Payload)
		if utf8.RuneCountInString(payload) > c.maxColumnSize {
			for i, chunk := range splitRunes(payload, c.maxColumnSize) {
				columns[payloadColumnName(i)] = chunk
			}
			columns[ColumnIsPayloadSplit] = flagTrue
		} else {
			columns[ColumnPayload] = payload
		}
	}

	return model.Row{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Columns:      columns,
	}, nil
}

// Decode converts a row back into an entry. When expected payload types are
// given, a stored non-empty type outside that set is a PayloadTypeMismatch.
func (c *RowCodec) Decode(row model.Row, expected ...string) (model.LookupEntry, error) {
	locus, err := model.ParseLocus(row.Columns[ColumnLocus])
	if err != nil {
		return model.LookupEntry{}, corruptRow(row, "locus", err)
	}
	method, err := model.ParseTypingMethod(row.Columns[ColumnTypingMethod])
	if err != nil {
		return model.LookupEntry{}, corruptRow(row, "typing method", err)
	}
	lookupName, ok := row.Columns[ColumnLookupName]
	if !ok {
		return model.LookupEntry{}, corruptRow(row, "lookup name", nil)
	}

	entry := model.LookupEntry{
		Locus:        locus,
		TypingMethod: method,
		LookupName:   lookupName,
	}

	payloadType, typed := row.Columns[ColumnPayloadType]
	if !typed || payloadType == "" {
		// Untyped rows carry no payload
		return entry, nil
	}

	if len(expected) > 0 && !contains(expected, payloadType) {
		return model.LookupEntry{}, errors.PayloadTypeMismatch(payloadType, expected).
			WithDetail("partition_key", row.PartitionKey).
			WithDetail("row_key", row.RowKey)
	}
	entry.PayloadType = payloadType

	if row.Columns[ColumnIsPayloadSplit] == flagTrue {
		payload, err := joinSplitPayload(row)
		if err != nil {
			return model.LookupEntry{}, err
		}
		entry.Payload = []byte(payload)
		return entry, nil
	}

	if payload, ok := row.Columns[ColumnPayload]; ok {
		entry.Payload = []byte(payload)
	}
	return entry, nil
}

type payloadChunk struct {
	index int
	value string
}

func joinSplitPayload(row model.Row) (string, error) {
	chunks := make([]payloadChunk, 0, 4)
	for name, value := range row.Columns {
		if name == ColumnPayloadType || !strings.HasPrefix(name, ColumnPayload) {
			continue
		}
		suffix := strings.TrimPrefix(name, ColumnPayload)
		index := 0
		if suffix != "" {
			n, err := strconv.Atoi(suffix)
			if err != nil || n <= 0 {
				continue
			}
			index = n
		}
		chunks = append(chunks, payloadChunk{index: index, value: value})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	var b strings.Builder
	for i, chunk := range chunks {
		if chunk.index != i {
			return "", corruptRow(row, fmt.Sprintf("payload chunk %d missing", i), nil)
		}
		b.WriteString(chunk.value)
	}
	return b.String(), nil
}

func payloadColumnName(index int) string {
	if index == 0 {
		return ColumnPayload
	}
	return ColumnPayload + strconv.Itoa(index)
}

// splitRunes cuts s into chunks of at most max runes
func splitRunes(s string, max int) []string {
	chunks := make([]string, 0, utf8.RuneCountInString(s)/max+1)
	for len(s) > 0 {
		i, n := 0, 0
		for i < len(s) && n < max {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
			n++
		}
		chunks = append(chunks, s[:i])
		s = s[i:]
	}
	return chunks
}

func corruptRow(row model.Row, what string, cause error) *errors.LookupError {
	return errors.InternalError(fmt.Sprintf("corrupt row: bad %s", what), cause).
		WithDetail("partition_key", row.PartitionKey).
		WithDetail("row_key", row.RowKey)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
