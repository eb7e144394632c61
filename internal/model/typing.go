package model

import (
	"encoding/json"
	"strings"
)

// TypingCategory tags a matched-typing record
type TypingCategory string

const (
	CategoryAllele   TypingCategory = "Allele"
	CategorySerology TypingCategory = "Serology"
)

// MatchedTyping is one raw input record for consolidation
type MatchedTyping struct {
	Category    TypingCategory  `json:"category"`
	Locus       Locus           `json:"locus"`
	Name        string          `json:"name"`
	PayloadType string          `json:"payloadType"`
	Payload     json.RawMessage `json:"payload"`
}

const expressionSuffixes = "NLSCAQ"

// AlleleName is the parsed field structure of an allele name
type AlleleName struct {
	Name             string
	Fields           []string
	ExpressionSuffix string
	Delimiter        string
}

// ParseAlleleName splits an allele name such as "01:01:01:02N" into fields.
// It returns false for names that cannot be split (empty fields, non-digit fields).
func ParseAlleleName(name string) (AlleleName, bool) {
	body := strings.TrimSpace(name)
	if i := strings.LastIndex(body, "*"); i >= 0 {
		body = body[i+1:]
	}

	var suffix string
	if n := len(body); n > 1 && strings.IndexByte(expressionSuffixes, body[n-1]) >= 0 {
		suffix = body[n-1:]
		body = body[:n-1]
	}
	if body == "" {
		return AlleleName{}, false
	}

	delimiter := ":"
	if !strings.Contains(body, ":") && strings.Contains(body, ".") {
		delimiter = "."
	}

	fields := strings.Split(body, delimiter)
	for _, f := range fields {
		if f == "" || !isDigits(f) {
			return AlleleName{}, false
		}
	}

	return AlleleName{
		Name:             name,
		Fields:           fields,
		ExpressionSuffix: suffix,
		Delimiter:        delimiter,
	}, true
}

// FieldCount returns the number of fields
func (a AlleleName) FieldCount() int {
	return len(a.Fields)
}

// TwoFieldName returns the first two fields joined by the name's delimiter
func (a AlleleName) TwoFieldName() string {
	if len(a.Fields) < 2 {
		return ""
	}
	return a.Fields[0] + a.Delimiter + a.Fields[1]
}

// FirstField returns the allele family field
func (a AlleleName) FirstField() string {
	if len(a.Fields) == 0 {
		return ""
	}
	return a.Fields[0]
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
