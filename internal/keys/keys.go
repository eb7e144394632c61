// Package keys maps lookup identities to partitioned-table keys and
// (dataset, version) pairs to physical table names.
package keys

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/model"
)

const (
	// Table name limits of the partitioned store
	MinTableNameLength = 3
	MaxTableNameLength = 63

	// MaxKeySize bounds partition and row keys
	MaxKeySize = 1024

	rowKeySeparator      = "-"
	generationTimeLayout = "20060102150405"
	generationRandomLen  = 8
)

// forbiddenKeyChars are rejected by the partitioned store in key columns
const forbiddenKeyChars = `/\#?`

// PartitionKey returns the partition key for a locus
func PartitionKey(locus model.Locus) string {
	return string(locus)
}

// RowKey returns the row key for a lookup name and typing method
func RowKey(lookupName string, method model.TypingMethod) string {
	return lookupName + rowKeySeparator + string(method)
}

// EntryKeys returns both keys of an entry after validating the lookup name
func EntryKeys(entry model.LookupEntry) (partitionKey, rowKey string, err error) {
	if _, err := model.ParseLocus(string(entry.Locus)); err != nil {
		return "", "", errors.InvalidArgument("invalid locus", err).
			WithDetail("locus", string(entry.Locus))
	}
	if _, err := model.ParseTypingMethod(string(entry.TypingMethod)); err != nil {
		return "", "", errors.InvalidArgument("invalid typing method", err).
			WithDetail("typing_method", string(entry.TypingMethod))
	}
	if err := ValidateLookupName(entry.LookupName); err != nil {
		return "", "", err
	}
	return PartitionKey(entry.Locus), RowKey(entry.LookupName, entry.TypingMethod), nil
}

// ParseRowKey splits a row key back into lookup name and typing method
func ParseRowKey(rowKey string) (string, model.TypingMethod, error) {
	i := strings.LastIndex(rowKey, rowKeySeparator)
	if i <= 0 {
		return "", "", errors.InvalidArgument(fmt.Sprintf("malformed row key %q", rowKey), nil)
	}
	method, err := model.ParseTypingMethod(rowKey[i+1:])
	if err != nil {
		return "", "", errors.InvalidArgument(fmt.Sprintf("malformed row key %q", rowKey), err)
	}
	return rowKey[:i], method, nil
}

// CacheKey joins partition and row key into the in-memory map key
func CacheKey(partitionKey, rowKey string) string {
	return partitionKey + "\x00" + rowKey
}

// ValidateLookupName checks a lookup name can be stored in a row key
func ValidateLookupName(name string) error {
	if name == "" {
		return errors.InvalidArgument("lookup name cannot be empty", nil)
	}
	if len(name) > MaxKeySize {
		return errors.InvalidArgument(fmt.Sprintf("lookup name exceeds maximum size of %d bytes", MaxKeySize), nil).
			WithDetail("size", len(name))
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("lookup name cannot contain control characters", nil).
				WithDetail("lookup_name", name)
		}
		if strings.ContainsRune(forbiddenKeyChars, r) {
			return errors.InvalidArgument(fmt.Sprintf("lookup name cannot contain %q", r), nil).
				WithDetail("lookup_name", name)
		}
	}
	return nil
}

// TableName builds the physical table name of one recreation attempt
func TableName(datasetPrefix, version, generationSuffix string) (string, error) {
	name := alphanumeric(datasetPrefix) + alphanumeric(version) + alphanumeric(generationSuffix)
	if err := ValidateTableName(name); err != nil {
		return "", err
	}
	return name, nil
}

// TablePrefix returns the common prefix of every table of a dataset version.
// An empty version yields the dataset-wide prefix.
func TablePrefix(datasetPrefix, version string) string {
	return alphanumeric(datasetPrefix) + alphanumeric(version)
}

// GenerationSuffix returns a suffix unique per recreation attempt
func GenerationSuffix(now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")
	return now.UTC().Format(generationTimeLayout) + random[:generationRandomLen]
}

// GenerationTime extracts the creation time from a table name built by
// TableName with a GenerationSuffix.
func GenerationTime(tableName string) (time.Time, bool) {
	n := len(tableName) - generationRandomLen - len(generationTimeLayout)
	if n < 0 {
		return time.Time{}, false
	}
	t, err := time.Parse(generationTimeLayout, tableName[n:n+len(generationTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ValidateTableName checks the partitioned store's table naming rules
func ValidateTableName(name string) error {
	if len(name) < MinTableNameLength || len(name) > MaxTableNameLength {
		return errors.InvalidArgument(
			fmt.Sprintf("table name %q must be %d-%d characters", name, MinTableNameLength, MaxTableNameLength), nil)
	}
	if !isASCIILetter(rune(name[0])) {
		return errors.InvalidArgument(fmt.Sprintf("table name %q must start with a letter", name), nil)
	}
	for _, r := range name {
		if !isASCIILetter(r) && !isASCIIDigit(r) {
			return errors.InvalidArgument(fmt.Sprintf("table name %q must be alphanumeric", name), nil)
		}
	}
	return nil
}

func alphanumeric(s string) string {
	return strings.Map(func(r rune) rune {
		if isASCIILetter(r) || isASCIIDigit(r) {
			return r
		}
		return -1
	}, s)
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isASCIIDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
