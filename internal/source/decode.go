package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/hlameta/hlameta/internal/model"
	"gopkg.in/yaml.v3"
)

// Record stream formats
const (
	FormatJSONLines = "jsonl"
	FormatYAML      = "yaml"
)

// maxLineSize bounds one JSON line; scoring payloads can be large
const maxLineSize = 16 << 20

// FormatFor picks a format from the location's extension, falling back to def
func FormatFor(location, def string) string {
	switch strings.ToLower(path.Ext(location)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONLines
	default:
		return def
	}
}

// Decode reads every record of r in the given format
func Decode(r io.Reader, format string) ([]model.MatchedTyping, error) {
	switch format {
	case FormatJSONLines:
		return decodeJSONLines(r)
	case FormatYAML:
		return decodeYAML(r)
	default:
		return nil, fmt.Errorf("unsupported record format %q", format)
	}
}

// Load opens location and decodes it
func Load(ctx context.Context, opener Opener, location, format string) ([]model.MatchedTyping, error) {
	rc, err := opener.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	records, err := Decode(rc, FormatFor(location, format))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", location, err)
	}
	return records, nil
}

func decodeJSONLines(r io.Reader) ([]model.MatchedTyping, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var records []model.MatchedTyping
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var record model.MatchedTyping
		if err := json.Unmarshal(text, &record); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

// yamlRecord mirrors MatchedTyping with a structured payload, which is
// re-encoded as JSON
type yamlRecord struct {
	Category    string      `yaml:"category"`
	Locus       string      `yaml:"locus"`
	Name        string      `yaml:"name"`
	PayloadType string      `yaml:"payloadType"`
	Payload     interface{} `yaml:"payload"`
}

func decodeYAML(r io.Reader) ([]model.MatchedTyping, error) {
	var raw []yamlRecord
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	records := make([]model.MatchedTyping, 0, len(raw))
	for i, rec := range raw {
		record := model.MatchedTyping{
			Category:    model.TypingCategory(rec.Category),
			Locus:       model.Locus(rec.Locus),
			Name:        rec.Name,
			PayloadType: rec.PayloadType,
		}
		if rec.Payload != nil {
			payload, err := json.Marshal(rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("record %d: payload is not JSON-representable: %w", i, err)
			}
			record.Payload = payload
		}
		records = append(records, record)
	}
	return records, nil
}
