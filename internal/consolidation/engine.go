// Package consolidation turns matched-typing records into lookup entries:
// one per serology and allele, plus grouped entries for two-field (NMDP-style)
// and first-field (XX-style) codes.
package consolidation

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/model"
	"go.uber.org/zap"
)

// Combiner folds the members of a group into one payload. Members are sorted
// by name and free of duplicates.
type Combiner func(locus model.Locus, lookupName string, members []model.MatchedTyping) (payloadType string, payload []byte, err error)

// Rules configures consolidation for one dataset
type Rules struct {
	// Dataset is the table-name prefix of the generated tables
	Dataset string

	// KnownPayloadTypes lists the accepted input tags
	KnownPayloadTypes []string

	// OutputPayloadTypes lists every tag the dataset's rows may carry
	OutputPayloadTypes []string

	CombineCoarse   Combiner
	CombineCoarsest Combiner
}

// DatasetSpec returns the dataset description used when decoding rows
func (r Rules) DatasetSpec() model.Dataset {
	return model.Dataset{Prefix: r.Dataset, PayloadTypes: r.OutputPayloadTypes}
}

type ruleKind int

const (
	ruleSerology ruleKind = iota
	ruleSingleAllele
	ruleCoarse
	ruleCoarsest
)

func (k ruleKind) String() string {
	switch k {
	case ruleSerology:
		return "serology"
	case ruleSingleAllele:
		return "single_allele"
	case ruleCoarse:
		return "coarse"
	default:
		return "coarsest"
	}
}

type group struct {
	kind         ruleKind
	locus        model.Locus
	method       model.TypingMethod
	lookupName   string
	partitionKey string
	rowKey       string
	members      []model.MatchedTyping
	kinds        uint8
	merged       bool
}

func (g *group) has(kind ruleKind) bool {
	return g.kinds&(1<<kind) != 0
}

// Stats counts the entries produced per rule
type Stats struct {
	Records       int
	Serology      int
	SingleAllele  int
	Coarse        int
	Coarsest      int
	Collisions    int
	MalformedName int
}

// Engine applies consolidation rules
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a new consolidation engine
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Consolidate converts records into lookup entries sorted by partition and
// row key. The result does not depend on the order of records.
func (e *Engine) Consolidate(ctx context.Context, rules Rules, records []model.MatchedTyping) ([]model.LookupEntry, Stats, error) {
	stats := Stats{Records: len(records)}

	if rules.CombineCoarse == nil || rules.CombineCoarsest == nil {
		return nil, stats, errors.InvalidArgument("rules must define both combiners", nil).
			WithDetail("dataset", rules.Dataset)
	}

	known := make(map[string]struct{}, len(rules.KnownPayloadTypes))
	for _, t := range rules.KnownPayloadTypes {
		known[t] = struct{}{}
	}

	groups := make(map[string]*group)
	add := func(kind ruleKind, record model.MatchedTyping, method model.TypingMethod, name string) error {
		pk, rk, err := keys.EntryKeys(model.LookupEntry{Locus: record.Locus, TypingMethod: method, LookupName: name})
		if err != nil {
			return err
		}
		key := keys.CacheKey(pk, rk)
		g, ok := groups[key]
		if !ok {
			g = &group{
				kind:         kind,
				locus:        record.Locus,
				method:       method,
				lookupName:   name,
				partitionKey: pk,
				rowKey:       rk,
			}
			groups[key] = g
		} else if g.kind != kind {
			g.merged = true
		}
		g.kinds |= 1 << kind
		g.members = append(g.members, record)
		return nil
	}

	for _, raw := range records {
		record, err := normalize(raw, known)
		if err != nil {
			return nil, stats, err
		}

		switch record.Category {
		case model.CategorySerology:
			if err := add(ruleSerology, record, model.TypingMethodSerology, record.Name); err != nil {
				return nil, stats, err
			}

		case model.CategoryAllele:
			if err := add(ruleSingleAllele, record, model.TypingMethodMolecular, record.Name); err != nil {
				return nil, stats, err
			}

			allele, ok := model.ParseAlleleName(record.Name)
			if !ok {
				stats.MalformedName++
				continue
			}
			if allele.FieldCount() > 2 {
				twoField := allele.TwoFieldName()
				if allele.ExpressionSuffix != "" {
					if err := add(ruleCoarse, record, model.TypingMethodMolecular, twoField+allele.ExpressionSuffix); err != nil {
						return nil, stats, err
					}
				}
				if err := add(ruleCoarse, record, model.TypingMethodMolecular, twoField); err != nil {
					return nil, stats, err
				}
			}
			if allele.FieldCount() > 1 {
				if err := add(ruleCoarsest, record, model.TypingMethodMolecular, allele.FirstField()); err != nil {
					return nil, stats, err
				}
			}
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		g.members = sortMembers(g.members)
		if len(g.members) > 1 && (g.kind == ruleSerology || g.kind == ruleSingleAllele) {
			// Distinct records under one exact name
			g.merged = true
		}
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].partitionKey != ordered[j].partitionKey {
			return ordered[i].partitionKey < ordered[j].partitionKey
		}
		return ordered[i].rowKey < ordered[j].rowKey
	})

	entries := make([]model.LookupEntry, 0, len(ordered))
	for _, g := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		entry, err := e.build(rules, g)
		if err != nil {
			return nil, stats, err
		}
		entries = append(entries, entry)

		if g.merged {
			stats.Collisions++
			e.logger.Warn("Merged colliding lookup entries",
				zap.String("dataset", rules.Dataset),
				zap.String("partition_key", g.partitionKey),
				zap.String("row_key", g.rowKey),
				zap.Int("members", len(g.members)))
			continue
		}
		switch g.kind {
		case ruleSerology:
			stats.Serology++
		case ruleSingleAllele:
			stats.SingleAllele++
		case ruleCoarse:
			stats.Coarse++
		case ruleCoarsest:
			stats.Coarsest++
		}
	}

	e.logger.Info("Consolidated matched typings",
		zap.String("dataset", rules.Dataset),
		zap.Int("records", stats.Records),
		zap.Int("entries", len(entries)),
		zap.Int("coarse", stats.Coarse),
		zap.Int("coarsest", stats.Coarsest),
		zap.Int("collisions", stats.Collisions))

	return entries, stats, nil
}

func (e *Engine) build(rules Rules, g *group) (model.LookupEntry, error) {
	entry := model.LookupEntry{
		Locus:        g.locus,
		TypingMethod: g.method,
		LookupName:   g.lookupName,
	}

	var combine Combiner
	switch {
	case g.merged && (g.has(ruleCoarsest) || g.kind == ruleSerology):
		// Only the coarsest combiner accepts serology payloads
		combine = rules.CombineCoarsest
	case g.merged:
		combine = rules.CombineCoarse
	case g.kind == ruleCoarse:
		combine = rules.CombineCoarse
	case g.kind == ruleCoarsest:
		combine = rules.CombineCoarsest
	default:
		member := g.members[0]
		entry.PayloadType = member.PayloadType
		if member.Payload != nil {
			entry.Payload = []byte(member.Payload)
		}
		return entry, nil
	}

	payloadType, payload, err := combine(g.locus, g.lookupName, g.members)
	if err != nil {
		return model.LookupEntry{}, fmt.Errorf("failed to combine %s group %s/%s: %w", g.kind, g.partitionKey, g.rowKey, err)
	}
	entry.PayloadType = payloadType
	entry.Payload = payload
	return entry, nil
}

func normalize(record model.MatchedTyping, known map[string]struct{}) (model.MatchedTyping, error) {
	switch record.Category {
	case model.CategoryAllele, model.CategorySerology:
	default:
		return record, errors.UnknownInputCategory(record.Name, string(record.Category), record.PayloadType)
	}
	if len(known) > 0 {
		if _, ok := known[record.PayloadType]; !ok {
			return record, errors.UnknownInputCategory(record.Name, string(record.Category), record.PayloadType)
		}
	}

	locus, err := model.ParseLocus(string(record.Locus))
	if err != nil {
		return record, errors.InvalidArgument("invalid locus in matched typing", err).
			WithDetail("name", record.Name)
	}
	record.Locus = locus
	if bytes.Equal(bytes.TrimSpace(record.Payload), []byte("null")) {
		record.Payload = nil
	}
	return record, nil
}

// sortMembers orders members by name and drops exact duplicates
func sortMembers(members []model.MatchedTyping) []model.MatchedTyping {
	sort.SliceStable(members, func(i, j int) bool {
		return compareMembers(members[i], members[j]) < 0
	})
	out := members[:0]
	for _, m := range members {
		if len(out) > 0 && compareMembers(out[len(out)-1], m) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

func compareMembers(a, b model.MatchedTyping) int {
	if a.Name != b.Name {
		if a.Name < b.Name {
			return -1
		}
		return 1
	}
	if a.Category != b.Category {
		if a.Category < b.Category {
			return -1
		}
		return 1
	}
	if a.PayloadType != b.PayloadType {
		if a.PayloadType < b.PayloadType {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Payload, b.Payload)
}
