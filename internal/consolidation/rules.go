package consolidation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/model"
)

// Dataset prefixes of the built-in rule sets
const (
	MatchingDataset = "HlaMatchingLookup"
	ScoringDataset  = "HlaScoringLookup"
)

// Payload tags of the built-in rule sets
const (
	PayloadMatchingPGroups                  = "MatchingPGroups"
	PayloadSingleAlleleScoringInfo          = "SingleAlleleScoringInfo"
	PayloadSerologyScoringInfo              = "SerologyScoringInfo"
	PayloadMultipleAlleleScoringInfo        = "MultipleAlleleScoringInfo"
	PayloadConsolidatedMolecularScoringInfo = "ConsolidatedMolecularScoringInfo"
)

// SerologyEntry is a serology an allele or serology matches
type SerologyEntry struct {
	Name            string `json:"name"`
	Subtype         string `json:"subtype,omitempty"`
	IsDirectMapping bool   `json:"isDirectMapping,omitempty"`
}

// SingleAlleleScoringInfo annotates one allele
type SingleAlleleScoringInfo struct {
	AlleleName         string          `json:"alleleName"`
	PGroup             string          `json:"pGroup,omitempty"`
	GGroup             string          `json:"gGroup,omitempty"`
	MatchingSerologies []SerologyEntry `json:"matchingSerologies"`
}

// SerologyScoringInfo annotates one serology
type SerologyScoringInfo struct {
	SerologySubtype    string          `json:"serologySubtype,omitempty"`
	MatchingPGroups    []string        `json:"matchingPGroups"`
	MatchingGGroups    []string        `json:"matchingGGroups"`
	MatchingSerologies []SerologyEntry `json:"matchingSerologies"`
}

// MultipleAlleleScoringInfo is the payload of a two-field code
type MultipleAlleleScoringInfo struct {
	AlleleScoringInfos []SingleAlleleScoringInfo `json:"alleleScoringInfos"`
	MatchingSerologies []SerologyEntry           `json:"matchingSerologies"`
}

// ConsolidatedMolecularScoringInfo is the payload of a first-field code
type ConsolidatedMolecularScoringInfo struct {
	MatchingPGroups    []string        `json:"matchingPGroups"`
	MatchingGGroups    []string        `json:"matchingGGroups"`
	MatchingSerologies []SerologyEntry `json:"matchingSerologies"`
}

// MatchingRules builds the matching lookup, whose payloads are P-group lists
func MatchingRules() Rules {
	return Rules{
		Dataset:            MatchingDataset,
		KnownPayloadTypes:  []string{PayloadMatchingPGroups},
		OutputPayloadTypes: []string{PayloadMatchingPGroups},
		CombineCoarse:      unionPGroups,
		CombineCoarsest:    unionPGroups,
	}
}

// ScoringRules builds the scoring lookup
func ScoringRules() Rules {
	return Rules{
		Dataset:           ScoringDataset,
		KnownPayloadTypes: []string{PayloadSingleAlleleScoringInfo, PayloadSerologyScoringInfo},
		OutputPayloadTypes: []string{
			PayloadSingleAlleleScoringInfo,
			PayloadSerologyScoringInfo,
			PayloadMultipleAlleleScoringInfo,
			PayloadConsolidatedMolecularScoringInfo,
		},
		CombineCoarse:   combineMultipleAllele,
		CombineCoarsest: combineConsolidatedMolecular,
	}
}

// RulesFor returns the built-in rule set of a dataset prefix
func RulesFor(dataset string) (Rules, bool) {
	switch dataset {
	case MatchingDataset:
		return MatchingRules(), true
	case ScoringDataset:
		return ScoringRules(), true
	default:
		return Rules{}, false
	}
}

func unionPGroups(locus model.Locus, lookupName string, members []model.MatchedTyping) (string, []byte, error) {
	set := make(map[string]struct{})
	for _, m := range members {
		if m.PayloadType != PayloadMatchingPGroups {
			return "", nil, errors.UnknownInputCategory(m.Name, string(m.Category), m.PayloadType)
		}
		var groups []string
		if err := decodePayload(m, &groups); err != nil {
			return "", nil, err
		}
		for _, g := range groups {
			set[g] = struct{}{}
		}
	}
	payload, err := json.Marshal(sortedKeys(set))
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode p-groups for %s %s: %w", locus, lookupName, err)
	}
	return PayloadMatchingPGroups, payload, nil
}

func combineMultipleAllele(locus model.Locus, lookupName string, members []model.MatchedTyping) (string, []byte, error) {
	infos := make([]SingleAlleleScoringInfo, 0, len(members))
	serologies := newSerologySet()
	for _, m := range members {
		if m.PayloadType != PayloadSingleAlleleScoringInfo {
			return "", nil, errors.UnknownInputCategory(m.Name, string(m.Category), m.PayloadType)
		}
		var info SingleAlleleScoringInfo
		if err := decodePayload(m, &info); err != nil {
			return "", nil, err
		}
		if info.AlleleName == "" {
			info.AlleleName = m.Name
		}
		serologies.add(info.MatchingSerologies...)
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].AlleleName < infos[j].AlleleName })

	payload, err := json.Marshal(MultipleAlleleScoringInfo{
		AlleleScoringInfos: infos,
		MatchingSerologies: serologies.sorted(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode scoring info for %s %s: %w", locus, lookupName, err)
	}
	return PayloadMultipleAlleleScoringInfo, payload, nil
}

func combineConsolidatedMolecular(locus model.Locus, lookupName string, members []model.MatchedTyping) (string, []byte, error) {
	pGroups := make(map[string]struct{})
	gGroups := make(map[string]struct{})
	serologies := newSerologySet()

	for _, m := range members {
		switch m.PayloadType {
		case PayloadSingleAlleleScoringInfo:
			var info SingleAlleleScoringInfo
			if err := decodePayload(m, &info); err != nil {
				return "", nil, err
			}
			if info.PGroup != "" {
				pGroups[info.PGroup] = struct{}{}
			}
			if info.GGroup != "" {
				gGroups[info.GGroup] = struct{}{}
			}
			serologies.add(info.MatchingSerologies...)

		case PayloadSerologyScoringInfo:
			var info SerologyScoringInfo
			if err := decodePayload(m, &info); err != nil {
				return "", nil, err
			}
			for _, p := range info.MatchingPGroups {
				pGroups[p] = struct{}{}
			}
			for _, g := range info.MatchingGGroups {
				gGroups[g] = struct{}{}
			}
			serologies.add(info.MatchingSerologies...)

		default:
			return "", nil, errors.UnknownInputCategory(m.Name, string(m.Category), m.PayloadType)
		}
	}

	payload, err := json.Marshal(ConsolidatedMolecularScoringInfo{
		MatchingPGroups:    sortedKeys(pGroups),
		MatchingGGroups:    sortedKeys(gGroups),
		MatchingSerologies: serologies.sorted(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode scoring info for %s %s: %w", locus, lookupName, err)
	}
	return PayloadConsolidatedMolecularScoringInfo, payload, nil
}

func decodePayload(m model.MatchedTyping, v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.InvalidArgument(fmt.Sprintf("malformed %s payload", m.PayloadType), err).
			WithDetail("name", m.Name).
			WithDetail("locus", string(m.Locus))
	}
	return nil
}

type serologySet map[SerologyEntry]struct{}

func newSerologySet() serologySet {
	return make(serologySet)
}

func (s serologySet) add(entries ...SerologyEntry) {
	for _, e := range entries {
		s[e] = struct{}{}
	}
}

func (s serologySet) sorted() []SerologyEntry {
	out := make([]SerologyEntry, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Subtype != out[j].Subtype {
			return out[i].Subtype < out[j].Subtype
		}
		return !out[i].IsDirectMapping && out[j].IsDirectMapping
	})
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
