package consolidation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func scoringAllele(t *testing.T, name string, info SingleAlleleScoringInfo) model.MatchedTyping {
	t.Helper()
	payload, err := json.Marshal(info)
	require.NoError(t, err)
	return model.MatchedTyping{
		Category:    model.CategoryAllele,
		Locus:       model.LocusB,
		Name:        name,
		PayloadType: PayloadSingleAlleleScoringInfo,
		Payload:     payload,
	}
}

func TestScoringRules(t *testing.T) {
	engine := NewEngine(zap.NewNop())

	records := []model.MatchedTyping{
		scoringAllele(t, "07:02:01:02", SingleAlleleScoringInfo{
			AlleleName:         "07:02:01:02",
			PGroup:             "07:02P",
			GGroup:             "07:02:01G",
			MatchingSerologies: []SerologyEntry{{Name: "7", IsDirectMapping: true}},
		}),
		scoringAllele(t, "07:02:01:01", SingleAlleleScoringInfo{
			AlleleName:         "07:02:01:01",
			PGroup:             "07:02P",
			GGroup:             "07:02:01G",
			MatchingSerologies: []SerologyEntry{{Name: "7", IsDirectMapping: true}, {Name: "703"}},
		}),
		scoringAllele(t, "07:05:01", SingleAlleleScoringInfo{
			AlleleName: "07:05:01",
			PGroup:     "07:05P",
			GGroup:     "07:05:01G",
		}),
	}

	entries, _, err := engine.Consolidate(context.Background(), ScoringRules(), records)
	require.NoError(t, err)

	coarse := findEntry(t, entries, model.LocusB, model.TypingMethodMolecular, "07:02")
	require.Equal(t, PayloadMultipleAlleleScoringInfo, coarse.PayloadType)
	var multiple MultipleAlleleScoringInfo
	require.NoError(t, json.Unmarshal(coarse.Payload, &multiple))
	require.Len(t, multiple.AlleleScoringInfos, 2)
	assert.Equal(t, "07:02:01:01", multiple.AlleleScoringInfos[0].AlleleName)
	assert.Equal(t, "07:02:01:02", multiple.AlleleScoringInfos[1].AlleleName)
	assert.Equal(t, []SerologyEntry{{Name: "7", IsDirectMapping: true}, {Name: "703"}}, multiple.MatchingSerologies)

	coarsest := findEntry(t, entries, model.LocusB, model.TypingMethodMolecular, "07")
	require.Equal(t, PayloadConsolidatedMolecularScoringInfo, coarsest.PayloadType)
	var consolidated ConsolidatedMolecularScoringInfo
	require.NoError(t, json.Unmarshal(coarsest.Payload, &consolidated))
	assert.Equal(t, []string{"07:02P", "07:05P"}, consolidated.MatchingPGroups)
	assert.Equal(t, []string{"07:02:01G", "07:05:01G"}, consolidated.MatchingGGroups)

	single := findEntry(t, entries, model.LocusB, model.TypingMethodMolecular, "07:05:01")
	assert.Equal(t, PayloadSingleAlleleScoringInfo, single.PayloadType)
}

func TestScoringRules_SerologyPayloadInCoarseGroup(t *testing.T) {
	engine := NewEngine(zap.NewNop())

	payload, err := json.Marshal(SerologyScoringInfo{MatchingPGroups: []string{"07:02P"}})
	require.NoError(t, err)

	_, _, err = engine.Consolidate(context.Background(), ScoringRules(), []model.MatchedTyping{{
		Category:    model.CategoryAllele,
		Locus:       model.LocusB,
		Name:        "07:02:01",
		PayloadType: PayloadSerologyScoringInfo,
		Payload:     payload,
	}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownInputCategory))
}

func TestScoringRules_TwoFieldAlleleCollidesWithCoarseCode(t *testing.T) {
	engine := NewEngine(zap.NewNop())

	entries, stats, err := engine.Consolidate(context.Background(), ScoringRules(), []model.MatchedTyping{
		scoringAllele(t, "07:02", SingleAlleleScoringInfo{AlleleName: "07:02", PGroup: "07:02P"}),
		scoringAllele(t, "07:02:01", SingleAlleleScoringInfo{AlleleName: "07:02:01", PGroup: "07:02P"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Collisions)

	e := findEntry(t, entries, model.LocusB, model.TypingMethodMolecular, "07:02")
	require.Equal(t, PayloadMultipleAlleleScoringInfo, e.PayloadType)
	var multiple MultipleAlleleScoringInfo
	require.NoError(t, json.Unmarshal(e.Payload, &multiple))
	require.Len(t, multiple.AlleleScoringInfos, 2)
	assert.Equal(t, "07:02", multiple.AlleleScoringInfos[0].AlleleName)
	assert.Equal(t, "07:02:01", multiple.AlleleScoringInfos[1].AlleleName)

	coarsest := findEntry(t, entries, model.LocusB, model.TypingMethodMolecular, "07")
	assert.Equal(t, PayloadConsolidatedMolecularScoringInfo, coarsest.PayloadType)
}

func TestScoringRules_DuplicateSerology(t *testing.T) {
	engine := NewEngine(zap.NewNop())

	record := func(pGroup string) model.MatchedTyping {
		payload, err := json.Marshal(SerologyScoringInfo{MatchingPGroups: []string{pGroup}})
		require.NoError(t, err)
		return model.MatchedTyping{
			Category:    model.CategorySerology,
			Locus:       model.LocusB,
			Name:        "7",
			PayloadType: PayloadSerologyScoringInfo,
			Payload:     payload,
		}
	}

	entries, stats, err := engine.Consolidate(context.Background(), ScoringRules(), []model.MatchedTyping{
		record("07:02P"),
		record("07:05P"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Collisions)

	e := findEntry(t, entries, model.LocusB, model.TypingMethodSerology, "7")
	require.Equal(t, PayloadConsolidatedMolecularScoringInfo, e.PayloadType)
	var consolidated ConsolidatedMolecularScoringInfo
	require.NoError(t, json.Unmarshal(e.Payload, &consolidated))
	assert.Equal(t, []string{"07:02P", "07:05P"}, consolidated.MatchingPGroups)
}

func TestRulesFor(t *testing.T) {
	rules, ok := RulesFor(ScoringDataset)
	require.True(t, ok)
	assert.Equal(t, ScoringDataset, rules.DatasetSpec().Prefix)
	assert.Contains(t, rules.DatasetSpec().PayloadTypes, PayloadMultipleAlleleScoringInfo)

	_, ok = RulesFor("HlaUnknownLookup")
	assert.False(t, ok)
}
