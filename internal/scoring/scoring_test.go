package scoring

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-pokhara/backend/internal/models"
)

func candidate(id string, workload, capacity int, perf, dist float64, tags ...string) Candidate {
	return Candidate{
		Staff: models.Staff{
			ID:               id,
			CurrentWorkload:  workload,
			MaxCapacity:      capacity,
			PerformanceScore: perf,
			Specializations:  tags,
			Active:           true,
		},
		DistanceKm:    dist,
		DistanceKnown: true,
	}
}

func rankedIDs(r Result) []string {
	ids := make([]string, 0, len(r.Ranked))
	for _, c := range r.Ranked {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestDefaultRulesValid(t *testing.T) {
	rules := DefaultRules()
	require.NoError(t, rules.Validate())
	assert.InDelta(t, 1.0, rules.Weights.Sum(), 1e-12)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	rules := DefaultRules()
	rules.Weights.Workload = 0.5
	assert.Error(t, rules.Validate())

	rules = DefaultRules()
	rules.Workload.Busy = 0.6
	assert.Error(t, rules.Validate())

	rules = DefaultRules()
	rules.Workload.Busy = 1.2
	assert.Error(t, rules.Validate())

	rules = DefaultRules()
	rules.BatchSize = 0
	assert.Error(t, rules.Validate())
}

func TestClassifyWorkload(t *testing.T) {
	rules := DefaultRules()
	cases := []struct {
		current, capacity int
		want              WorkloadStatus
	}{
		{0, 10, WorkloadAvailable},
		{6, 10, WorkloadAvailable},
		{7, 10, WorkloadBusy},
		{8, 10, WorkloadBusy},
		{9, 10, WorkloadOverloaded},
		{10, 10, WorkloadOverloaded},
		{12, 10, WorkloadOverloaded},
		{0, 0, WorkloadOverloaded},
	}
	for _, tc := range cases {
		got := rules.ClassifyWorkload(tc.current, tc.capacity)
		assert.Equal(t, tc.want, got, "workload %d/%d", tc.current, tc.capacity)
	}
}

func TestRankExcludesIneligible(t *testing.T) {
	rules := DefaultRules()
	pool := []Candidate{
		candidate("ok", 1, 10, 80, 5),
		candidate("boundary-busy", 9, 10, 95, 1),
		candidate("full", 10, 10, 95, 1),
		candidate("weak", 0, 10, 59.9, 1),
		candidate("far", 0, 10, 95, 50.1),
		candidate("edge-distance", 0, 10, 60, 50),
	}

	res := Rank(rules, Item{ID: "c1", Category: "roads"}, pool)
	require.False(t, res.Empty())
	assert.ElementsMatch(t, []string{"ok", "edge-distance"}, rankedIDs(res))
	assert.Empty(t, res.ReasonCode)
	require.Len(t, res.Stages, 4)
	assert.Equal(t, "distance_rule", res.Stages[3].Name)
}

func TestRankWeightedScore(t *testing.T) {
	rules := DefaultRules()
	c := candidate("s1", 2, 10, 90, 10, "Roads")

	res := Rank(rules, Item{Category: "roads"}, []Candidate{c})
	require.Len(t, res.Ranked, 1)
	got := res.Ranked[0]

	want := 0.15*(1-10.0/50) + 0.35*(1-2.0/10) + 0.30*0.9 + 0.20*1.0
	assert.InDelta(t, want, got.Score, 1e-12)
	assert.Equal(t, 1.0, got.Breakdown.Specialization)
	assert.Equal(t, WorkloadAvailable, got.Workload)
}

func TestRankSpecializationFallback(t *testing.T) {
	rules := DefaultRules()
	res := Rank(rules, Item{Category: "water"}, []Candidate{candidate("s1", 0, 10, 100, 0, "roads")})
	require.Len(t, res.Ranked, 1)
	assert.Equal(t, rules.SpecializationFallback, res.Ranked[0].Breakdown.Specialization)
	assert.InDelta(t, 0.15+0.35+0.30+0.20*0.5, res.Ranked[0].Score, 1e-12)
}

func TestRankUnknownDistanceKept(t *testing.T) {
	rules := DefaultRules()
	c := candidate("s1", 0, 10, 80, 0)
	c.DistanceKnown = false
	c.DistanceKm = 500

	res := Rank(rules, Item{}, []Candidate{c})
	require.Len(t, res.Ranked, 1)
	assert.Equal(t, rules.UnknownDistanceScore, res.Ranked[0].Breakdown.Distance)
}

func TestRankTieBreak(t *testing.T) {
	rules := DefaultRules()
	pool := []Candidate{
		candidate("c", 1, 10, 80, 10),
		candidate("a", 1, 10, 80, 10),
		candidate("b", 1, 10, 80, 10),
	}
	res := Rank(rules, Item{}, pool)
	assert.Equal(t, []string{"a", "b", "c"}, rankedIDs(res))
	assert.Equal(t, "c", pool[0].ID, "input must not be reordered")
}

func TestRankTieBreakPrefersLowerWorkload(t *testing.T) {
	rules := DefaultRules()
	rules.Weights = Weights{Distance: 0, Workload: 0, Performance: 1, Specialization: 0}
	pool := []Candidate{
		candidate("a", 5, 10, 80, 10),
		candidate("b", 2, 10, 80, 10),
	}
	res := Rank(rules, Item{}, pool)
	assert.Equal(t, []string{"b", "a"}, rankedIDs(res))
}

func TestRankBatchSize(t *testing.T) {
	rules := DefaultRules()
	var pool []Candidate
	for i := 0; i < 12; i++ {
		pool = append(pool, candidate(fmt.Sprintf("s%02d", i), i%5, 10, 60+float64(i), float64(i)))
	}
	res := Rank(rules, Item{}, pool)
	assert.Len(t, res.Ranked, rules.BatchSize)
	for i := 1; i < len(res.Ranked); i++ {
		assert.GreaterOrEqual(t, res.Ranked[i-1].Score, res.Ranked[i].Score)
	}
}

func TestRankEmptyReasons(t *testing.T) {
	rules := DefaultRules()

	res := Rank(rules, Item{}, nil)
	assert.True(t, res.Empty())
	assert.Equal(t, ReasonNoCandidates, res.ReasonCode)

	res = Rank(rules, Item{}, []Candidate{candidate("s", 10, 10, 90, 1)})
	assert.Equal(t, ReasonAllOverloaded, res.ReasonCode)

	res = Rank(rules, Item{}, []Candidate{candidate("s", 1, 10, 10, 1)})
	assert.Equal(t, ReasonPerformanceBelowMin, res.ReasonCode)

	res = Rank(rules, Item{}, []Candidate{candidate("s", 1, 10, 90, 70)})
	assert.Equal(t, ReasonOutOfRange, res.ReasonCode)
	assert.Empty(t, res.Ranked)
}

func TestResultEligibleAndStageCounts(t *testing.T) {
	pool := []Candidate{
		candidate("a", 1, 10, 90, 5),
		candidate("b", 9, 10, 90, 5),
		candidate("c", 1, 10, 40, 5),
		candidate("d", 1, 10, 90, 80),
	}
	res := Rank(DefaultRules(), Item{Category: "roads"}, pool)

	assert.Equal(t, 4, res.StageCount("pool"))
	assert.Equal(t, 3, res.StageCount("capacity_rule"))
	assert.Equal(t, 2, res.StageCount("performance_rule"))
	assert.Equal(t, 1, res.StageCount("distance_rule"))
	require.Len(t, res.Eligible(), 1)
	assert.Equal(t, "a", res.Eligible()[0].ID)

	empty := Rank(DefaultRules(), Item{}, pool[1:2])
	assert.Nil(t, empty.Eligible())
}

func TestRankScoresBoundedAndIdempotent(t *testing.T) {
	rules := DefaultRules()
	var pool []Candidate
	for i := 0; i < 40; i++ {
		pool = append(pool, candidate(
			fmt.Sprintf("s%02d", i),
			i%9, 10,
			math.Mod(float64(i*37), 120),
			math.Mod(float64(i*13), 60),
			[]string{"roads", "water", "waste"}[i%3],
		))
	}
	item := Item{ID: "c1", Category: "water"}

	first := Rank(rules, item, pool)
	second := Rank(rules, item, pool)
	assert.Equal(t, rankedIDs(first), rankedIDs(second))

	for _, r := range first.Ranked {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		assert.GreaterOrEqual(t, r.PerformanceScore, rules.MinPerformanceScore)
		assert.LessOrEqual(t, r.DistanceKm, rules.MaxDistanceKm)
		assert.NotEqual(t, WorkloadOverloaded, r.Workload)
	}
}
