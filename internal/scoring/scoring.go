package scoring

import (
	"sort"
	"strings"

	"github.com/smart-pokhara/backend/internal/models"
)

type WorkloadStatus string

const (
	WorkloadAvailable  WorkloadStatus = "available"
	WorkloadBusy       WorkloadStatus = "busy"
	WorkloadOverloaded WorkloadStatus = "overloaded"
)

const (
	ReasonNoCandidates        = "NO_CANDIDATES"
	ReasonAllOverloaded       = "ALL_OVERLOADED"
	ReasonPerformanceBelowMin = "PERFORMANCE_BELOW_MIN"
	ReasonOutOfRange          = "OUT_OF_RANGE"
)

// Item is the part of a complaint the scorer looks at.
type Item struct {
	ID       string
	Priority models.Priority
	Category string
}

// Candidate is a staff snapshot plus its distance to the item. DistanceKm is
// ignored when DistanceKnown is false.
type Candidate struct {
	models.Staff
	DistanceKm    float64 `json:"distance_km"`
	DistanceKnown bool    `json:"distance_known"`
}

type Breakdown struct {
	Distance       float64 `json:"distance"`
	Workload       float64 `json:"workload"`
	Performance    float64 `json:"performance"`
	Specialization float64 `json:"specialization"`
}

type Ranked struct {
	Candidate
	Score     float64        `json:"score"`
	Breakdown Breakdown      `json:"breakdown"`
	Workload  WorkloadStatus `json:"workload_status"`
}

type Stage struct {
	Name       string
	Candidates []Candidate
}

type Result struct {
	Ranked     []Ranked
	Stages     []Stage
	ReasonCode string
	ReasonText string
}

// Empty reports whether no candidate survived eligibility.
func (r Result) Empty() bool {
	return len(r.Ranked) == 0
}

// Eligible returns every candidate that passed all rules, before the batch
// cut. It is empty when ranking stopped early.
func (r Result) Eligible() []Candidate {
	if r.ReasonCode != "" || len(r.Stages) == 0 {
		return nil
	}
	return r.Stages[len(r.Stages)-1].Candidates
}

// StageCount returns how many candidates were left after the named stage.
func (r Result) StageCount(name string) int {
	for _, s := range r.Stages {
		if s.Name == name {
			return len(s.Candidates)
		}
	}
	return 0
}

// ClassifyWorkload buckets current/capacity. A non-positive capacity means the
// worker cannot take anything and is overloaded.
func (r Rules) ClassifyWorkload(current, capacity int) WorkloadStatus {
	if capacity <= 0 {
		return WorkloadOverloaded
	}
	ratio := float64(current) / float64(capacity)
	switch {
	case ratio < r.Workload.Available:
		return WorkloadAvailable
	case ratio < r.Workload.Busy:
		return WorkloadBusy
	default:
		return WorkloadOverloaded
	}
}

// Rank filters candidates through the eligibility rules, scores the
// survivors and returns at most BatchSize of them, best first. The input
// slice is not modified.
func Rank(rules Rules, item Item, candidates []Candidate) Result {
	result := Result{}
	result.Stages = append(result.Stages, Stage{Name: "pool", Candidates: candidates})
	if len(candidates) == 0 {
		result.ReasonCode = ReasonNoCandidates
		result.ReasonText = "No staff available to score"
		return result
	}

	afterCapacity := filterCandidates(candidates, func(c Candidate) bool {
		return rules.ClassifyWorkload(c.CurrentWorkload, c.MaxCapacity) != WorkloadOverloaded
	})
	result.Stages = append(result.Stages, Stage{Name: "capacity_rule", Candidates: afterCapacity})
	if len(afterCapacity) == 0 {
		result.ReasonCode = ReasonAllOverloaded
		result.ReasonText = "Every candidate is at or above the busy threshold"
		return result
	}

	afterPerformance := filterCandidates(afterCapacity, func(c Candidate) bool {
		return c.PerformanceScore >= rules.MinPerformanceScore
	})
	result.Stages = append(result.Stages, Stage{Name: "performance_rule", Candidates: afterPerformance})
	if len(afterPerformance) == 0 {
		result.ReasonCode = ReasonPerformanceBelowMin
		result.ReasonText = "No candidate meets the minimum performance score"
		return result
	}

	afterDistance := filterCandidates(afterPerformance, func(c Candidate) bool {
		return !c.DistanceKnown || c.DistanceKm <= rules.MaxDistanceKm
	})
	result.Stages = append(result.Stages, Stage{Name: "distance_rule", Candidates: afterDistance})
	if len(afterDistance) == 0 {
		result.ReasonCode = ReasonOutOfRange
		result.ReasonText = "No candidate within the maximum distance"
		return result
	}

	ranked := make([]Ranked, 0, len(afterDistance))
	for _, c := range afterDistance {
		ranked = append(ranked, score(rules, item, c))
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].CurrentWorkload != ranked[j].CurrentWorkload {
			return ranked[i].CurrentWorkload < ranked[j].CurrentWorkload
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > rules.BatchSize {
		ranked = ranked[:rules.BatchSize]
	}
	result.Ranked = ranked
	return result
}

func score(rules Rules, item Item, c Candidate) Ranked {
	b := Breakdown{
		Distance:       rules.UnknownDistanceScore,
		Workload:       clamp01(1 - float64(c.CurrentWorkload)/float64(c.MaxCapacity)),
		Performance:    clamp01(c.PerformanceScore / 100),
		Specialization: rules.SpecializationFallback,
	}
	if c.DistanceKnown {
		b.Distance = clamp01(1 - c.DistanceKm/rules.MaxDistanceKm)
	}
	if hasSpecialization(c.Specializations, item.Category) {
		b.Specialization = 1.0
	}

	w := rules.Weights
	total := w.Distance*b.Distance + w.Workload*b.Workload + w.Performance*b.Performance + w.Specialization*b.Specialization
	return Ranked{
		Candidate: c,
		Score:     clamp01(total),
		Breakdown: b,
		Workload:  rules.ClassifyWorkload(c.CurrentWorkload, c.MaxCapacity),
	}
}

func hasSpecialization(tags []string, category string) bool {
	category = strings.TrimSpace(category)
	if category == "" {
		return false
	}
	for _, t := range tags {
		if strings.EqualFold(strings.TrimSpace(t), category) {
			return true
		}
	}
	return false
}

func filterCandidates(candidates []Candidate, keep func(Candidate) bool) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
