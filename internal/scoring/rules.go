package scoring

import (
	"fmt"
	"math"

	"github.com/smart-pokhara/backend/internal/models"
)

// Weights are the coefficients of the weighted sum. They must add up to 1.
type Weights struct {
	Distance       float64 `json:"distance"`
	Workload       float64 `json:"workload"`
	Performance    float64 `json:"performance"`
	Specialization float64 `json:"specialization"`
}

func (w Weights) Sum() float64 {
	return w.Distance + w.Workload + w.Performance + w.Specialization
}

// WorkloadThresholds split the current/capacity ratio into bands. A ratio at
// or above Busy is overloaded.
type WorkloadThresholds struct {
	Available float64 `json:"available"`
	Busy      float64 `json:"busy"`
}

// Rules is the immutable auto-assignment configuration. Build it once at
// startup and pass it by value.
type Rules struct {
	Weights                Weights                 `json:"weights"`
	Workload               WorkloadThresholds      `json:"workload"`
	MinPerformanceScore    float64                 `json:"min_performance_score"`
	MaxDistanceKm          float64                 `json:"max_distance_km"`
	SpecializationFallback float64                 `json:"specialization_fallback"`
	UnknownDistanceScore   float64                 `json:"unknown_distance_score"`
	BatchSize              int                     `json:"batch_size"`
	PriorityWeights        map[models.Priority]int `json:"priority_weights"`
}

func DefaultRules() Rules {
	return Rules{
		Weights: Weights{
			Distance:       0.15,
			Workload:       0.35,
			Performance:    0.30,
			Specialization: 0.20,
		},
		Workload: WorkloadThresholds{
			Available: 0.7,
			Busy:      0.9,
		},
		MinPerformanceScore:    60,
		MaxDistanceKm:          50,
		SpecializationFallback: 0.5,
		UnknownDistanceScore:   0.5,
		BatchSize:              5,
		PriorityWeights: map[models.Priority]int{
			models.PriorityEmergency: 4,
			models.PriorityHigh:      3,
			models.PriorityMedium:    2,
			models.PriorityLow:       1,
		},
	}
}

const weightTolerance = 1e-9

func (r Rules) Validate() error {
	w := r.Weights
	for name, v := range map[string]float64{
		"distance":       w.Distance,
		"workload":       w.Workload,
		"performance":    w.Performance,
		"specialization": w.Specialization,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("weight %s out of range: %v", name, v)
		}
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %v", w.Sum())
	}
	t := r.Workload
	if !(t.Available > 0 && t.Available < t.Busy && t.Busy <= 1) {
		return fmt.Errorf("workload thresholds not monotonic: %+v", t)
	}
	if r.MinPerformanceScore < 0 || r.MinPerformanceScore > 100 {
		return fmt.Errorf("min performance score out of range: %v", r.MinPerformanceScore)
	}
	if r.MaxDistanceKm <= 0 {
		return fmt.Errorf("max distance must be positive: %v", r.MaxDistanceKm)
	}
	if r.SpecializationFallback < 0 || r.SpecializationFallback > 1 {
		return fmt.Errorf("specialization fallback out of range: %v", r.SpecializationFallback)
	}
	if r.UnknownDistanceScore < 0 || r.UnknownDistanceScore > 1 {
		return fmt.Errorf("unknown distance score out of range: %v", r.UnknownDistanceScore)
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive: %d", r.BatchSize)
	}
	return nil
}

// PriorityWeight orders complaints for assignment; unknown priorities sort last.
func (r Rules) PriorityWeight(p models.Priority) int {
	return r.PriorityWeights[p]
}
