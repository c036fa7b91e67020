package model

import "time"

// ScoreConfidence buckets a factor's trace count.
type ScoreConfidence string

const (
	ConfidenceInsufficient ScoreConfidence = "insufficient" // < 10 traces
	ConfidenceLow          ScoreConfidence = "low"          // 10–29
	ConfidenceMedium       ScoreConfidence = "medium"       // 30–99
	ConfidenceHigh         ScoreConfidence = "high"         // >= 100
)

// ConfidenceForCount maps a trace count to its confidence bucket.
func ConfidenceForCount(n int) ScoreConfidence {
	switch {
	case n < 10:
		return ConfidenceInsufficient
	case n < 30:
		return ConfidenceLow
	case n < 100:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// ScoreCategory buckets a composite capacity score.
type ScoreCategory string

const (
	CategoryHighFragility ScoreCategory = "high_fragility" // < 0.3
	CategoryModerate      ScoreCategory = "moderate"       // 0.3–0.6
	CategoryHealthy       ScoreCategory = "healthy"        // 0.6–0.85
	CategoryHighCapacity  ScoreCategory = "high_capacity"  // >= 0.85
)

// CategoryForScore maps a composite score to its category.
func CategoryForScore(s float64) ScoreCategory {
	switch {
	case s < 0.3:
		return CategoryHighFragility
	case s < 0.6:
		return CategoryModerate
	case s < 0.85:
		return CategoryHealthy
	default:
		return CategoryHighCapacity
	}
}

// FactorScore is one of the five capacity factors with its components.
type FactorScore struct {
	Name       string             `json:"name"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
	TraceCount int                `json:"trace_count"`
	Confidence ScoreConfidence    `json:"confidence"`
	Notes      string             `json:"notes,omitempty"`
}

// CapacityScore is a per-agent composite over a sliding window. Derived,
// recomputed on demand; not a source of truth.
type CapacityScore struct {
	AgentName       string        `json:"agent_name"`
	WindowStart     time.Time     `json:"window_start"`
	WindowEnd       time.Time     `json:"window_end"`
	TotalTraces     int           `json:"total_traces"`
	NonExemptTraces int           `json:"non_exempt_traces"`
	CoreIdentity    FactorScore   `json:"core_identity"`
	Integrity       FactorScore   `json:"integrity"`
	Resilience      FactorScore   `json:"resilience"`
	Incompleteness  FactorScore   `json:"incompleteness_awareness"`
	Sustained       FactorScore   `json:"sustained_coherence"`
	CompositeScore  float64       `json:"composite_score"`
	FragilityIndex  float64       `json:"fragility_index"`
	Category        ScoreCategory `json:"category"`
	ComputedAt      time.Time     `json:"computed_at"`
}

// WeakestFactor names the lowest of the five factors.
func (s CapacityScore) WeakestFactor() string {
	weakest, low := "C", s.CoreIdentity.Score
	for _, f := range []struct {
		name  string
		score float64
	}{
		{"I_int", s.Integrity.Score},
		{"R", s.Resilience.Score},
		{"I_inc", s.Incompleteness.Score},
		{"S", s.Sustained.Score},
	} {
		if f.score < low {
			weakest, low = f.name, f.score
		}
	}
	return weakest
}
