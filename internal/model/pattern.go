package model

import "time"

// PatternType identifies which decision parameter a pattern describes.
type PatternType string

const (
	PatternTaskCount      PatternType = "task_count"
	PatternSprintDuration PatternType = "sprint_duration"
)

// Pattern is a type-value-confidence triple extracted from episodes,
// Chronicle analytics, or a weighted fusion of both. Weights record each
// source's share in the fused value; EvidenceCount is the total number of
// observations behind it.
type Pattern struct {
	Type            PatternType    `json:"type"`
	Value           float64        `json:"value"`
	SuccessRate     float64        `json:"success_rate"`
	Confidence      float64        `json:"confidence"`
	EpisodeWeight   float64        `json:"episode_weight"`
	ChronicleWeight float64        `json:"chronicle_weight"`
	EvidenceCount   int            `json:"evidence_count"`
	Sources         map[string]int `json:"sources,omitempty"`
}

// Recommendation is a pattern value surfaced to the decision engine.
type Recommendation struct {
	Type       PatternType `json:"type"`
	Value      float64     `json:"value"`
	Confidence float64     `json:"confidence"`
	Rationale  string      `json:"rationale"`
}

// DecisionContext is the transient bundle of information derived from
// similar past episodes for a single engine invocation.
type DecisionContext struct {
	EpisodesFound   int              `json:"episodes_found"`
	EpisodesUsed    int              `json:"episodes_used"`
	AvgSimilarity   float64          `json:"avg_similarity"`
	Patterns        []Pattern        `json:"patterns,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Confidence      float64          `json:"confidence"`
	KeyInsights     []string         `json:"key_insights,omitempty"`
	RiskFactors     []string         `json:"risk_factors,omitempty"`
}

// HasPatterns reports whether the context carries any identified patterns.
func (c DecisionContext) HasPatterns() bool {
	return len(c.Patterns) > 0
}

// TrendDirection classifies a velocity trend.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// SimilarProject is a historically similar project surfaced by the
// Chronicle pattern analyzer.
type SimilarProject struct {
	ProjectID         string  `json:"project_id"`
	SimilarityScore   float64 `json:"similarity_score"`
	TeamSize          int     `json:"team_size"`
	CompletionRate    float64 `json:"completion_rate"`
	AvgSprintDuration float64 `json:"avg_sprint_duration"`
	OptimalTaskCount  float64 `json:"optimal_task_count"`
	Confidence        float64 `json:"confidence"`
}

// VelocityTrend summarizes completed-tasks-per-sprint over recent sprints.
type VelocityTrend struct {
	Current       float64        `json:"current"`
	HistoricalMin float64        `json:"historical_min"`
	HistoricalMax float64        `json:"historical_max"`
	Direction     TrendDirection `json:"direction"`
	Slope         float64        `json:"slope"`
	Confidence    float64        `json:"confidence"`
	SampleCount   int            `json:"sample_count"`
}

// SuccessIndicators are aggregate recommendations derived from similar
// projects.
type SuccessIndicators struct {
	OptimalTasksPerSprint float64 `json:"optimal_tasks_per_sprint"`
	RecommendedDuration   float64 `json:"recommended_duration_weeks"`
	SuccessProbability    float64 `json:"success_probability"`
}

// ChronicleAnalysis is the full longitudinal analysis for one project.
type ChronicleAnalysis struct {
	ProjectID       string            `json:"project_id"`
	SimilarProjects []SimilarProject  `json:"similar_projects,omitempty"`
	Velocity        VelocityTrend     `json:"velocity"`
	Indicators      SuccessIndicators `json:"success_indicators"`
	AvgSimilarity   float64           `json:"avg_similarity"`
	AnalyzedAt      time.Time         `json:"analyzed_at"`
}
