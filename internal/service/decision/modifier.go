package decision

import (
	"fmt"
	"math"

	"github.com/loopworks/cadence/internal/model"
)

// ModifierConfig tunes the Chronicle-based adjustment proposals.
type ModifierConfig struct {
	// MinSimilarProjects is the number of highly similar projects
	// (similarity > 0.7) required before a task-count proposal.
	MinSimilarProjects int

	// VelocityConfidenceThreshold gates duration proposals on the
	// velocity trend's confidence.
	VelocityConfidenceThreshold float64
}

// DefaultModifierConfig matches the platform defaults.
func DefaultModifierConfig() ModifierConfig {
	return ModifierConfig{
		MinSimilarProjects:          3,
		VelocityConfidenceThreshold: 0.6,
	}
}

// SourceHybrid and SourceChronicle label where a proposal came from.
const (
	SourceHybrid    = "hybrid_patterns"
	SourceChronicle = "chronicle_analysis"
)

// Modifier proposes typed adjustments to a base decision from Chronicle
// evidence. Proposals are suggestions only; the confidence gate decides
// what applies.
type Modifier struct {
	cfg ModifierConfig
}

// NewModifier builds a modifier.
func NewModifier(cfg ModifierConfig) *Modifier {
	if cfg.MinSimilarProjects <= 0 {
		cfg.MinSimilarProjects = 3
	}
	if cfg.VelocityConfidenceThreshold <= 0 {
		cfg.VelocityConfidenceThreshold = 0.6
	}
	return &Modifier{cfg: cfg}
}

// Propose derives adjustments from the Chronicle analysis. Only decisions
// that create a sprint can receive a task-count proposal; duration
// proposals additionally require a confident velocity trend.
func (m *Modifier) Propose(base model.RuleDecision, analysis model.ChronicleAnalysis) []model.Adjustment {
	var proposals []model.Adjustment

	if base.CreateNewSprint {
		if adj, ok := m.taskCountProposal(base, analysis); ok {
			proposals = append(proposals, adj)
		}
		if adj, ok := m.durationProposal(base, analysis.Velocity); ok {
			proposals = append(proposals, adj)
		}
	}

	return proposals
}

func (m *Modifier) taskCountProposal(base model.RuleDecision, analysis model.ChronicleAnalysis) (model.Adjustment, bool) {
	var strong []model.SimilarProject
	for _, s := range analysis.SimilarProjects {
		if s.SimilarityScore > 0.7 {
			strong = append(strong, s)
		}
	}
	if len(strong) < m.cfg.MinSimilarProjects {
		return model.Adjustment{}, false
	}

	var optSum, confSum float64
	for _, s := range strong {
		optSum += s.OptimalTaskCount
		confSum += s.Confidence
	}
	meanOptimal := optSum / float64(len(strong))
	meanConfidence := confSum / float64(len(strong))

	if math.Abs(meanOptimal-float64(base.TasksToAssign)) <= 2 || meanConfidence <= 0.5 {
		return model.Adjustment{}, false
	}

	recommended := int(math.Round(meanOptimal))
	return model.Adjustment{
		Kind:             model.AdjustTaskCount,
		OriginalValue:    base.TasksToAssign,
		RecommendedValue: recommended,
		Confidence:       meanConfidence,
		Rationale: fmt.Sprintf(
			"%d highly similar projects averaged %.1f optimal tasks per sprint versus the planned %d",
			len(strong), meanOptimal, base.TasksToAssign),
		ExpectedImprovement: fmt.Sprintf(
			"Aligning with similar projects raises expected completion rate toward %.0f%%",
			analysis.Indicators.SuccessProbability*100),
		EvidenceSource: fmt.Sprintf("similar_projects:%d", len(strong)),
		EvidenceCount:  len(strong),
		Source:         SourceChronicle,
	}, true
}

func (m *Modifier) durationProposal(base model.RuleDecision, v model.VelocityTrend) (model.Adjustment, bool) {
	if v.Confidence <= m.cfg.VelocityConfidenceThreshold {
		return model.Adjustment{}, false
	}

	var recommended int
	var rationale string
	switch {
	case v.Direction == model.TrendIncreasing && base.SprintDurationWeeks > 1:
		recommended = base.SprintDurationWeeks - 1
		rationale = fmt.Sprintf(
			"Velocity is increasing (slope %.2f over %d sprints), the team can ship in shorter cycles",
			v.Slope, v.SampleCount)
	case v.Direction == model.TrendDecreasing && base.SprintDurationWeeks < 4:
		recommended = base.SprintDurationWeeks + 1
		rationale = fmt.Sprintf(
			"Velocity is decreasing (slope %.2f over %d sprints), a longer sprint reduces carry-over",
			v.Slope, v.SampleCount)
	default:
		return model.Adjustment{}, false
	}

	return model.Adjustment{
		Kind:             model.AdjustDuration,
		OriginalValue:    base.SprintDurationWeeks,
		RecommendedValue: recommended,
		Confidence:       v.Confidence,
		Rationale:        rationale,
		ExpectedImprovement: fmt.Sprintf(
			"Matching sprint length to velocity trend, current %.1f tasks per sprint",
			v.Current),
		EvidenceSource: fmt.Sprintf("velocity_samples:%d", v.SampleCount),
		EvidenceCount:  v.SampleCount,
		Source:         SourceChronicle,
	}, true
}
