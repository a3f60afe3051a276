package patterns

import (
	"log/slog"
	"math"

	"github.com/loopworks/cadence/internal/model"
)

// CombinerConfig tunes pattern fusion.
type CombinerConfig struct {
	// MinConfidence discards fused patterns below this floor.
	MinConfidence float64
}

// DefaultCombinerConfig matches the platform defaults.
func DefaultCombinerConfig() CombinerConfig {
	return CombinerConfig{MinConfidence: 0.3}
}

// Combined is the fused pattern set with its overall confidence.
type Combined struct {
	Patterns        []model.Pattern `json:"patterns"`
	Confidence      float64         `json:"confidence"`
	EpisodeWeight   float64         `json:"episode_weight"`
	ChronicleWeight float64         `json:"chronicle_weight"`
}

// Combiner fuses episode-derived context with Chronicle analysis into a
// single pattern set. Source weights derive from each source's data
// quality, so a thin source cannot outvote a rich one.
type Combiner struct {
	cfg    CombinerConfig
	logger *slog.Logger
}

// NewCombiner builds a combiner.
func NewCombiner(cfg CombinerConfig, logger *slog.Logger) *Combiner {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.3
	}
	return &Combiner{cfg: cfg, logger: logger}
}

// sourcePattern is one source's contribution to a fused pattern.
type sourcePattern struct {
	value       float64
	confidence  float64
	successRate float64
	evidence    int
	present     bool
}

// Combine fuses the two sources. Either side may be empty; an entirely
// empty input yields an empty result.
func (c *Combiner) Combine(dc model.DecisionContext, ca model.ChronicleAnalysis) Combined {
	hasEpisodes := dc.EpisodesUsed > 0
	hasChronicle := len(ca.SimilarProjects) > 0

	var out Combined
	if !hasEpisodes && !hasChronicle {
		return out
	}

	out.EpisodeWeight, out.ChronicleWeight = sourceWeights(dc, ca, hasEpisodes, hasChronicle)

	taskEp := episodePattern(dc, model.PatternTaskCount)
	taskCh := chronicleTaskPattern(ca)
	if p, ok := c.fuseValue(model.PatternTaskCount, taskEp, taskCh, out.EpisodeWeight, out.ChronicleWeight); ok {
		out.Patterns = append(out.Patterns, p)
	}

	durEp := episodePattern(dc, model.PatternSprintDuration)
	durCh := chronicleDurationPattern(ca)
	if p, ok := c.fuseDuration(durEp, durCh, out.EpisodeWeight, out.ChronicleWeight); ok {
		out.Patterns = append(out.Patterns, p)
	}

	if len(out.Patterns) == 0 {
		return out
	}

	var confSum float64
	for _, p := range out.Patterns {
		confSum += p.Confidence
	}
	meanConf := confSum / float64(len(out.Patterns))

	// Source coverage scales the overall confidence: each available
	// source contributes 0.4, plus a 0.2 bonus when both corroborate.
	coverage := 0.0
	if hasEpisodes {
		coverage += 0.4
	}
	if hasChronicle {
		coverage += 0.4
	}
	if hasEpisodes && hasChronicle {
		coverage += 0.2
	}
	out.Confidence = meanConf * coverage

	return out
}

// sourceWeights scores each source's data quality, then normalizes the
// two scores to sum 1 with a 0.1 floor each.
func sourceWeights(dc model.DecisionContext, ca model.ChronicleAnalysis, hasEpisodes, hasChronicle bool) (episode, chronicle float64) {
	if hasEpisodes {
		countScore := math.Min(float64(dc.EpisodesUsed)/5.0, 1.0)
		episode = 0.3*countScore + 0.4*dc.AvgSimilarity + 0.3*dc.Confidence
	}
	if hasChronicle {
		countScore := math.Min(float64(len(ca.SimilarProjects))/5.0, 1.0)
		chronicle = 0.5*countScore + 0.5*ca.AvgSimilarity
	}

	sum := episode + chronicle
	if sum == 0 {
		return 0.5, 0.5
	}
	episode /= sum
	chronicle /= sum

	if hasEpisodes && episode < 0.1 {
		episode = 0.1
		chronicle = 0.9
	}
	if hasChronicle && chronicle < 0.1 {
		chronicle = 0.1
		episode = 0.9
	}
	return episode, chronicle
}

// episodePattern pulls one pattern type out of the episode context.
func episodePattern(dc model.DecisionContext, t model.PatternType) sourcePattern {
	for _, p := range dc.Patterns {
		if p.Type == t {
			return sourcePattern{
				value:       p.Value,
				confidence:  p.Confidence,
				successRate: p.SuccessRate,
				evidence:    p.EvidenceCount,
				present:     true,
			}
		}
	}
	return sourcePattern{}
}

// chronicleTaskPattern derives the Chronicle side's task-count view from
// the success indicators; its confidence is the mean similar-project
// confidence.
func chronicleTaskPattern(ca model.ChronicleAnalysis) sourcePattern {
	if len(ca.SimilarProjects) == 0 || ca.Indicators.OptimalTasksPerSprint <= 0 {
		return sourcePattern{}
	}
	var conf float64
	for _, s := range ca.SimilarProjects {
		conf += s.Confidence
	}
	return sourcePattern{
		value:       ca.Indicators.OptimalTasksPerSprint,
		confidence:  conf / float64(len(ca.SimilarProjects)),
		successRate: ca.Indicators.SuccessProbability,
		evidence:    len(ca.SimilarProjects),
		present:     true,
	}
}

func chronicleDurationPattern(ca model.ChronicleAnalysis) sourcePattern {
	if len(ca.SimilarProjects) == 0 || ca.Indicators.RecommendedDuration <= 0 {
		return sourcePattern{}
	}
	return sourcePattern{
		value:       ca.Indicators.RecommendedDuration,
		confidence:  ca.AvgSimilarity,
		successRate: ca.Indicators.SuccessProbability,
		evidence:    len(ca.SimilarProjects),
		present:     true,
	}
}

// fuseValue fuses a numeric pattern. With both sources present the value
// is the weighted round, confidence the weighted sum, and success rate
// the weighted mean. A single source is emitted with a 0.8 confidence
// multiplier.
func (c *Combiner) fuseValue(t model.PatternType, ep, ch sourcePattern, wEp, wCh float64) (model.Pattern, bool) {
	switch {
	case ep.present && ch.present:
		p := model.Pattern{
			Type:            t,
			Value:           math.Round(wEp*ep.value + wCh*ch.value),
			SuccessRate:     wEp*ep.successRate + wCh*ch.successRate,
			Confidence:      math.Min(wEp*ep.confidence+wCh*ch.confidence, 1.0),
			EpisodeWeight:   wEp,
			ChronicleWeight: wCh,
			EvidenceCount:   ep.evidence + ch.evidence,
			Sources:         map[string]int{"episodes": ep.evidence, "chronicle": ch.evidence},
		}
		return c.keep(p)
	case ep.present:
		p := model.Pattern{
			Type:          t,
			Value:         math.Round(ep.value),
			SuccessRate:   ep.successRate,
			Confidence:    ep.confidence * 0.8,
			EpisodeWeight: 1.0,
			EvidenceCount: ep.evidence,
			Sources:       map[string]int{"episodes": ep.evidence},
		}
		return c.keep(p)
	case ch.present:
		p := model.Pattern{
			Type:            t,
			Value:           math.Round(ch.value),
			SuccessRate:     ch.successRate,
			Confidence:      ch.confidence * 0.8,
			ChronicleWeight: 1.0,
			EvidenceCount:   ch.evidence,
			Sources:         map[string]int{"chronicle": ch.evidence},
		}
		return c.keep(p)
	default:
		return model.Pattern{}, false
	}
}

// fuseDuration fuses sprint duration. Agreement on the rounded value
// boosts confidence to the capped sum of both; disagreement keeps the
// higher-confidence source's value with a weighted-mean confidence.
func (c *Combiner) fuseDuration(ep, ch sourcePattern, wEp, wCh float64) (model.Pattern, bool) {
	if !ep.present || !ch.present {
		return c.fuseValue(model.PatternSprintDuration, ep, ch, wEp, wCh)
	}

	epVal, chVal := math.Round(ep.value), math.Round(ch.value)
	p := model.Pattern{
		Type:            model.PatternSprintDuration,
		SuccessRate:     wEp*ep.successRate + wCh*ch.successRate,
		EpisodeWeight:   wEp,
		ChronicleWeight: wCh,
		EvidenceCount:   ep.evidence + ch.evidence,
		Sources:         map[string]int{"episodes": ep.evidence, "chronicle": ch.evidence},
	}

	if epVal == chVal {
		p.Value = epVal
		p.Confidence = math.Min(ep.confidence+ch.confidence, 1.0)
		return c.keep(p)
	}

	if ep.confidence >= ch.confidence {
		p.Value = epVal
	} else {
		p.Value = chVal
	}
	p.Confidence = wEp*ep.confidence + wCh*ch.confidence
	return c.keep(p)
}

func (c *Combiner) keep(p model.Pattern) (model.Pattern, bool) {
	if p.Confidence < c.cfg.MinConfidence {
		c.logger.Debug("discarding low-confidence pattern",
			"type", string(p.Type), "confidence", p.Confidence)
		return model.Pattern{}, false
	}
	return p, true
}
