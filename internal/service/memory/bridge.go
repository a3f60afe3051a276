package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/loopworks/cadence/internal/model"
)

// BridgeConfig tunes episode filtering and pattern identification.
type BridgeConfig struct {
	MinSimilarityThreshold float64
	MinQuality             float64
	MinEpisodesForPatterns int
}

// DefaultBridgeConfig matches the platform defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		MinSimilarityThreshold: 0.6,
		MinQuality:             0.5,
		MinEpisodesForPatterns: 2,
	}
}

// Bridge translates retrieved episodes into one structured decision
// context. It is pure computation and must never panic on malformed
// episodes: missing fields degrade confidence, nothing more.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger
}

// NewBridge builds a bridge.
func NewBridge(cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if cfg.MinEpisodesForPatterns <= 0 {
		cfg.MinEpisodesForPatterns = 2
	}
	return &Bridge{cfg: cfg, logger: logger}
}

// usable is one episode that survived filtering, with its decision
// parameters pre-extracted.
type usable struct {
	similarity float64
	quality    float64
	teamSize   int
	tasks      float64
	hasTasks   bool
	duration   float64
	hasDur     bool
	success    *bool
}

// Translate builds a DecisionContext from similar episodes for the
// current project snapshot.
func (b *Bridge) Translate(episodes []model.ScoredEpisode, snapshot model.ProjectSnapshot) model.DecisionContext {
	dc := model.DecisionContext{EpisodesFound: len(episodes)}
	if len(episodes) == 0 {
		return dc
	}

	used := b.filter(episodes)
	dc.EpisodesUsed = len(used)
	if len(used) == 0 {
		dc.RiskFactors = append(dc.RiskFactors,
			fmt.Sprintf("%d similar episodes found but none met quality thresholds", len(episodes)))
		return dc
	}

	var simSum, qualSum float64
	successes, withOutcome := 0, 0
	for _, u := range used {
		simSum += u.similarity
		qualSum += u.quality
		if u.success != nil {
			withOutcome++
			if *u.success {
				successes++
			}
		}
	}
	dc.AvgSimilarity = simSum / float64(len(used))
	avgQuality := qualSum / float64(len(used))

	dc.KeyInsights = b.insights(used, snapshot)
	if withOutcome > 0 && successes < withOutcome {
		dc.RiskFactors = append(dc.RiskFactors,
			fmt.Sprintf("%d of %d comparable decisions had unsuccessful outcomes", withOutcome-successes, withOutcome))
	}

	if len(used) >= b.cfg.MinEpisodesForPatterns {
		if p, ok := taskCountPattern(used); ok {
			dc.Patterns = append(dc.Patterns, p)
		}
		if p, ok := durationPattern(used); ok {
			dc.Patterns = append(dc.Patterns, p)
		}
	}

	for _, p := range dc.Patterns {
		if p.Confidence > 0.5 {
			dc.Recommendations = append(dc.Recommendations, model.Recommendation{
				Type:       p.Type,
				Value:      p.Value,
				Confidence: p.Confidence,
				Rationale: fmt.Sprintf("%d past episodes with mean quality %.2f support %s = %.0f",
					p.EvidenceCount, p.SuccessRate, p.Type, p.Value),
			})
		}
	}

	// Overall confidence blends evidence quantity, episode quality,
	// pattern strength, and the observed success rate.
	quantityConfidence := math.Min(float64(len(used))/5.0, 1.0)
	patternConfidence := 0.0
	if len(dc.Patterns) > 0 {
		for _, p := range dc.Patterns {
			patternConfidence += p.Confidence
		}
		patternConfidence /= float64(len(dc.Patterns))
	}
	successConfidence := 0.5 // Neutral when no outcomes are recorded yet.
	if withOutcome > 0 {
		successConfidence = float64(successes) / float64(withOutcome)
	}
	dc.Confidence = (quantityConfidence + avgQuality + patternConfidence + successConfidence) / 4.0

	return dc
}

// EpisodeWeight computes the episode source's share for later fusion:
// 0.6 on evidence quantity, 0.4 on evidence quality, capped at 0.8.
func (b *Bridge) EpisodeWeight(dc model.DecisionContext) float64 {
	if dc.EpisodesUsed == 0 {
		return 0
	}
	quantityWeight := math.Min(float64(dc.EpisodesUsed)/5.0, 1.0)
	qualityWeight := dc.Confidence
	return math.Min(0.6*quantityWeight+0.4*qualityWeight, 0.8)
}

// filter drops episodes below the similarity or quality floors and those
// missing required structure (team_size in perception, action, reasoning).
func (b *Bridge) filter(episodes []model.ScoredEpisode) []usable {
	var used []usable
	for _, e := range episodes {
		if float64(e.Similarity) < b.cfg.MinSimilarityThreshold {
			continue
		}
		quality := float64(e.Quality())
		if quality < b.cfg.MinQuality {
			continue
		}
		teamSize, ok := numberField(e.Perception, "team_size")
		if !ok || len(e.Action) == 0 || len(e.Reasoning) == 0 {
			continue
		}

		u := usable{
			similarity: float64(e.Similarity),
			quality:    quality,
			teamSize:   int(teamSize),
		}
		if v, ok := numberField(e.Action, "tasks_to_assign"); ok {
			u.tasks, u.hasTasks = v, true
		}
		if v, ok := numberField(e.Action, "sprint_duration_weeks"); ok {
			u.duration, u.hasDur = v, true
		}
		if e.Outcome != nil {
			success := e.Outcome.Success
			u.success = &success
		}
		used = append(used, u)
	}
	return used
}

func (b *Bridge) insights(used []usable, snapshot model.ProjectSnapshot) []string {
	var insights []string
	for _, u := range used {
		if u.hasTasks && u.hasDur {
			insights = append(insights,
				fmt.Sprintf("Created sprint with %.0f tasks, %.0f-week sprint", u.tasks, u.duration))
		}
		if abs(u.teamSize-snapshot.TeamSize) <= 1 && u.success != nil && *u.success {
			insights = append(insights,
				fmt.Sprintf("A team of %d succeeded with a comparable decision (similarity %.2f)",
					u.teamSize, u.similarity))
		}
	}
	return insights
}

// taskCountPattern clusters episodes by tasks_to_assign (cluster width
// ±1) and picks the cluster with the highest mean outcome quality, if
// that mean reaches 0.7. Confidence is the cluster's share of the
// evidence.
func taskCountPattern(used []usable) (model.Pattern, bool) {
	type cluster struct {
		center  float64
		members []float64 // Member qualities.
	}

	var withTasks []usable
	for _, u := range used {
		if u.hasTasks {
			withTasks = append(withTasks, u)
		}
	}
	if len(withTasks) < 2 {
		return model.Pattern{}, false
	}

	centers := map[float64]*cluster{}
	for _, u := range withTasks {
		if _, ok := centers[u.tasks]; !ok {
			centers[u.tasks] = &cluster{center: u.tasks}
		}
	}
	for _, c := range centers {
		for _, u := range withTasks {
			if math.Abs(u.tasks-c.center) <= 1 {
				c.members = append(c.members, u.quality)
			}
		}
	}

	var best *cluster
	var bestMean float64
	for _, c := range sortedClusters(centers) {
		mean := meanOf(c.members)
		if mean >= 0.7 && (best == nil || mean > bestMean) {
			best, bestMean = c, mean
		}
	}
	if best == nil {
		return model.Pattern{}, false
	}

	return model.Pattern{
		Type:          model.PatternTaskCount,
		Value:         best.center,
		SuccessRate:   bestMean,
		Confidence:    math.Min(float64(len(best.members))/float64(len(withTasks)), 1.0),
		EvidenceCount: len(best.members),
		EpisodeWeight: 1.0,
		Sources:       map[string]int{"episodes": len(best.members)},
	}, true
}

// durationPattern groups episodes by sprint_duration_weeks and selects
// the duration with the highest mean quality among groups with at least
// two supporters.
func durationPattern(used []usable) (model.Pattern, bool) {
	groups := map[float64][]float64{}
	total := 0
	for _, u := range used {
		if u.hasDur {
			groups[u.duration] = append(groups[u.duration], u.quality)
			total++
		}
	}
	if total < 2 {
		return model.Pattern{}, false
	}

	var bestDur, bestMean float64
	found := false
	for _, dur := range sortedKeys(groups) {
		qualities := groups[dur]
		if len(qualities) < 2 {
			continue
		}
		mean := meanOf(qualities)
		if !found || mean > bestMean {
			bestDur, bestMean, found = dur, mean, true
		}
	}
	if !found {
		return model.Pattern{}, false
	}

	supporters := len(groups[bestDur])
	return model.Pattern{
		Type:          model.PatternSprintDuration,
		Value:         bestDur,
		SuccessRate:   bestMean,
		Confidence:    math.Min(float64(supporters)/float64(total), 1.0),
		EvidenceCount: supporters,
		EpisodeWeight: 1.0,
		Sources:       map[string]int{"episodes": supporters},
	}, true
}

// numberField extracts a numeric field from a JSON-decoded map without
// panicking on absent or mistyped values.
func numberField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sortedKeys[V any](m map[float64]V) []float64 {
	keys := make([]float64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	return keys
}

func sortedClusters[C any](m map[float64]*C) []*C {
	keys := make([]float64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	out := make([]*C, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
