// Package strategy runs the daily evolution pipeline: extract recurring
// patterns from successful episodes, generate strategies from them, tune
// active strategies against observed performance, and prune old logs.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loopworks/cadence/internal/model"
)

// Config tunes the evolver.
type Config struct {
	// ExtractionWindow is how far back episode scanning reaches.
	ExtractionWindow time.Duration

	// MinFrequency is the minimum occurrences of a context signature
	// before it becomes a candidate pattern.
	MinFrequency int

	// MinQuality is the episode quality floor for the scan.
	MinQuality float32

	// Interval is the cycle period.
	Interval time.Duration
}

// DefaultConfig matches the platform defaults: a 30-day window, three
// occurrences, daily cycles.
func DefaultConfig() Config {
	return Config{
		ExtractionWindow: 30 * 24 * time.Hour,
		MinFrequency:     3,
		MinQuality:       0.7,
		Interval:         24 * time.Hour,
	}
}

// Store is the slice of the knowledge store the evolver needs.
type Store interface {
	GetSuccessfulEpisodesSince(ctx context.Context, since time.Time, minQuality float32, limit int) ([]model.Episode, error)
	CreateStrategy(ctx context.Context, s model.Strategy) (uuid.UUID, error)
	GetActiveStrategies(ctx context.Context, strategyType string, limit, offset int) ([]model.Strategy, error)
	GetRecentPerformance(ctx context.Context, strategyID uuid.UUID, since time.Time) ([]model.StrategyPerformance, error)
	AdjustStrategyConfidence(ctx context.Context, id uuid.UUID, delta, floor, cap float32) error
	DeactivateStrategy(ctx context.Context, id uuid.UUID, reason string) error
	PrunePerformanceLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Report summarizes one evolution cycle. Each phase runs even when an
// earlier one failed; the flags say which completed.
type Report struct {
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	ExtractedPatterns   int       `json:"extracted_patterns"`
	GeneratedStrategies int       `json:"generated_strategies"`
	TunedStrategies     int       `json:"tuned_strategies"`
	Deactivated         int       `json:"deactivated"`
	PrunedLogs          int64     `json:"pruned_logs"`
	ExtractOK           bool      `json:"extract_ok"`
	GenerateOK          bool      `json:"generate_ok"`
	OptimizeOK          bool      `json:"optimize_ok"`
	CleanupOK           bool      `json:"cleanup_ok"`
}

// Evolver runs the four-phase daily pipeline.
type Evolver struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewEvolver builds an evolver.
func NewEvolver(store Store, cfg Config, logger *slog.Logger) *Evolver {
	if cfg.ExtractionWindow <= 0 {
		cfg.ExtractionWindow = 30 * 24 * time.Hour
	}
	if cfg.MinFrequency <= 0 {
		cfg.MinFrequency = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Evolver{store: store, cfg: cfg, logger: logger}
}

// Run cycles until ctx is cancelled, with one immediate cycle at start.
func (ev *Evolver) Run(ctx context.Context) {
	ticker := time.NewTicker(ev.cfg.Interval)
	defer ticker.Stop()

	ev.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev.Cycle(ctx)
		}
	}
}

// Cycle runs one full evolution pass. Phases are failure-isolated: an
// extract failure still lets optimize and cleanup run. Cancellation is
// honored between phases.
func (ev *Evolver) Cycle(ctx context.Context) Report {
	report := Report{StartedAt: time.Now().UTC()}

	patterns, err := ev.extract(ctx)
	if err != nil {
		ev.logger.Error("strategy extraction failed", "error", err)
	} else {
		report.ExtractOK = true
		report.ExtractedPatterns = len(patterns)
	}

	if ctx.Err() == nil && report.ExtractOK {
		generated, err := ev.generate(ctx, patterns)
		if err != nil {
			ev.logger.Error("strategy generation failed", "error", err)
		} else {
			report.GenerateOK = true
			report.GeneratedStrategies = generated
		}
	}

	if ctx.Err() == nil {
		tuned, deactivated, err := ev.optimize(ctx)
		if err != nil {
			ev.logger.Error("strategy optimization failed", "error", err)
		} else {
			report.OptimizeOK = true
			report.TunedStrategies = tuned
			report.Deactivated = deactivated
		}
	}

	if ctx.Err() == nil {
		pruned, err := ev.cleanup(ctx)
		if err != nil {
			ev.logger.Error("performance log cleanup failed", "error", err)
		} else {
			report.CleanupOK = true
			report.PrunedLogs = pruned
		}
	}

	report.FinishedAt = time.Now().UTC()
	ev.logger.Info("strategy evolution cycle complete",
		"extracted", report.ExtractedPatterns,
		"generated", report.GeneratedStrategies,
		"tuned", report.TunedStrategies,
		"deactivated", report.Deactivated,
		"pruned_logs", report.PrunedLogs)
	return report
}

// contextPattern is one recurring decision context with its outcomes.
type contextPattern struct {
	signature   string
	teamSize    int
	tasks       int
	duration    int
	qualities   []float64
	episodeIDs  []uuid.UUID
	meanQuality float64
	consistency float64
}

// extract scans recent successful episodes and groups them by context
// signature. Groups below the frequency floor are discarded; the rest
// get a mean quality and a consistency score (1 minus the quality
// standard deviation).
func (ev *Evolver) extract(ctx context.Context) ([]contextPattern, error) {
	since := time.Now().Add(-ev.cfg.ExtractionWindow)
	episodes, err := ev.store.GetSuccessfulEpisodesSince(ctx, since, ev.cfg.MinQuality, 1000)
	if err != nil {
		return nil, fmt.Errorf("strategy: scan episodes: %w", err)
	}

	groups := make(map[string]*contextPattern)
	for _, e := range episodes {
		sig, teamSize, tasks, duration, ok := signatureOf(e)
		if !ok {
			continue
		}
		g, exists := groups[sig]
		if !exists {
			g = &contextPattern{
				signature: sig,
				teamSize:  teamSize,
				tasks:     tasks,
				duration:  duration,
			}
			groups[sig] = g
		}
		g.qualities = append(g.qualities, float64(e.Quality()))
		g.episodeIDs = append(g.episodeIDs, e.ID)
	}

	var patterns []contextPattern
	for _, g := range groups {
		if len(g.qualities) < ev.cfg.MinFrequency {
			continue
		}
		g.meanQuality = mean(g.qualities)
		g.consistency = math.Max(0, 1.0-stdev(g.qualities, g.meanQuality))
		patterns = append(patterns, *g)
	}
	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].meanQuality > patterns[j].meanQuality
	})
	return patterns, nil
}

// signatureOf buckets an episode's context. Team size buckets by 2,
// and the signature carries the decision values the pattern recommends.
func signatureOf(e model.Episode) (sig string, teamSize, tasks, duration int, ok bool) {
	ts, ok1 := intField(e.Perception, "team_size")
	tc, ok2 := intField(e.Action, "tasks_to_assign")
	dw, ok3 := intField(e.Action, "sprint_duration_weeks")
	if !ok1 || !ok2 || !ok3 {
		return "", 0, 0, 0, false
	}
	bucket := ts / 2 * 2
	return fmt.Sprintf("team%d_tasks%d_weeks%d", bucket, tc, dw), ts, tc, dw, true
}

// generate converts viable patterns into strategies. A pattern is viable
// when its computed confidence reaches 0.6, its frequency reaches the
// floor, and its mean quality reaches 0.7. Signatures already covered by
// an active strategy are skipped.
func (ev *Evolver) generate(ctx context.Context, patterns []contextPattern) (int, error) {
	existing, err := ev.store.GetActiveStrategies(ctx, "sprint_planning", 500, 0)
	if err != nil {
		return 0, fmt.Errorf("strategy: list active strategies: %w", err)
	}
	covered := make(map[string]bool, len(existing))
	for _, s := range existing {
		if sig, ok := s.Content.Conditions["signature"].(string); ok {
			covered[sig] = true
		}
	}

	created := 0
	for _, p := range patterns {
		if covered[p.signature] {
			continue
		}

		confidence := patternConfidence(p, ev.cfg.MinFrequency)
		if confidence < 0.6 || p.meanQuality < 0.7 {
			continue
		}

		s := model.Strategy{
			Type: "sprint_planning",
			Content: model.StrategyContent{
				Conditions: map[string]any{
					"signature":     p.signature,
					"team_size_min": p.teamSize - 1,
					"team_size_max": p.teamSize + 1,
				},
				Rules: map[string]any{
					"tasks_to_assign":       p.tasks,
					"sprint_duration_weeks": p.duration,
				},
			},
			Description: fmt.Sprintf(
				"Teams around size %d succeed with %d tasks over %d-week sprints (%d episodes, mean quality %.2f)",
				p.teamSize, p.tasks, p.duration, len(p.qualities), p.meanQuality),
			Confidence:         float32(confidence),
			RiskLevel:          riskLevel(p.meanQuality),
			SupportingEpisodes: p.episodeIDs,
			IsActive:           true,
		}

		if _, err := ev.store.CreateStrategy(ctx, s); err != nil {
			ev.logger.Error("strategy not created",
				"signature", p.signature, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

// patternConfidence weighs frequency, quality, consistency, and evidence
// strength.
func patternConfidence(p contextPattern, minFrequency int) float64 {
	frequencyScore := math.Min(float64(len(p.qualities))/float64(minFrequency*2), 1.0)
	evidenceStrength := math.Min(float64(len(p.episodeIDs))/10.0, 1.0)
	return 0.2*frequencyScore + 0.4*p.meanQuality + 0.3*p.consistency + 0.1*evidenceStrength
}

func riskLevel(meanQuality float64) model.StrategyRiskLevel {
	switch {
	case meanQuality >= 0.8:
		return model.RiskLow
	case meanQuality >= 0.6:
		return model.RiskMedium
	default:
		return model.RiskHigh
	}
}

// assessment classifies a strategy's recent performance.
type assessment string

const (
	assessExcellent assessment = "excellent"
	assessGood      assessment = "good"
	assessDeclining assessment = "declining"
	assessPoor      assessment = "poor"
)

// optimize analyzes each active strategy with enough recent applications
// and nudges or deactivates it.
func (ev *Evolver) optimize(ctx context.Context) (tuned, deactivated int, err error) {
	strategies, err := ev.store.GetActiveStrategies(ctx, "", 500, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("strategy: list strategies: %w", err)
	}

	since := time.Now().Add(-ev.cfg.ExtractionWindow)
	for _, s := range strategies {
		perf, err := ev.store.GetRecentPerformance(ctx, s.ID, since)
		if err != nil {
			ev.logger.Warn("performance lookup failed", "strategy_id", s.ID, "error", err)
			continue
		}
		qualities := observedQualities(perf)
		if len(qualities) < 3 {
			continue
		}

		meanQ := mean(qualities)
		verdict := assess(qualities, meanQ)

		switch {
		case verdict == assessPoor || meanQ <= 0.25:
			reason := fmt.Sprintf("performance %s: mean quality %.2f over %d applications",
				verdict, meanQ, len(qualities))
			if err := ev.store.DeactivateStrategy(ctx, s.ID, reason); err != nil {
				ev.logger.Error("strategy not deactivated", "strategy_id", s.ID, "error", err)
				continue
			}
			deactivated++
		case verdict == assessExcellent || verdict == assessGood:
			if err := ev.store.AdjustStrategyConfidence(ctx, s.ID, 0.05, 0.1, 1.0); err != nil {
				ev.logger.Error("confidence not adjusted", "strategy_id", s.ID, "error", err)
				continue
			}
			tuned++
		case verdict == assessDeclining:
			if err := ev.store.AdjustStrategyConfidence(ctx, s.ID, -0.05, 0.1, 1.0); err != nil {
				ev.logger.Error("confidence not adjusted", "strategy_id", s.ID, "error", err)
				continue
			}
			tuned++
		}
	}
	return tuned, deactivated, nil
}

func observedQualities(perf []model.StrategyPerformance) []float64 {
	var out []float64
	for _, p := range perf {
		if p.QualityScore != nil {
			out = append(out, float64(*p.QualityScore))
		}
	}
	return out
}

// assess compares the two halves of the observation window: a second
// half meaningfully below the first is declining regardless of the mean.
func assess(qualities []float64, meanQ float64) assessment {
	if len(qualities) >= 4 {
		half := len(qualities) / 2
		first := mean(qualities[:half])
		second := mean(qualities[half:])
		if second < first-0.1 {
			return assessDeclining
		}
	}
	switch {
	case meanQ >= 0.8:
		return assessExcellent
	case meanQ >= 0.6:
		return assessGood
	case meanQ < 0.4:
		return assessPoor
	default:
		return assessDeclining
	}
}

// cleanup prunes performance logs older than three analysis windows.
func (ev *Evolver) cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-3 * ev.cfg.ExtractionWindow)
	pruned, err := ev.store.PrunePerformanceLogs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("strategy: prune logs: %w", err)
	}
	return pruned, nil
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
