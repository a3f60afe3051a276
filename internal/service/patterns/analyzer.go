// Package patterns derives decision patterns from two evidence sources:
// longitudinal Chronicle analytics across projects, and episode-derived
// context from this project. The combiner fuses the two into a single
// ranked pattern set.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/loopworks/cadence/internal/chronicle"
	"github.com/loopworks/cadence/internal/model"
)

// AnalyzerConfig tunes the Chronicle analyzer.
type AnalyzerConfig struct {
	// MinSimilarity is the floor for a project to count as similar.
	MinSimilarity float64

	// MaxSimilarProjects caps the similarity scan result.
	MaxSimilarProjects int

	// CacheTTL bounds how long a per-project analysis is reused.
	CacheTTL time.Duration
}

// DefaultAnalyzerConfig matches the platform defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MinSimilarity:      0.6,
		MaxSimilarProjects: 5,
		CacheTTL:           30 * time.Minute,
	}
}

// ChronicleReader is the slice of the Chronicle store the analyzer needs.
type ChronicleReader interface {
	GetProjectFeatures(ctx context.Context, projectID string) (*chronicle.ProjectFeatures, error)
	ListProjectFeatures(ctx context.Context, excludeProjectID string, limit int) ([]chronicle.ProjectFeatures, error)
	GetVelocitySamples(ctx context.Context, projectID string, limit int) ([]chronicle.VelocitySample, error)
}

// Analyzer computes cross-project similarity, velocity trends, and
// success indicators from the Chronicle store, with a short per-project
// cache so repeated decisions within a window reuse one analysis.
type Analyzer struct {
	store  ChronicleReader
	cfg    AnalyzerConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedAnalysis
}

type cachedAnalysis struct {
	analysis  model.ChronicleAnalysis
	expiresAt time.Time
}

// NewAnalyzer builds an analyzer.
func NewAnalyzer(store ChronicleReader, cfg AnalyzerConfig, logger *slog.Logger) *Analyzer {
	if cfg.MaxSimilarProjects <= 0 {
		cfg.MaxSimilarProjects = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Analyzer{
		store:  store,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]cachedAnalysis),
	}
}

// Analyze returns the longitudinal analysis for a project. A cached
// analysis within TTL is returned as-is. A project without a feature
// profile yields an empty analysis, not an error.
func (a *Analyzer) Analyze(ctx context.Context, projectID string) (model.ChronicleAnalysis, error) {
	a.mu.Lock()
	if c, ok := a.cache[projectID]; ok && time.Now().Before(c.expiresAt) {
		a.mu.Unlock()
		return c.analysis, nil
	}
	a.mu.Unlock()

	analysis := model.ChronicleAnalysis{
		ProjectID:  projectID,
		AnalyzedAt: time.Now().UTC(),
	}

	self, err := a.store.GetProjectFeatures(ctx, projectID)
	if err != nil {
		return analysis, fmt.Errorf("patterns: load project features: %w", err)
	}

	if self != nil {
		candidates, err := a.store.ListProjectFeatures(ctx, projectID, 200)
		if err != nil {
			return analysis, fmt.Errorf("patterns: list candidate projects: %w", err)
		}
		analysis.SimilarProjects = a.similarProjects(*self, candidates)
		analysis.Indicators = successIndicators(analysis.SimilarProjects)
		analysis.AvgSimilarity = avgSimilarity(analysis.SimilarProjects)
	}

	samples, err := a.store.GetVelocitySamples(ctx, projectID, 50)
	if err != nil {
		return analysis, fmt.Errorf("patterns: load velocity samples: %w", err)
	}
	analysis.Velocity = velocityTrend(samples)

	a.mu.Lock()
	a.cache[projectID] = cachedAnalysis{
		analysis:  analysis,
		expiresAt: time.Now().Add(a.cfg.CacheTTL),
	}
	a.mu.Unlock()

	return analysis, nil
}

// Invalidate drops a project's cached analysis, used after outcomes that
// change its Chronicle profile.
func (a *Analyzer) Invalidate(projectID string) {
	a.mu.Lock()
	delete(a.cache, projectID)
	a.mu.Unlock()
}

// featureVector is the 4-feature profile used for similarity.
func featureVector(f chronicle.ProjectFeatures) [4]float64 {
	return [4]float64{
		float64(f.TeamSize),
		f.AvgTaskComplexity,
		f.DomainCategory,
		f.DurationWeeks,
	}
}

// similarProjects ranks candidates by cosine similarity over min-max
// normalized feature vectors. Normalization bounds are taken from the
// pooled population (self plus candidates) so no single feature's scale
// dominates.
func (a *Analyzer) similarProjects(self chronicle.ProjectFeatures, candidates []chronicle.ProjectFeatures) []model.SimilarProject {
	if len(candidates) == 0 {
		return nil
	}

	vectors := make([][4]float64, 0, len(candidates)+1)
	vectors = append(vectors, featureVector(self))
	for _, c := range candidates {
		vectors = append(vectors, featureVector(c))
	}
	normalize(vectors)

	selfVec := vectors[0]
	var similar []model.SimilarProject
	for i, c := range candidates {
		score := cosine(selfVec, vectors[i+1])
		if score < a.cfg.MinSimilarity {
			continue
		}
		similar = append(similar, model.SimilarProject{
			ProjectID:         c.ProjectID,
			SimilarityScore:   score,
			TeamSize:          c.TeamSize,
			CompletionRate:    c.CompletionRate,
			AvgSprintDuration: c.AvgSprintDuration,
			OptimalTaskCount:  c.OptimalTaskCount,
			Confidence:        score * c.CompletionRate,
		})
	}

	sort.Slice(similar, func(i, j int) bool {
		return similar[i].SimilarityScore > similar[j].SimilarityScore
	})
	if len(similar) > a.cfg.MaxSimilarProjects {
		similar = similar[:a.cfg.MaxSimilarProjects]
	}
	return similar
}

// normalize rescales each feature dimension to [0,1] in place. A
// dimension with zero spread collapses to 0.5 so it neither helps nor
// hurts the cosine.
func normalize(vectors [][4]float64) {
	for dim := 0; dim < 4; dim++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range vectors {
			lo = math.Min(lo, v[dim])
			hi = math.Max(hi, v[dim])
		}
		spread := hi - lo
		for i := range vectors {
			if spread == 0 {
				vectors[i][dim] = 0.5
			} else {
				vectors[i][dim] = (vectors[i][dim] - lo) / spread
			}
		}
	}
}

func cosine(a, b [4]float64) float64 {
	var dot, na, nb float64
	for i := 0; i < 4; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// velocityTrend fits a least-squares line through completed-tasks-per-
// sprint. Slopes within 0.1 tasks/sprint of flat count as stable.
// Confidence grows with sample count and shrinks with slope volatility.
func velocityTrend(samples []chronicle.VelocitySample) model.VelocityTrend {
	trend := model.VelocityTrend{
		Direction:   model.TrendStable,
		SampleCount: len(samples),
	}
	if len(samples) == 0 {
		return trend
	}

	trend.Current = samples[len(samples)-1].CompletedTasks
	trend.HistoricalMin = samples[0].CompletedTasks
	trend.HistoricalMax = samples[0].CompletedTasks
	for _, s := range samples {
		trend.HistoricalMin = math.Min(trend.HistoricalMin, s.CompletedTasks)
		trend.HistoricalMax = math.Max(trend.HistoricalMax, s.CompletedTasks)
	}

	if len(samples) < 2 {
		return trend
	}

	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(samples))
	for i, s := range samples {
		x := float64(i)
		sumX += x
		sumY += s.CompletedTasks
		sumXY += x * s.CompletedTasks
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom != 0 {
		trend.Slope = (n*sumXY - sumX*sumY) / denom
	}

	switch {
	case trend.Slope > 0.1:
		trend.Direction = model.TrendIncreasing
	case trend.Slope < -0.1:
		trend.Direction = model.TrendDecreasing
	}

	trend.Confidence = math.Min(n/10.0, 1.0) * math.Max(0, 1.0-math.Abs(trend.Slope))
	return trend
}

// successIndicators aggregates similar projects into one recommendation:
// mean optimal task count, mean sprint duration, and the fraction of
// similar projects that finished with a completion rate above 0.8.
func successIndicators(similar []model.SimilarProject) model.SuccessIndicators {
	var ind model.SuccessIndicators
	if len(similar) == 0 {
		return ind
	}

	var tasks, dur float64
	successful := 0
	for _, s := range similar {
		tasks += s.OptimalTaskCount
		dur += s.AvgSprintDuration
		if s.CompletionRate > 0.8 {
			successful++
		}
	}
	n := float64(len(similar))
	ind.OptimalTasksPerSprint = tasks / n
	ind.RecommendedDuration = dur / n
	ind.SuccessProbability = float64(successful) / n
	return ind
}

func avgSimilarity(similar []model.SimilarProject) float64 {
	if len(similar) == 0 {
		return 0
	}
	var sum float64
	for _, s := range similar {
		sum += s.SimilarityScore
	}
	return sum / float64(len(similar))
}
